package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/marzo245/RoleDesk-B/internal/v1/logging"

	"go.uber.org/zap"
)

// validateOrigin checks the request origin against the allowlist. Requests
// without an Origin header (non-browser clients, tests) pass.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowed", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}
