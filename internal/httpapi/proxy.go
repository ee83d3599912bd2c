package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"

	"x402gateway/internal/config"
	"x402gateway/internal/x402types"
)

// hopByHopHeaders are never forwarded to or from the backend (RFC 7230
// §6.1), plus the payment headers the gateway itself consumes.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Te":                  true,
	"Trailer":             true,
	"Payment-Signature":   true,
	"X-Payment":           true,
}

// backendClient is shared across all proxied requests; fiber handlers run
// concurrently so this must be safe for concurrent use, which
// *http.Client is.
var backendClient = &http.Client{Timeout: 30 * time.Second}

// forwardToBackend proxies the current request to route's backend,
// injecting the route's backend key header when configured, and returns
// the backend's status code for the caller to report to the pipeline's
// post-response credit-issuance step.
func forwardToBackend(ctx context.Context, c fiber.Ctx, route x402types.RouteDescriptor) (int, error) {
	target := route.BackendBaseURL + c.Path()
	if q := string(c.Request().URI().QueryString()); q != "" {
		target += "?" + q
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target, bytes.NewReader(c.Body()))
	if err != nil {
		return 0, fmt.Errorf("httpapi: build backend request: %w", err)
	}

	c.Request().Header.VisitAll(func(k, v []byte) {
		key := string(k)
		if hopByHopHeaders[key] {
			return
		}
		req.Header.Add(key, string(v))
	})
	if key := config.BackendKey(route.BackendKeyRef); key != "" && route.BackendKeyHeader != "" {
		req.Header.Set(route.BackendKeyHeader, key)
	}

	resp, err := backendClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("httpapi: call backend: %w", err)
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if hopByHopHeaders[key] {
			continue
		}
		for _, v := range values {
			c.Response().Header.Add(key, v)
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("httpapi: read backend response: %w", err)
	}

	c.Status(resp.StatusCode)
	if _, err := c.Write(body); err != nil {
		return resp.StatusCode, fmt.Errorf("httpapi: write backend response: %w", err)
	}
	return resp.StatusCode, nil
}
