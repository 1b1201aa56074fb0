package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// EndpointChecker reports whether an HTTP endpoint, such as the alert
// webhook receiver, is reachable.
type EndpointChecker struct {
	url    string
	client *http.Client
}

// NewEndpointChecker creates a checker for url.
func NewEndpointChecker(url string) *EndpointChecker {
	return &EndpointChecker{
		url: url,
		client: &http.Client{
			Timeout: 3 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// HealthCheck sends a HEAD request. Webhook receivers usually reject HEAD
// with a 4xx, so only transport errors and 5xx count as unhealthy.
func (e *EndpointChecker) HealthCheck(ctx context.Context) error {
	if e.url == "" {
		return fmt.Errorf("endpoint url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, e.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("endpoint unhealthy: unexpected status code %d", resp.StatusCode)
	}
	return nil
}
