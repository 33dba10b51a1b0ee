// Package hub probes reachability of the configured monitoring hub.
// Reachable means only that the URL answered; it is not proof the agent
// is registered there.
package hub

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/hostwatch/agent-manager/internal/domain"
)

const probeTimeout = 3 * time.Second

// Checker performs the best-effort reachability probe.
type Checker struct {
	http *retryablehttp.Client
}

// NewChecker returns a Checker with a short, non-retrying client.
func NewChecker() *Checker {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	client.HTTPClient.Timeout = probeTimeout
	return &Checker{http: client}
}

// Check probes hubURL. Any HTTP answer counts as reachable: an auth
// rejection still proves the hub is there.
func (c *Checker) Check(ctx context.Context, hubURL string) domain.HubStatus {
	if hubURL == "" {
		return domain.HubNotConfigured
	}

	req, err := retryablehttp.NewRequest(http.MethodGet, hubURL, nil)
	if err != nil {
		return domain.HubUnreachable
	}
	req = req.WithContext(ctx)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.HubUnreachable
	}
	resp.Body.Close()
	return domain.HubReachable
}
