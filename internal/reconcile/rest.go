// Package reconcile refetches server state for a resource whose optimistic
// update was rolled back and turns it into a wholesale-replace envelope.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tradedesk-sync/internal/common"
	"tradedesk-sync/internal/wire"

	"github.com/go-resty/resty/v2"
)

// ErrUnknownKind is returned for a kind with no backing resource.
var ErrUnknownKind = errors.New("unknown reconcile kind")

type resource struct {
	path    string
	msgType string
}

var resources = map[string]resource{
	common.KindPortfolio:    {path: "/api/portfolio", msgType: common.TypePortfolioUpdate},
	common.KindSignals:      {path: "/api/signals", msgType: common.TypeSignalsUpdate},
	common.KindRiskMetrics:  {path: "/api/risk-metrics", msgType: common.TypeRiskUpdate},
	common.KindSystemHealth: {path: "/api/system-health", msgType: common.TypeSystemHealth},
}

// Kinds lists the kinds that can be reconciled.
func Kinds() []string {
	return []string{common.KindPortfolio, common.KindSignals, common.KindRiskMetrics, common.KindSystemHealth}
}

// Client fetches resources from the backend REST API.
type Client struct {
	base string
	rest *resty.Client
	now  func() time.Time
}

// NewClient creates a REST client for base, e.g. http://localhost:3001.
func NewClient(base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(common.DefaultRESTTimeout)
	}
	r.SetHeader("Accept", "application/json")
	return &Client{base: strings.TrimRight(base, "/"), rest: r, now: time.Now}
}

// Fetch loads the current server state for kind and returns it as the
// envelope that replaces it in the store.
func (c *Client) Fetch(ctx context.Context, kind string) (wire.Envelope, error) {
	res, ok := resources[kind]
	if !ok {
		return wire.Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	resp, err := c.rest.R().
		SetContext(ctx).
		Get(c.base + res.path)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("fetch %s: %w", kind, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return wire.Envelope{}, fmt.Errorf("fetch %s: status %d, body: %s", kind, resp.StatusCode(), resp.String())
	}

	body := resp.Body()
	if !json.Valid(body) {
		return wire.Envelope{}, fmt.Errorf("fetch %s: response is not JSON", kind)
	}
	return wire.New(res.msgType, json.RawMessage(body), c.now())
}
