package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chatshaper/chatshaper/pkg/keypool"
	"github.com/chatshaper/chatshaper/pkg/models"
)

// AdminClient reads the live state of a running proxy through its admin
// endpoints and resets its key pools.
type AdminClient struct {
	base   string
	client *http.Client
}

// NewAdminClient creates an AdminClient for the proxy listening at addr. A
// nil client uses one with a 10 second timeout.
func NewAdminClient(addr string, client *http.Client) *AdminClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &AdminClient{base: strings.TrimRight(addr, "/"), client: client}
}

// KeyStats returns live pool statistics keyed by provider.
func (c *AdminClient) KeyStats(ctx context.Context) (map[string]keypool.Stats, error) {
	var stats map[string]keypool.Stats
	if err := c.call(ctx, http.MethodGet, "/admin/keys", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// CacheStats returns the response cache statistics of the running proxy.
func (c *AdminClient) CacheStats(ctx context.Context) (models.CacheStats, error) {
	var stats models.CacheStats
	if err := c.call(ctx, http.MethodGet, "/admin/cache", &stats); err != nil {
		return models.CacheStats{}, err
	}
	return stats, nil
}

// ResetKeys clears exclusions for provider, or for every provider when it is
// empty, and returns the providers that were reset.
func (c *AdminClient) ResetKeys(ctx context.Context, provider string) ([]string, error) {
	path := "/admin/keys/reset"
	if provider != "" {
		path += "?provider=" + url.QueryEscape(provider)
	}
	var out struct {
		Reset []string `json:"reset"`
	}
	if err := c.call(ctx, http.MethodPost, path, &out); err != nil {
		return nil, err
	}
	return out.Reset, nil
}

func (c *AdminClient) call(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("admin request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("admin request: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode admin response: %w", err)
	}
	return nil
}
