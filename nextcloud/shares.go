package nextcloud

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"nextcloud-notifier/pkg/notifier"
)

const sharesPath = "files_sharing/api/v1/shares"

type shareJSON struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

// SharedWithMe lists the shares the account received.
func (c *Client) SharedWithMe(ctx context.Context) ([]notifier.Share, error) {
	shares, err := c.shares(ctx, url.Values{"shared_with_me": {"true"}})
	if err != nil {
		return nil, fmt.Errorf("list received shares: %w", err)
	}
	return shares, nil
}

// Reshares lists the re-shares of the share mounted at path.
func (c *Client) Reshares(ctx context.Context, path string) ([]notifier.Share, error) {
	shares, err := c.shares(ctx, url.Values{"reshares": {"true"}, "path": {path}})
	if err != nil {
		return nil, fmt.Errorf("list reshares of %s: %w", path, err)
	}
	return shares, nil
}

func (c *Client) shares(ctx context.Context, params url.Values) ([]notifier.Share, error) {
	var raw []shareJSON
	if err := c.ocs(ctx, http.MethodGet, sharesPath, params, &raw); err != nil {
		return nil, err
	}
	shares := make([]notifier.Share, 0, len(raw))
	for _, s := range raw {
		shares = append(shares, notifier.Share{Path: s.Path, URL: s.URL})
	}
	return shares, nil
}
