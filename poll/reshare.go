package poll

import (
	"context"
	"fmt"
	"net/url"
	"nextcloud-notifier/pkg/notifier"
	"strings"
)

// ShareSource lists shares of the polling account.
type ShareSource interface {
	SharedWithMe(ctx context.Context) ([]notifier.Share, error)
	Reshares(ctx context.Context, path string) ([]notifier.Share, error)
}

// ReshareCache maps shared path prefixes to the public links exposing them.
type ReshareCache struct {
	links map[string]string // Path prefix -> public URL
}

// NewReshareCache creates an empty cache; Resolve finds nothing until Refresh.
func NewReshareCache() *ReshareCache {
	return &ReshareCache{links: map[string]string{}}
}

// Refresh rebuilds the cache from scratch. On error the previous contents are kept.
func (c *ReshareCache) Refresh(ctx context.Context, src ShareSource) error {
	received, err := src.SharedWithMe(ctx)
	if err != nil {
		return fmt.Errorf("refresh reshares: %w", err)
	}

	links := make(map[string]string)
	for _, share := range received {
		reshares, err := src.Reshares(ctx, share.Path)
		if err != nil {
			return fmt.Errorf("refresh reshares: %w", err)
		}
		for _, r := range reshares {
			if r.URL == "" {
				continue
			}
			links[strings.TrimSuffix(r.Path, "/")] = r.URL
		}
	}

	c.links = links
	return nil
}

// Len returns the number of public prefixes.
func (c *ReshareCache) Len() int {
	return len(c.links)
}

// Resolve returns the public link showing path, using the longest shared prefix
// of path. It returns "" when path is not publicly reachable.
func (c *ReshareCache) Resolve(path string) string {
	prefix, link := c.longestPrefix(path)
	if link == "" {
		return ""
	}
	return withQuery(link, url.Values{"path": {remainder(path, prefix)}})
}

// ResolveFile returns the public link of the folder containing path with the
// file preselected.
func (c *ReshareCache) ResolveFile(path string) string {
	prefix, link := c.longestPrefix(path)
	if link == "" {
		return ""
	}
	if prefix == path {
		// The file itself is shared.
		return link
	}
	rest := remainder(path, prefix)
	idx := strings.LastIndex(rest, "/")
	dir, name := rest[:idx], rest[idx+1:]
	if dir == "" {
		dir = "/"
	}
	return withQuery(link, url.Values{"path": {dir}, "files": {name}})
}

func (c *ReshareCache) longestPrefix(path string) (string, string) {
	var best, link string
	found := false
	for prefix, u := range c.links {
		if !hasPathPrefix(path, prefix) {
			continue
		}
		if !found || len(prefix) > len(best) {
			best, link, found = prefix, u, true
		}
	}
	return best, link
}

// hasPathPrefix reports whether prefix is path itself or one of its parents.
func hasPathPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || prefix == "" || path[len(prefix)] == '/'
}

func remainder(path, prefix string) string {
	rest := path[len(prefix):]
	if rest == "" {
		return "/"
	}
	return rest
}

func withQuery(link string, params url.Values) string {
	u, err := url.Parse(link)
	if err != nil {
		return link + "?" + params.Encode()
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String()
}
