package network

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	offlinecache "github.com/wolfeidau/offline-cache"
)

// assetRels are the link relations worth precaching.
var assetRels = map[string]bool{
	"stylesheet":    true,
	"icon":          true,
	"manifest":      true,
	"preload":       true,
	"modulepreload": true,
}

// Discover fetches each page and returns the pages followed by every
// same-origin stylesheet, script, image and preload they reference, without
// duplicates. Pages that fail to load or are not HTML contribute only
// themselves.
func (c *Client) Discover(ctx context.Context, pages []string) ([]string, error) {
	seen := make(map[string]bool, len(pages))
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range pages {
		add(p)
	}

	for _, p := range pages {
		target, err := c.origin.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", p, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.Fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		if !resp.OK() || !isHTML(resp.Header) {
			continue
		}
		base, err := url.Parse(resp.URL)
		if err != nil {
			base = target
		}
		refs, err := ParseAssetRefs(resp.Body, base)
		if err != nil {
			c.logger.Debug("skipping unparseable page", "url", target, "error", err)
			continue
		}
		for _, ref := range refs {
			if !offlinecache.SameOrigin(ref, c.origin) {
				continue
			}
			add(ref.RequestURI())
		}
	}
	return out, nil
}

// ParseAssetRefs extracts asset URLs from an HTML document, resolved
// against base.
func ParseAssetRefs(body []byte, base *url.URL) ([]*url.URL, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing HTML: %w", err)
	}

	var refs []*url.URL
	resolve := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "data:") || strings.HasPrefix(raw, "#") {
			return
		}
		u, err := base.Parse(raw)
		if err != nil {
			return
		}
		u.Fragment = ""
		refs = append(refs, u)
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "link":
				if linkIsAsset(attr(n, "rel")) {
					resolve(attr(n, "href"))
				}
			case "script", "img":
				resolve(attr(n, "src"))
			case "base":
				if href := attr(n, "href"); href != "" {
					if u, err := base.Parse(href); err == nil {
						base = u
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return refs, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func linkIsAsset(rel string) bool {
	for _, r := range strings.Fields(strings.ToLower(rel)) {
		if assetRels[r] {
			return true
		}
	}
	return false
}

func isHTML(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mt == "text/html"
}
