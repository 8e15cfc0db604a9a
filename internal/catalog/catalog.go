// Package catalog reads the remote directory listings that publish the CNPJ
// open-data partitions and their archives.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/JonMunkholm/cnpjsync/internal/core"
)

// ErrNotFound is returned when no partition can be determined.
var ErrNotFound = errors.New("no partition found")

// Partition is a YYYY-MM publication directory.
type Partition string

var partitionPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)

// RemoteFile is an archive advertised by a partition listing.
type RemoteFile struct {
	URL  string
	Name string
	Size int64 // -1 when unknown
}

// Client reads listings over HTTP.
type Client struct {
	httpClient *http.Client
	userAgent  string
	log        *slog.Logger
}

// NewClient creates a catalog client. timeout bounds each listing request.
func NewClient(timeout time.Duration, userAgent string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
		userAgent:  userAgent,
		log:        log,
	}
}

// LatestPartition returns the lexicographically greatest YYYY-MM entry of
// the listing at baseURL. Network and parse failures wrap
// core.ErrCatalogUnavailable; a listing without partitions is ErrNotFound.
func (c *Client) LatestPartition(ctx context.Context, baseURL string) (Partition, error) {
	links, err := c.links(ctx, baseURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrCatalogUnavailable, err)
	}

	var latest Partition
	for _, link := range links {
		name := path.Base(strings.TrimSuffix(link.Path, "/"))
		if !partitionPattern.MatchString(name) {
			continue
		}
		if p := Partition(name); p > latest {
			latest = p
		}
	}
	if latest == "" {
		return "", fmt.Errorf("%w: listing at %s has no YYYY-MM entries", ErrNotFound, baseURL)
	}

	c.log.Info("latest partition resolved", "partition", latest, "url", baseURL)
	return latest, nil
}

// ListArchives returns every .zip link of the partition listing in listing
// order, without duplicates, resolved against partitionURL. Sizes are unknown.
// An empty result is not an error.
func (c *Client) ListArchives(ctx context.Context, partitionURL string) ([]RemoteFile, error) {
	links, err := c.links(ctx, partitionURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrCatalogUnavailable, err)
	}

	seen := make(map[string]bool, len(links))
	files := make([]RemoteFile, 0, len(links))
	for _, link := range links {
		name := path.Base(link.Path)
		if !strings.HasSuffix(strings.ToLower(name), ".zip") {
			continue
		}
		u := link.String()
		if seen[u] {
			continue
		}
		seen[u] = true
		files = append(files, RemoteFile{URL: u, Name: name, Size: -1})
	}

	c.log.Info("archives listed", "url", partitionURL, "count", len(files))
	return files, nil
}

// PartitionURL joins the base listing URL and a partition into the
// partition's listing URL, with a trailing slash.
func PartitionURL(baseURL string, p Partition) (string, error) {
	base, err := url.Parse(ensureSlash(baseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	return base.ResolveReference(&url.URL{Path: string(p) + "/"}).String(), nil
}

// links fetches pageURL and returns every anchor href resolved against it.
func (c *Client) links(ctx context.Context, pageURL string) ([]*url.URL, error) {
	base, err := url.Parse(ensureSlash(pageURL))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get listing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &core.StatusError{URL: base.String(), Code: resp.StatusCode}
	}

	hrefs, err := parseAnchors(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}

	out := make([]*url.URL, 0, len(hrefs))
	for _, h := range hrefs {
		ref, err := url.Parse(strings.TrimSpace(h))
		if err != nil {
			continue
		}
		out = append(out, base.ResolveReference(ref))
	}
	return out, nil
}

// parseAnchors returns the href of every <a> element in document order.
func parseAnchors(r io.Reader) ([]string, error) {
	z := html.NewTokenizer(r)
	var hrefs []string
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return hrefs, nil
			}
			return nil, z.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "a" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "href" {
					hrefs = append(hrefs, string(val))
				}
				if !more {
					break
				}
			}
		}
	}
}

func ensureSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
