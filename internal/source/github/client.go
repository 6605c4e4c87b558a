package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/oshokin/compose-updater/internal/domain/update"
	"github.com/oshokin/compose-updater/internal/tag"
	"github.com/oshokin/compose-updater/internal/version"
)

var (
	// ErrSourceUnavailable is returned on network errors, timeouts and non-2xx answers.
	ErrSourceUnavailable = errors.New("release source unavailable")
	// ErrSourceMalformed is returned when the answer cannot be turned into a tag.
	ErrSourceMalformed = errors.New("release source answer malformed")
)

const (
	// DefaultTimeout bounds one release request.
	DefaultTimeout = 10 * time.Second
	// DefaultCacheTTL is how long a fetched release is reused.
	DefaultCacheTTL = time.Minute

	// maxBodySize bounds the decoded answer.
	maxBodySize = 4 << 20
	// maxNotesLength truncates release notes kept for the dashboard.
	maxNotesLength = 500
	// acceptHeader selects the stable REST API media type.
	acceptHeader = "application/vnd.github+json"
)

// release is the subset of the GitHub release payload we use.
type release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	HTMLURL     string    `json:"html_url"`
	PublishedAt time.Time `json:"published_at"`
	Body        string    `json:"body"`
}

// Client fetches the latest release of a repository.
type Client struct {
	// baseURL is the API root.
	baseURL *url.URL
	// token is an optional bearer token.
	token string
	// httpClient performs the requests.
	httpClient *http.Client
	// timeout bounds one request.
	timeout time.Duration
	// cache keeps releases per repository.
	cache *gocache.Cache
}

// Option configures the client.
type Option func(*Client)

// WithToken authenticates requests with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithTimeout overrides the request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithCacheTTL overrides how long answers are cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.cache = gocache.New(ttl, 2*ttl)
		}
	}
}

// WithHTTPClient replaces the HTTP client, e.g. to add instrumentation.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a client for the API root, e.g. https://api.github.com.
func NewClient(apiBase string, opts ...Option) (*Client, error) {
	base, err := url.Parse(apiBase)
	if err != nil {
		return nil, fmt.Errorf("parse api base: %w", err)
	}

	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("api base %q must be an absolute URL", apiBase)
	}

	c := &Client{
		baseURL:    base,
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
		cache:      gocache.New(DefaultCacheTTL, 2*DefaultCacheTTL),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// FetchLatest returns the normalized tag of the latest release of repo ("owner/name").
func (c *Client) FetchLatest(ctx context.Context, repo string) (tag.Tag, error) {
	r, err := c.LatestRelease(ctx, repo)
	if err != nil {
		return "", err
	}

	return r.Tag, nil
}

// LatestRelease returns the latest release with its metadata, using the cache when fresh.
func (c *Client) LatestRelease(ctx context.Context, repo string) (*update.Release, error) {
	if cached, ok := c.cache.Get(repo); ok {
		if r, ok := cached.(*update.Release); ok {
			copied := *r
			return &copied, nil
		}
	}

	r, err := c.fetch(ctx, repo)
	if err != nil {
		return nil, err
	}

	c.cache.SetDefault(repo, r)

	copied := *r

	return &copied, nil
}

// ClearCache drops every cached release.
func (c *Client) ClearCache() {
	c.cache.Flush()
}

// fetch performs the single outbound call.
func (c *Client) fetch(ctx context.Context, repo string) (*update.Release, error) {
	owner, name, ok := strings.Cut(strings.Trim(repo, "/"), "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("%w: invalid repository %q", ErrSourceMalformed, repo)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := *c.baseURL
	endpoint.Path = path.Join("/", c.baseURL.Path, "repos", owner, name, "releases", "latest")

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrSourceUnavailable, err)
	}

	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", version.UserAgent())

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))

		return nil, fmt.Errorf("%w: %s returned %s", ErrSourceUnavailable, endpoint.String(), resp.Status)
	}

	var payload release
	if err = json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&payload); err != nil {
		if reqCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, reqCtx.Err())
		}

		return nil, fmt.Errorf("%w: decode release: %w", ErrSourceMalformed, err)
	}

	latest := tag.Normalize(tag.Tag(payload.TagName))
	if latest == "" {
		return nil, fmt.Errorf("%w: release has no tag_name", ErrSourceMalformed)
	}

	return &update.Release{
		Tag:         latest,
		Name:        payload.Name,
		URL:         payload.HTMLURL,
		PublishedAt: payload.PublishedAt,
		Notes:       truncate(payload.Body, maxNotesLength),
	}, nil
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}

	return string(runes[:n])
}
