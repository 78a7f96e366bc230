package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/agleyzer/hlsabr/internal/config"
	"github.com/agleyzer/hlsabr/internal/media"
)

// Request describes a resource the engine wants.
type Request struct {
	URI         string
	Headers     http.Header
	Cookies     []*http.Cookie
	Range       *media.ByteRange
	Conditional Conditional
	CachePolicy CachePolicy
}

// key identifies requests that may share one download.
func (r *Request) key() string {
	var b strings.Builder
	b.WriteString(r.URI)
	if r.Range != nil {
		fmt.Fprintf(&b, "|%d-%d", r.Range.Offset, r.Range.Length)
	}
	if r.Conditional.ETag != "" || r.Conditional.LastModified != "" {
		fmt.Fprintf(&b, "|%s|%s", r.Conditional.ETag, r.Conditional.LastModified)
	}
	return b.String()
}

// ResourceRequestHook is offered every request before it is issued. It may
// rewrite headers and cookies in place and may return a Downloader to use
// instead of the default one.
type ResourceRequestHook func(req *Request) Downloader

// Client issues downloads, at most one per (URI, range, conditional state)
// at a time. Later requesters attach to the in-flight download.
type Client struct {
	newDownloader func() Downloader
	hook          ResourceRequestHook
	userAgent     string
	headers       http.Header
	logger        *slog.Logger
	group         singleflight.Group
}

// Option customizes a Client.
type Option func(*Client)

// WithDownloaderFactory replaces the default HTTPDownloader factory.
func WithDownloaderFactory(f func() Downloader) Option {
	return func(c *Client) { c.newDownloader = f }
}

// WithHook installs a resource-request hook.
func WithHook(h ResourceRequestHook) Option {
	return func(c *Client) { c.hook = h }
}

// NewClient creates a Client with the user agent and headers from cfg.
func NewClient(cfg *config.Config, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		newDownloader: func() Downloader { return NewHTTPDownloader(nil) },
		headers:       http.Header{},
		logger:        logger.With("component", "transport"),
	}
	if cfg != nil {
		c.userAgent = cfg.UserAgent
		for k, v := range cfg.Headers {
			c.headers.Set(k, v)
		}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fetch downloads req. When the download it attached to was canceled by
// its owner while ctx is still live, Fetch takes over and issues it again.
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	if req.Headers == nil {
		req.Headers = http.Header{}
	}
	for k, vs := range c.headers {
		if req.Headers.Get(k) == "" {
			req.Headers[k] = vs
		}
	}
	if c.userAgent != "" && req.Headers.Get("User-Agent") == "" {
		req.Headers.Set("User-Agent", c.userAgent)
	}

	var substitute Downloader
	if c.hook != nil {
		substitute = c.hook(&req)
	}

	key := req.key()
	for {
		ch := c.group.DoChan(key, func() (any, error) {
			return c.run(ctx, substitute, req)
		})

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrCanceled, req.URI)
		case res := <-ch:
			if res.Err != nil {
				if IsCanceled(res.Err) && ctx.Err() == nil {
					c.logger.Debug("shared download canceled by owner, retrying", "uri", req.URI)
					continue
				}
				return nil, res.Err
			}
			return res.Val.(*Response), nil
		}
	}
}

func (c *Client) run(ctx context.Context, d Downloader, req Request) (*Response, error) {
	if d == nil {
		d = c.newDownloader()
	}
	if err := d.Initialize(req.URI); err != nil {
		return nil, fmt.Errorf("failed to initialize download of %s: %w", req.URI, err)
	}
	d.Configure(Options{
		Method:      http.MethodGet,
		Cookies:     req.Cookies,
		Headers:     req.Headers,
		CachePolicy: req.CachePolicy,
		Conditional: req.Conditional,
		Range:       req.Range,
	})

	resp, err := d.Download(ctx)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrCanceled) {
			err = fmt.Errorf("%w: %v", ErrCanceled, err)
		}
		return nil, err
	}

	c.logger.Debug("downloaded",
		"uri", req.URI,
		"final", resp.FinalURI,
		"status", resp.Status,
		"bytes", len(resp.Body),
		"elapsed", resp.Elapsed,
	)
	return resp, nil
}

// ResolveURL resolves a possibly relative URL against a base URL.
func ResolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return base.ResolveReference(rel).String(), nil
}
