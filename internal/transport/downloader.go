// Package transport fetches playlists, keys and segments. The engine talks to
// a Client; the Client drives a Downloader per request, which may be the
// default HTTPDownloader or one substituted by a ResourceRequestHook.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/agleyzer/hlsabr/internal/media"
)

var (
	// ErrCanceled is returned when a download is canceled. It is not a
	// transport failure and must not count against a variant.
	ErrCanceled = errors.New("download canceled")

	// ErrNotInitialized is returned by Download before Initialize.
	ErrNotInitialized = errors.New("downloader not initialized")

	// ErrStatus matches every *StatusError.
	ErrStatus = errors.New("unexpected HTTP status")
)

// StatusError reports a non-success HTTP status.
type StatusError struct {
	URI  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URI, e.Code)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// IsCanceled reports whether err is a cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

// CachePolicy controls intermediary caching of a request.
type CachePolicy uint8

const (
	CacheDefault CachePolicy = iota
	CacheBypass
)

// Conditional carries the validators of a previous response.
type Conditional struct {
	ETag         string
	LastModified string
}

// Options configures a single download.
type Options struct {
	Method      string
	Cookies     []*http.Cookie
	Headers     http.Header
	CachePolicy CachePolicy
	Conditional Conditional
	Range       *media.ByteRange
}

// Response is a completed download.
type Response struct {
	// Body is shared between coalesced requesters and must not be modified.
	Body []byte

	// FinalURI is the URI after redirects.
	FinalURI string

	Status       int
	ETag         string
	LastModified string
	Elapsed      time.Duration
}

// NotModified reports a 304 answer to a conditional request.
func (r *Response) NotModified() bool {
	return r.Status == http.StatusNotModified
}

// Downloader performs one download at a time.
type Downloader interface {
	// Initialize sets the resource to fetch.
	Initialize(uri string) error

	// Configure applies request options.
	Configure(opts Options)

	// Download fetches the resource. It returns ErrCanceled (wrapped) when ctx
	// is canceled or Cancel is called.
	Download(ctx context.Context) (*Response, error)

	// Cancel aborts an in-flight download, optionally waiting for it to exit.
	Cancel(wait bool)
}

// HTTPDownloader is the default Downloader built on net/http.
type HTTPDownloader struct {
	client *http.Client

	mu     sync.Mutex
	uri    string
	opts   Options
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHTTPDownloader creates a downloader using client (http.DefaultClient
// when nil).
func NewHTTPDownloader(client *http.Client) *HTTPDownloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDownloader{client: client}
}

// Initialize implements Downloader.
func (d *HTTPDownloader) Initialize(uri string) error {
	if uri == "" {
		return fmt.Errorf("empty uri")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uri = uri
	return nil
}

// Configure implements Downloader.
func (d *HTTPDownloader) Configure(opts Options) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts = opts
}

// Download implements Downloader.
func (d *HTTPDownloader) Download(ctx context.Context) (*Response, error) {
	d.mu.Lock()
	if d.uri == "" {
		d.mu.Unlock()
		return nil, ErrNotInitialized
	}
	uri, opts := d.uri, d.opts
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel, d.done = cancel, done
	d.mu.Unlock()

	defer func() {
		cancel()
		close(done)
	}()

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", uri, err)
	}
	for k, vs := range opts.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for _, c := range opts.Cookies {
		req.AddCookie(c)
	}
	if opts.Range != nil && opts.Range.Length > 0 {
		req.Header.Set("Range", opts.Range.Header())
	}
	if opts.Conditional.ETag != "" {
		req.Header.Set("If-None-Match", opts.Conditional.ETag)
	}
	if opts.Conditional.LastModified != "" {
		req.Header.Set("If-Modified-Since", opts.Conditional.LastModified)
	}
	if opts.CachePolicy == CacheBypass {
		req.Header.Set("Cache-Control", "no-cache")
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrCanceled, uri)
		}
		return nil, fmt.Errorf("failed to fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	out := &Response{
		FinalURI:     resp.Request.URL.String(),
		Status:       resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusNotModified:
		out.Elapsed = time.Since(start)
		return out, nil
	default:
		return nil, &StatusError{URI: uri, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrCanceled, uri)
		}
		return nil, fmt.Errorf("failed to read %s: %w", uri, err)
	}
	out.Body = body
	out.Elapsed = time.Since(start)
	return out, nil
}

// Cancel implements Downloader.
func (d *HTTPDownloader) Cancel(wait bool) {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if wait {
		<-done
	}
}
