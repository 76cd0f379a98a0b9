package httpfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	engine "github.com/koscakluka/voicelink/core"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Fetcher streams remote media over HTTP. It serves the engine as both the
// media fetcher and the media resolver.
type Fetcher struct {
	client    *http.Client
	userAgent string
	headers   http.Header
}

type Option func(*Fetcher)

// WithHTTPClient replaces the default client. Its transport is used as is.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		if client != nil {
			f.client = client
		}
	}
}

func WithUserAgent(userAgent string) Option {
	return func(f *Fetcher) { f.userAgent = userAgent }
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) { f.headers.Add(key, value) }
}

func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.Method + " " + request.URL.Path
			}),
		)},
		userAgent: "voicelink",
		headers:   http.Header{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch opens url for streaming. The caller closes the returned body; ctx
// cancellation aborts the transfer.
func (f *Fetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "fetch media")
	defer span.End()
	span.SetAttributes(attribute.String("request.url", url))

	resp, err := f.do(ctx, http.MethodGet, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("response.status_code", resp.StatusCode),
		attribute.String("response.content_type", resp.Header.Get("Content-Type")),
	)
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp.Body, nil
}

// Resolve follows redirects with a HEAD request and returns the final URL.
// Servers that reject HEAD are retried with a GET whose body is discarded.
func (f *Fetcher) Resolve(ctx context.Context, url string) (string, error) {
	ctx, span := tracer.Start(ctx, "resolve media")
	defer span.End()
	span.SetAttributes(attribute.String("request.url", url))

	resp, err := f.do(ctx, http.MethodHead, url)
	if err == nil && resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		logger.Debug("media server rejected HEAD, retrying with GET", "url", url)
		resp, err = f.do(ctx, http.MethodGet, url)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	resolved := resp.Request.URL.String()
	span.SetAttributes(attribute.String("response.url", resolved))
	return resolved, nil
}

func (f *Fetcher) do(ctx context.Context, method, url string) (*http.Response, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("%w: media url is empty", engine.ErrConfig)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: error creating HTTP request: %v", engine.ErrConfig, err)
	}
	for key, values := range f.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: error sending request: %v", engine.ErrTransport, err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: media server rejected request: %s", engine.ErrAuth, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: non-OK HTTP status: %s", engine.ErrTransport, resp.Status)
	}
	return nil
}
