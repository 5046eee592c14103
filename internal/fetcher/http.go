package fetcher

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/stagegate/internal/resilience"
)

// ErrBodyTooLarge is returned when a response exceeds MaxBodyBytes.
var ErrBodyTooLarge = eris.New("fetcher: response body too large")

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent       string
	Timeout         time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	HostConcurrency int
	HostSpacing     time.Duration
	MaxBodyBytes    int64

	// Breakers, when set, stops fetching from a host after repeated
	// transient failures.
	Breakers *resilience.HostBreakers

	// Client overrides the default client. Tests use this.
	Client *http.Client
}

// HTTPFetcher implements Fetcher over net/http.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions
	hosts  *HostLimiter
	retry  resilience.RetryConfig
	log    *zap.Logger
}

// NewHTTPFetcher creates an HTTPFetcher, filling defaults for zero options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "stagegate/1.0"
	}
	if opts.HostConcurrency <= 0 {
		opts.HostConcurrency = 2
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: opts.HostConcurrency,
				MaxConnsPerHost:     opts.HostConcurrency * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	retry := resilience.NewRetryConfig(opts.MaxRetries, opts.RetryBackoff)

	return &HTTPFetcher{
		client: client,
		opts:   opts,
		hosts:  NewHostLimiter(opts.HostSpacing, opts.HostConcurrency),
		retry:  retry,
		log:    zap.L().With(zap.String("component", "fetcher")),
	}
}

// Fetch retrieves req.URL, retrying transient failures (network errors,
// 408/429/5xx). Non-2xx responses are returned as *StatusError.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "fetcher: not started")
	}

	host := resilience.HostOf(req.URL)
	if f.opts.Breakers != nil {
		if err := f.opts.Breakers.Allow(host); err != nil {
			return nil, eris.Wrapf(err, "fetcher: %s", host)
		}
	}

	retry := f.retry
	retry.OnRetry = resilience.RetryLogger("fetcher", req.URL)
	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*Response, error) {
		return f.once(ctx, req)
	})

	if f.opts.Breakers != nil && ctx.Err() == nil {
		var trip error
		if resilience.IsTransient(err) {
			trip = err
		}
		f.opts.Breakers.Record(host, trip)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (f *HTTPFetcher) once(ctx context.Context, req Request) (*Response, error) {
	release, err := f.hosts.Acquire(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := f.hosts.WaitHost(ctx, req.URL); err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	httpReq.Header.Set("User-Agent", f.opts.UserAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: GET %s", req.URL)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		statusErr := &StatusError{URL: req.URL, StatusCode: resp.StatusCode}
		if resp.StatusCode == http.StatusTooManyRequests {
			f.hosts.Penalize(req.URL)
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read body %s", req.URL)
	}
	if int64(len(body)) > f.opts.MaxBodyBytes {
		return nil, eris.Wrapf(ErrBodyTooLarge, "fetcher: %s exceeds %d bytes", req.URL, f.opts.MaxBodyBytes)
	}
	body, err = decodeBody(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, err
	}

	f.hosts.Recover(req.URL)
	f.log.Debug("fetched",
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
	)
	return &Response{
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
