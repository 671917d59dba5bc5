// Package collyfetcher implements fetcher.Getter using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/imagecrawl/internal/fetcher"
)

// Defaults for Config fields left unset.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxBodySize = 64 << 20
	DefaultUserAgent   = "imagecrawl/1.0"
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string        `mapstructure:"user_agent"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxBodySize int           `mapstructure:"max_body_size"`
	// Limiter, when set, is waited on before every request.
	Limiter Waiter `mapstructure:"-"`
}

// Waiter throttles outbound requests. ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Getter performs single GETs with a cloned Colly collector per call.
type Getter struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Getter sharing one pooled transport.
func New(cfg Config) *Getter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Getter{cfg: cfg, baseCollector: c}
}

// Get issues one GET. Non-2xx responses are returned, not treated as errors,
// so the caller can inspect the status.
func (g *Getter) Get(ctx context.Context, url string, header http.Header) (fetcher.Response, error) {
	var (
		result   fetcher.Response
		fetchErr error
	)
	if g.cfg.Limiter != nil {
		if err := g.cfg.Limiter.Wait(ctx, url); err != nil {
			return fetcher.Response{}, err
		}
	}
	collector := g.buildCollector()
	g.configureCollectorHooks(collector, header, &result, &fetchErr)

	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		return fetcher.Response{}, err
	}
	return result, nil
}

func (g *Getter) buildCollector() *colly.Collector {
	collector := g.baseCollector.Clone()
	collector.UserAgent = g.cfg.UserAgent
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.MaxBodySize = g.cfg.MaxBodySize
	collector.SetRequestTimeout(g.cfg.Timeout)
	return collector
}

func (g *Getter) configureCollectorHooks(
	hooks collectorHooks,
	header http.Header,
	result *fetcher.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range header {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		var h http.Header
		if r.Headers != nil {
			h = r.Headers.Clone()
		}
		*result = fetcher.Response{
			StatusCode: r.StatusCode,
			Header:     h,
			Body:       append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		*fetchErr = err
		if r != nil && r.StatusCode != 0 {
			result.StatusCode = r.StatusCode
		}
	})
}

// runCollector visits url until it completes or ctx is done. On cancellation
// the Visit goroutine is left to finish on its own; it is bounded by the
// collector's request timeout and its writes through the response hooks are
// never read once this returns an error.
func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}
