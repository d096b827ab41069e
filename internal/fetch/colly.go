package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// Client performs single-page GETs using a colly collector cloned per call.
type Client struct {
	cfg  Config
	base *colly.Collector
}

// NewClient builds a Client with a pooled transport shared across clones.
func NewClient(cfg Config) *Client {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Client{cfg: cfg, base: c}
}

// Get executes one HTTP GET. The raw colly error is returned untouched so
// the caller can classify it; Page carries the last observed status code
// even on failure.
func (c *Client) Get(ctx context.Context, url string) (Page, error) {
	collector := c.base.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !c.cfg.RespectRobots
	// Retries hit the same URL, so revisits must be allowed.
	collector.AllowURLRevisit = true
	timeout := c.cfg.Timeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var (
		page     Page
		fetchErr error
	)
	start := time.Now()

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		if c.cfg.AcceptLanguage != "" {
			r.Headers.Set("Accept-Language", c.cfg.AcceptLanguage)
		}
		if c.cfg.Referer != "" {
			r.Headers.Set("Referer", c.cfg.Referer)
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		page = Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			page.StatusCode = r.StatusCode
			if r.Request != nil && r.Request.URL != nil {
				page.URL = r.Request.URL.String()
			}
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return page, fmt.Errorf("visit canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return page, err
		}
		if fetchErr != nil {
			return page, fetchErr
		}
		return page, nil
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
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
