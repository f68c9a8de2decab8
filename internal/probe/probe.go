// Package probe implements a cheap HTTP preflight using gocolly, run before a
// browser session is spent on a URL. A probe failure classifies the job
// without ever touching Chrome.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/pixelproof/adcapture/internal/capture"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Prober implements capture.Prober using the Colly collector.
type Prober struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Prober with a pooled transport shared by all checks.
func New(cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Prober{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Check performs a single GET against url and reports whether the page is
// reachable. Errors carry the capture error class for the failure.
func (p *Prober) Check(ctx context.Context, url string) error {
	collector := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.SetRequestTimeout(p.cfg.Timeout)

	var status int
	var fetchErr error
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return capture.NewError(capture.ClassTimeout, fmt.Errorf("probe %s canceled: %w", url, ctx.Err()))
	case err := <-done:
		if err != nil {
			return classifyProbe(url, status, err)
		}
		if fetchErr != nil {
			return classifyProbe(url, status, fetchErr)
		}
		if status >= 400 {
			return capture.NewError(capture.ClassNetwork, fmt.Errorf("probe %s: status %d", url, status))
		}
		return nil
	}
}

func classifyProbe(url string, status int, err error) error {
	if status >= 400 {
		return capture.NewError(capture.ClassNetwork, fmt.Errorf("probe %s: status %d: %w", url, status, err))
	}
	return capture.NewError(capture.Classify(err), fmt.Errorf("probe %s: %w", url, err))
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

var _ capture.Prober = (*Prober)(nil)
