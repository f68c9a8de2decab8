package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/pixelproof/adcapture/internal/capture"
)

// docResponse records the first document response seen during a navigation.
// That response belongs to the main frame: redirect hops never emit
// responseReceived for the document request, and ad iframes loading on the
// page emit their own document responses later. Only the first one may
// classify the navigation.
type docResponse struct {
	once   sync.Once
	status int
	url    string
}

func (d *docResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument {
		return
	}
	d.once.Do(func() {
		d.status = int(resp.Response.Status)
		d.url = resp.Response.URL
	})
}

// Navigate loads url in the session's tab and waits for the wait condition
// to become visible. HTTP >= 400 on the final document response is a network
// failure even though Chrome renders the error body.
func (m *Manager) Navigate(ctx context.Context, session *capture.Session, url string, opts capture.NavigateOptions) error {
	live, err := m.tab(session)
	if err != nil {
		return err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.NavigationTimeout
	}
	waitSel := opts.WaitCondition
	if waitSel == "" {
		waitSel = "body"
	}

	navCtx, cancel := context.WithTimeout(live.ctx, timeout)
	defer cancel()

	var doc docResponse
	chromedp.ListenTarget(navCtx, doc.observe)

	start := m.clock.Now()
	err = chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitVisible(waitSel, chromedp.ByQuery),
	)
	m.touch(live)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return capture.NewError(capture.ClassTimeout, fmt.Errorf("navigate %s: timed out after %s", url, timeout))
		}
		return capture.NewError(capture.ClassNetwork, fmt.Errorf("navigate %s: %w", url, err))
	}
	if doc.status == 0 {
		return capture.NewError(capture.ClassNetwork, fmt.Errorf("navigate %s: no document response observed", url))
	}
	if doc.status >= 400 {
		return capture.NewError(capture.ClassNetwork, fmt.Errorf("navigate %s: document response %d", url, doc.status))
	}

	m.logger.Debug("navigation complete",
		zap.String("session_id", session.ID),
		zap.String("url", doc.url),
		zap.Int("status", doc.status),
		zap.Duration("took", m.clock.Now().Sub(start)),
	)
	return nil
}

// WaitForSelector blocks until selector is visible or timeout elapses.
func (m *Manager) WaitForSelector(ctx context.Context, session *capture.Session, selector string, timeout time.Duration) error {
	live, err := m.tab(session)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = m.cfg.SelectorTimeout
	}
	waitCtx, cancel := context.WithTimeout(live.ctx, timeout)
	defer cancel()

	err = chromedp.Run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery))
	m.touch(live)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return capture.NewError(capture.ClassSelectorNotFound,
				fmt.Errorf("selector %q not visible within %s", selector, timeout))
		}
		return capture.NewError(capture.ClassBrowserCrash, fmt.Errorf("wait for %q: %w", selector, err))
	}
	return nil
}

// RunScript evaluates script in the page. When out is non-nil the script's
// JSON result is unmarshaled into it.
func (m *Manager) RunScript(ctx context.Context, session *capture.Session, script string, out any) error {
	live, err := m.tab(session)
	if err != nil {
		return err
	}
	evalCtx, cancel := context.WithTimeout(live.ctx, m.cfg.ScriptTimeout)
	defer cancel()

	var raw []byte
	action := chromedp.Evaluate(script, &raw)
	if out == nil {
		action = chromedp.Evaluate(script, nil)
	}
	err = chromedp.Run(evalCtx, action)
	m.touch(live)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return capture.NewError(capture.ClassTimeout, fmt.Errorf("script timed out after %s", m.cfg.ScriptTimeout))
		}
		return capture.NewError(capture.ClassBrowserCrash, fmt.Errorf("evaluate script: %w", err))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return capture.NewError(capture.ClassParsing, fmt.Errorf("decode script result: %w", err))
		}
	}
	return nil
}

// Capture renders pixels from the session's page according to opts. Exactly
// one of Selector, FullPage or Clip drives the capture region.
func (m *Manager) Capture(ctx context.Context, session *capture.Session, opts capture.CaptureOptions) ([]byte, error) {
	live, err := m.tab(session)
	if err != nil {
		return nil, err
	}
	capCtx, cancel := context.WithTimeout(live.ctx, m.cfg.CaptureTimeout)
	defer cancel()

	quality := opts.Quality
	if quality <= 0 {
		quality = 90
	}

	var buf []byte
	switch {
	case opts.Selector != "":
		err = chromedp.Run(capCtx, chromedp.Screenshot(opts.Selector, &buf, chromedp.NodeVisible, chromedp.ByQuery))
	case opts.Clip != nil:
		err = chromedp.Run(capCtx, clipScreenshot(*opts.Clip, opts.Format, quality, &buf))
	default:
		err = chromedp.Run(capCtx, chromedp.FullScreenshot(&buf, quality))
	}
	m.touch(live)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, capture.NewError(capture.ClassTimeout, fmt.Errorf("capture timed out after %s", m.cfg.CaptureTimeout))
		}
		return nil, capture.NewError(capture.ClassBrowserCrash, fmt.Errorf("capture: %w", err))
	}
	if len(buf) == 0 {
		return nil, capture.NewError(capture.ClassBrowserCrash, fmt.Errorf("capture produced no data"))
	}
	return buf, nil
}

// clipScreenshot captures a fixed viewport rectangle via the CDP page domain.
func clipScreenshot(clip capture.Clip, format capture.ImageFormat, quality int, buf *[]byte) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		p := page.CaptureScreenshot().
			WithClip(&page.Viewport{
				X:      clip.X,
				Y:      clip.Y,
				Width:  clip.Width,
				Height: clip.Height,
				Scale:  1,
			}).
			WithFromSurface(true)
		switch format {
		case capture.FormatJPEG:
			p = p.WithFormat(page.CaptureScreenshotFormatJpeg).WithQuality(int64(quality))
		default:
			p = p.WithFormat(page.CaptureScreenshotFormatPng)
		}
		data, err := p.Do(ctx)
		if err != nil {
			return err
		}
		*buf = data
		return nil
	})
}
