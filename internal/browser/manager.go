// Package browser owns the shared headless Chrome process and the per-job
// sessions created from it, and implements the page operations the pipeline
// drives: navigation, selector waits, script execution and pixel capture.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/pixelproof/adcapture/internal/capture"
	"github.com/pixelproof/adcapture/internal/metrics"
)

// Config controls the browser manager.
type Config struct {
	NavigationTimeout time.Duration
	SelectorTimeout   time.Duration
	ScriptTimeout     time.Duration
	CaptureTimeout    time.Duration
	MaxSessions       int
	Devices           map[capture.DeviceType]capture.DeviceProfile
}

func (c *Config) applyDefaults() {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.SelectorTimeout <= 0 {
		c.SelectorTimeout = 10 * time.Second
	}
	if c.ScriptTimeout <= 0 {
		c.ScriptTimeout = 10 * time.Second
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = 20 * time.Second
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 8
	}
	if len(c.Devices) == 0 {
		c.Devices = DefaultDevices()
	}
}

// liveSession pairs the public session record with its chromedp tab context.
type liveSession struct {
	session *capture.Session
	ctx     context.Context
	cancel  context.CancelFunc
}

// Manager implements capture.SessionManager and capture.Driver on top of a
// single shared Chrome process.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	clock  capture.Clock
	ids    capture.IDGenerator

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	sem chan struct{}

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// NewManager launches (and warms up) the shared browser process.
func NewManager(cfg Config, clock capture.Clock, ids capture.IDGenerator, logger *zap.Logger) (*Manager, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, capture.NewError(capture.ClassBrowserCrash, fmt.Errorf("chromedp warmup: %w", err))
	}

	return &Manager{
		cfg:           cfg,
		logger:        logger,
		clock:         clock,
		ids:           ids,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		sem:           make(chan struct{}, cfg.MaxSessions),
		sessions:      make(map[string]*liveSession),
	}, nil
}

// CreateSession allocates a fresh tab with the device profile applied.
func (m *Manager) CreateSession(ctx context.Context, device capture.DeviceType) (*capture.Session, error) {
	if err := m.browserCtx.Err(); err != nil {
		return nil, capture.NewError(capture.ClassBrowserCrash, fmt.Errorf("browser process unavailable: %w", err))
	}
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("session slot wait: %w", ctx.Err())
	}

	id, err := m.ids.NewID()
	if err != nil {
		<-m.sem
		return nil, fmt.Errorf("session id: %w", err)
	}
	profile := profileFor(m.cfg.Devices, device)

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx)
	if err := chromedp.Run(tabCtx,
		network.Enable(),
		emulation.SetUserAgentOverride(profile.UserAgent),
		emulation.SetDeviceMetricsOverride(profile.Width, profile.Height, profile.Scale, profile.Mobile),
		emulation.SetTouchEmulationEnabled(profile.Touch),
	); err != nil {
		tabCancel()
		<-m.sem
		return nil, capture.NewError(capture.ClassBrowserCrash, fmt.Errorf("apply device profile: %w", err))
	}

	sess := &capture.Session{
		ID:           id,
		Device:       profile,
		Active:       true,
		LastActivity: m.clock.Now(),
	}
	m.mu.Lock()
	m.sessions[id] = &liveSession{session: sess, ctx: tabCtx, cancel: tabCancel}
	metrics.SetActiveSessions(len(m.sessions))
	m.mu.Unlock()

	m.logger.Debug("session created",
		zap.String("session_id", id),
		zap.String("device", string(profile.Type)),
	)
	return sess, nil
}

// DestroySession tears a session down. Destroying an unknown or already
// destroyed session is a no-op.
func (m *Manager) DestroySession(_ context.Context, session *capture.Session) error {
	if session == nil {
		return nil
	}
	m.mu.Lock()
	live, ok := m.sessions[session.ID]
	if ok {
		delete(m.sessions, session.ID)
		metrics.SetActiveSessions(len(m.sessions))
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	live.cancel()
	live.session.Active = false
	<-m.sem
	m.logger.Debug("session destroyed", zap.String("session_id", session.ID))
	return nil
}

// ReapIdle destroys sessions whose last activity is older than maxIdle.
// This is a safety net against orchestrator bugs, not the cleanup path.
func (m *Manager) ReapIdle(ctx context.Context, maxIdle time.Duration) int {
	now := m.clock.Now()
	m.mu.Lock()
	var stale []*capture.Session
	for _, live := range m.sessions {
		if now.Sub(live.session.LastActivity) > maxIdle {
			stale = append(stale, live.session)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.logger.Warn("reaping idle session",
			zap.String("session_id", s.ID),
			zap.Time("last_activity", s.LastActivity),
		)
		if err := m.DestroySession(ctx, s); err != nil {
			m.logger.Error("reap destroy failed", zap.String("session_id", s.ID), zap.Error(err))
		}
	}
	return len(stale)
}

// StartReaper runs the idle sweep every interval until ctx finishes.
func (m *Manager) StartReaper(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxIdle <= 0 {
		maxIdle = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.ReapIdle(ctx, maxIdle); n > 0 {
					m.logger.Info("idle sessions reaped", zap.Int("count", n))
				}
			}
		}
	}()
}

// Healthy reports whether the shared browser process still responds.
func (m *Manager) Healthy(_ context.Context) bool {
	if m.browserCtx.Err() != nil {
		return false
	}
	probeCtx, cancel := chromedp.NewContext(m.browserCtx)
	defer cancel()
	probeCtx, cancelTimeout := context.WithTimeout(probeCtx, 3*time.Second)
	defer cancelTimeout()
	return chromedp.Run(probeCtx, chromedp.Evaluate("1", nil)) == nil
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close destroys every session and shuts the browser process down.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	var all []*capture.Session
	for _, live := range m.sessions {
		all = append(all, live.session)
	}
	m.mu.Unlock()
	for _, s := range all {
		if err := m.DestroySession(ctx, s); err != nil {
			m.logger.Warn("session close failed", zap.String("session_id", s.ID), zap.Error(err))
		}
	}
	m.browserCancel()
	m.allocCancel()
	return nil
}

// tab resolves the live chromedp context for a session.
func (m *Manager) tab(session *capture.Session) (*liveSession, error) {
	if session == nil {
		return nil, capture.NewError(capture.ClassBrowserCrash, fmt.Errorf("nil session"))
	}
	m.mu.Lock()
	live, ok := m.sessions[session.ID]
	m.mu.Unlock()
	if !ok {
		return nil, capture.NewError(capture.ClassBrowserCrash, fmt.Errorf("session %s is closed", session.ID))
	}
	return live, nil
}

func (m *Manager) touch(live *liveSession) {
	m.mu.Lock()
	live.session.LastActivity = m.clock.Now()
	m.mu.Unlock()
}
