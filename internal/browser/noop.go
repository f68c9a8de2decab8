package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pixelproof/adcapture/internal/capture"
)

// Fake is an in-memory SessionManager and Driver for tests and local
// development without a Chrome binary. Operations succeed unless a hook is
// installed.
type Fake struct {
	clock capture.Clock
	ids   capture.IDGenerator

	// Hooks let tests inject failures per operation. Nil hooks succeed.
	NavigateHook func(url string) error
	SelectorHook func(selector string) error
	ScriptHook   func(script string, out any) error
	CaptureHook  func(opts capture.CaptureOptions) ([]byte, error)

	mu        sync.Mutex
	sessions  map[string]*capture.Session
	created   int
	destroyed int
}

// NewFake returns a Fake with no failure hooks installed.
func NewFake(clock capture.Clock, ids capture.IDGenerator) *Fake {
	return &Fake{
		clock:    clock,
		ids:      ids,
		sessions: make(map[string]*capture.Session),
	}
}

func (f *Fake) CreateSession(_ context.Context, device capture.DeviceType) (*capture.Session, error) {
	id, err := f.ids.NewID()
	if err != nil {
		return nil, err
	}
	sess := &capture.Session{
		ID:           id,
		Device:       profileFor(DefaultDevices(), device),
		Active:       true,
		LastActivity: f.clock.Now(),
	}
	f.mu.Lock()
	f.sessions[id] = sess
	f.created++
	f.mu.Unlock()
	return sess, nil
}

func (f *Fake) DestroySession(_ context.Context, session *capture.Session) error {
	if session == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[session.ID]; !ok {
		return nil
	}
	delete(f.sessions, session.ID)
	session.Active = false
	f.destroyed++
	return nil
}

func (f *Fake) ReapIdle(_ context.Context, maxIdle time.Duration) int {
	now := f.clock.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, s := range f.sessions {
		if now.Sub(s.LastActivity) > maxIdle {
			delete(f.sessions, id)
			s.Active = false
			f.destroyed++
			n++
		}
	}
	return n
}

func (f *Fake) Healthy(context.Context) bool { return true }

// Created and Destroyed expose lifecycle counters for assertions.
func (f *Fake) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *Fake) Destroyed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

func (f *Fake) Navigate(_ context.Context, session *capture.Session, url string, _ capture.NavigateOptions) error {
	if err := f.requireSession(session); err != nil {
		return err
	}
	if f.NavigateHook != nil {
		return f.NavigateHook(url)
	}
	return nil
}

func (f *Fake) WaitForSelector(_ context.Context, session *capture.Session, selector string, _ time.Duration) error {
	if err := f.requireSession(session); err != nil {
		return err
	}
	if f.SelectorHook != nil {
		return f.SelectorHook(selector)
	}
	return nil
}

func (f *Fake) RunScript(_ context.Context, session *capture.Session, script string, out any) error {
	if err := f.requireSession(session); err != nil {
		return err
	}
	if f.ScriptHook != nil {
		return f.ScriptHook(script, out)
	}
	return nil
}

func (f *Fake) Capture(_ context.Context, session *capture.Session, opts capture.CaptureOptions) ([]byte, error) {
	if err := f.requireSession(session); err != nil {
		return nil, err
	}
	if f.CaptureHook != nil {
		return f.CaptureHook(opts)
	}
	return []byte("fake-image"), nil
}

func (f *Fake) requireSession(session *capture.Session) error {
	if session == nil {
		return capture.NewError(capture.ClassBrowserCrash, fmt.Errorf("nil session"))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[session.ID]; !ok {
		return capture.NewError(capture.ClassBrowserCrash, fmt.Errorf("session %s is closed", session.ID))
	}
	f.sessions[session.ID].LastActivity = f.clock.Now()
	return nil
}

var (
	_ capture.SessionManager = (*Fake)(nil)
	_ capture.Driver         = (*Fake)(nil)
	_ capture.SessionManager = (*Manager)(nil)
	_ capture.Driver         = (*Manager)(nil)
)
