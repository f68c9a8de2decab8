package capture

import (
	"context"
	"time"
)

// NavigateOptions tunes a single navigation.
type NavigateOptions struct {
	// Timeout bounds the navigation; zero means the driver default.
	Timeout time.Duration
	// WaitCondition is a CSS selector that must be ready before navigation
	// is considered complete; empty means "body".
	WaitCondition string
}

// ImageFormat selects the capture encoding.
type ImageFormat string

// Supported capture encodings.
const (
	FormatPNG  ImageFormat = "png"
	FormatJPEG ImageFormat = "jpeg"
)

// Clip bounds a clipped capture in CSS pixels.
type Clip struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// CaptureOptions selects what to capture and how to encode it. Exactly one
// of Selector, FullPage or Clip should be set.
type CaptureOptions struct {
	Selector string
	FullPage bool
	Clip     *Clip
	Format   ImageFormat
	Quality  int
}

// SessionManager owns the shared browser process and the per-job sessions
// created from it.
type SessionManager interface {
	// CreateSession allocates an isolated page context with the profile for
	// the given device type applied. Fails with ClassBrowserCrash when the
	// shared browser process is unavailable.
	CreateSession(ctx context.Context, device DeviceType) (*Session, error)
	// DestroySession tears a session down. Idempotent; safe to call twice.
	DestroySession(ctx context.Context, session *Session) error
	// ReapIdle destroys sessions inactive beyond maxIdle and returns the
	// number reaped. A safety net, not the primary cleanup path.
	ReapIdle(ctx context.Context, maxIdle time.Duration) int
	// Healthy reports whether the shared browser process responds.
	Healthy(ctx context.Context) bool
}

// Driver performs page operations within a session. Every operation enforces
// its own timeout; none may block past it.
type Driver interface {
	Navigate(ctx context.Context, session *Session, url string, opts NavigateOptions) error
	WaitForSelector(ctx context.Context, session *Session, selector string, timeout time.Duration) error
	// RunScript evaluates script in the page and unmarshals the result into
	// out when out is non-nil.
	RunScript(ctx context.Context, session *Session, script string, out any) error
	Capture(ctx context.Context, session *Session, opts CaptureOptions) ([]byte, error)
}

// BridgeCommand is one command broadcast to the remote overlay renderers.
type BridgeCommand struct {
	Type    string         `json:"type"`
	Target  string         `json:"target,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// Bridge command types understood by remote overlay renderers.
const (
	BridgeScreenshot        = "screenshot"
	BridgeHighlight         = "highlight"
	BridgeOverlay           = "overlay"
	BridgeExtractData       = "extract_data"
	BridgeMobileScreenshot  = "mobile_screenshot"
	BridgeConfigureMobileUI = "configure_mobile_ui"
)

// BridgeResult is one renderer's response to a broadcast command.
type BridgeResult struct {
	ConnectionID string `json:"connection_id"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	Payload      []byte `json:"payload,omitempty"`
}

// BroadcastResult summarizes a broadcast across all connected renderers.
type BroadcastResult struct {
	Sent    int            `json:"sent"`
	Failed  int            `json:"failed"`
	Results []BridgeResult `json:"results"`
}

// Unavailable reports whether the broadcast should be treated as "bridge
// unavailable": nothing connected, or no renderer succeeded.
func (r BroadcastResult) Unavailable() bool {
	if r.Sent == 0 {
		return true
	}
	for _, res := range r.Results {
		if res.Success {
			return false
		}
	}
	return true
}

// FirstPayload returns the first successful renderer payload, if any.
func (r BroadcastResult) FirstPayload() ([]byte, bool) {
	for _, res := range r.Results {
		if res.Success && len(res.Payload) > 0 {
			return res.Payload, true
		}
	}
	return nil, false
}

// Bridge is the command/response channel to the optional remote UI-overlay
// renderers. Broadcast is best-effort and must not fail the caller when no
// renderer is connected.
type Bridge interface {
	Broadcast(ctx context.Context, cmd BridgeCommand) (BroadcastResult, error)
	Connections() int
	Close(ctx context.Context) error
}

// ArtifactStore persists capture artifacts and returns a stable reference.
type ArtifactStore interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// ResultStore persists per-job capture results and batch aggregates.
type ResultStore interface {
	SaveCapture(ctx context.Context, job Job, result CaptureResult) error
	SaveBatch(ctx context.Context, result BatchResult) error
	Close() error
}

// Publisher pushes handoff notifications to the downstream processing stage.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Prober cheaply checks that a URL is worth spending a browser session on.
type Prober interface {
	Check(ctx context.Context, url string) error
}

// Hasher computes digests for artifact naming and deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job, batch and session IDs.
type IDGenerator interface {
	NewID() (string, error)
}
