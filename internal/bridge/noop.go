package bridge

import (
	"context"

	"github.com/pixelproof/adcapture/internal/capture"
)

// Noop is a Bridge with no renderers. Every broadcast reports unavailability,
// which steers callers onto their direct-capture fallback. Used when the
// overlay bridge is disabled by configuration.
type Noop struct{}

func (Noop) Broadcast(context.Context, capture.BridgeCommand) (capture.BroadcastResult, error) {
	return capture.BroadcastResult{}, nil
}

func (Noop) Connections() int { return 0 }

func (Noop) Close(context.Context) error { return nil }

var _ capture.Bridge = Noop{}
