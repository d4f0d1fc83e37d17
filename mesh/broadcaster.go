package mesh

import (
	"context"
	"errors"
	"log"
	"time"
)

// TransformSink receives the placement of every agent map frame.
type TransformSink interface {
	PublishTransforms(transforms []FrameTransform) error
}

// readiness is implemented by clocks that may not have a valid time yet.
type readiness interface {
	Ready() bool
}

// TransformBroadcaster keeps the global-frame placement of each agent map
// in the frame tree and publishes it at the configured rate. Agents without
// a fusion result yet are placed at the identity.
type TransformBroadcaster struct {
	agents      []string
	state       *StateTracker
	tree        *FrameTree
	sink        TransformSink
	clock       Clock
	globalFrame string
	waiting     bool
}

// NewTransformBroadcaster creates a broadcaster. sink may be nil to only
// maintain the frame tree.
func NewTransformBroadcaster(agents []string, state *StateTracker, tree *FrameTree, sink TransformSink, clock Clock, globalFrame string) *TransformBroadcaster {
	if globalFrame == "" {
		globalFrame = DefaultGlobalFrame
	}
	return &TransformBroadcaster{
		agents:      append([]string(nil), agents...),
		state:       state,
		tree:        tree,
		sink:        sink,
		clock:       clock,
		globalFrame: globalFrame,
	}
}

// Broadcast writes and publishes the current placements. Nothing is sent
// while the clock is not ready (simulated time before the first tick).
func (b *TransformBroadcaster) Broadcast() ([]FrameTransform, error) {
	if rc, ok := b.clock.(readiness); ok && !rc.Ready() {
		if !b.waiting {
			log.Printf("[TF] Waiting for clock before broadcasting transforms")
			b.waiting = true
		}
		return nil, nil
	}
	b.waiting = false

	now := b.clock.Now()
	placements := b.state.Placements(b.agents)
	transforms := make([]FrameTransform, 0, len(b.agents))
	for _, id := range b.agents {
		pose := placements[id]
		if err := b.tree.SetTransform(b.globalFrame, MapFrame(id), pose.Matrix(), now); err != nil {
			log.Printf("[TF] Warning: placing %s: %v", MapFrame(id), err)
			continue
		}
		transforms = append(transforms, FrameTransform{
			Header:     MessageHeader{FrameID: b.globalFrame, Stamp: TimeToStamp(now)},
			ChildFrame: MapFrame(id),
			Transform:  pose,
		})
	}

	if b.sink != nil {
		if err := b.sink.PublishTransforms(transforms); err != nil && !errors.Is(err, ErrNotConnected) {
			return transforms, err
		}
	}
	return transforms, nil
}

// Run broadcasts at params' TFPublishFrequency until ctx ends. A frequency
// change takes effect on the next tick.
func (b *TransformBroadcaster) Run(ctx context.Context, params ParamSource) error {
	hz := params.Params().TFPublishFrequency
	ticker := time.NewTicker(periodOf(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := b.Broadcast(); err != nil {
				log.Printf("[TF] Warning: publishing transforms: %v", err)
			}
			if next := params.Params().TFPublishFrequency; next != hz {
				hz = next
				ticker.Reset(periodOf(hz))
			}
		}
	}
}

// periodOf converts a rate in Hz to a ticker period. Non-positive rates
// fall back to one second.
func periodOf(hz float64) time.Duration {
	if hz <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / hz)
}
