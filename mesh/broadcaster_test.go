package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recordingSink struct {
	mu    sync.Mutex
	calls [][]FrameTransform
	err   error
}

func (s *recordingSink) PublishTransforms(transforms []FrameTransform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, transforms)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestBroadcaster_WaitsForSimClock(t *testing.T) {
	sink := &recordingSink{}
	clock := NewSwitchableClock(true)
	b := NewTransformBroadcaster([]string{"robot_1"}, NewStateTracker(), NewFrameTree(), sink, clock, "")

	transforms, err := b.Broadcast()
	require.NoError(t, err)
	assert.Nil(t, transforms)
	assert.Zero(t, sink.count())

	clock.Sim().Set(time.Unix(3, 0))
	transforms, err = b.Broadcast()
	require.NoError(t, err)
	require.Len(t, transforms, 1)
	assert.Equal(t, 3.0, transforms[0].Header.Stamp)
}

func TestBroadcaster_IdentityUntilFused(t *testing.T) {
	sink := &recordingSink{}
	tree := NewFrameTree()
	state := NewStateTracker()
	b := NewTransformBroadcaster([]string{"robot_1", "robot_2"}, state, tree, sink, NewSimClock(time.Unix(10, 0)), "world")

	transforms, err := b.Broadcast()
	require.NoError(t, err)
	require.Len(t, transforms, 2)
	for _, tr := range transforms {
		assert.Equal(t, "world", tr.Header.FrameID)
		assert.Equal(t, Pose2D{}, tr.Transform)
	}
	assert.Equal(t, "robot_1/map", transforms[0].ChildFrame)
	assert.Equal(t, "robot_2/map", transforms[1].ChildFrame)

	state.SetFusionResult(&FusionResult{
		Merged:     uniformGrid(t, 4, 4, CellFree),
		Placements: map[string]Pose2D{"robot_2": {X: 1, Y: -2}},
	})
	transforms, err = b.Broadcast()
	require.NoError(t, err)
	assert.Equal(t, Pose2D{X: 1, Y: -2}, transforms[1].Transform)
	assert.Equal(t, 2, sink.count())

	m, err := tree.LookupTransform(context.Background(), "world", "robot_2/map", time.Time{}, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m.Tx, 1e-9)
	assert.InDelta(t, -2.0, m.Ty, 1e-9)
}

func TestBroadcaster_SinkErrors(t *testing.T) {
	sink := &recordingSink{err: ErrNotConnected}
	b := NewTransformBroadcaster([]string{"a"}, NewStateTracker(), NewFrameTree(), sink, WallClock{}, "")
	_, err := b.Broadcast()
	assert.NoError(t, err, "disconnected sink is not an error")

	sink.err = errors.New("boom")
	_, err = b.Broadcast()
	assert.Error(t, err)

	nilSink := NewTransformBroadcaster([]string{"a"}, NewStateTracker(), NewFrameTree(), nil, WallClock{}, "")
	_, err = nilSink.Broadcast()
	assert.NoError(t, err)
}

func TestBroadcaster_Run(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &recordingSink{}
	b := NewTransformBroadcaster([]string{"a"}, NewStateTracker(), NewFrameTree(), sink, WallClock{}, "")
	params := DefaultParams()
	params.TFPublishFrequency = 200

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, NewParamStore(params)) }()

	assert.Eventually(t, func() bool { return sink.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestPeriodOf(t *testing.T) {
	assert.Equal(t, 50*time.Millisecond, periodOf(20))
	assert.Equal(t, time.Second, periodOf(0))
	assert.Equal(t, 2*time.Second, periodOf(0.5))
}
