package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrTransformUnavailable is returned when no chain of transforms links two
// frames before the lookup timeout.
var ErrTransformUnavailable = errors.New("transform unavailable")

// TransformResolver looks up the transform that maps points expressed in
// source into target. A zero at asks for the latest data; otherwise every
// edge on the chain must be stamped no earlier than at. Lookups wait up to
// timeout for missing data.
type TransformResolver interface {
	LookupTransform(ctx context.Context, target, source string, at time.Time, timeout time.Duration) (AffineMatrix, error)
}

type frameEdge struct {
	parent    string
	transform AffineMatrix // parent <- child
	stamp     time.Time
}

// FrameTree is an in-process transform tree fed by pose messages and the
// fusion placements. Each frame has at most one parent.
type FrameTree struct {
	mu      sync.Mutex
	edges   map[string]frameEdge
	updated chan struct{}
}

// NewFrameTree creates an empty tree.
func NewFrameTree() *FrameTree {
	return &FrameTree{
		edges:   make(map[string]frameEdge),
		updated: make(chan struct{}),
	}
}

// SetTransform stores the placement of child in parent, replacing any
// previous parent of child. Waiting lookups are woken.
func (t *FrameTree) SetTransform(parent, child string, m AffineMatrix, stamp time.Time) error {
	if parent == "" || child == "" || parent == child {
		return fmt.Errorf("invalid frame pair %q <- %q", parent, child)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Refuse edges that would close a loop through child.
	for f, depth := parent, 0; depth <= len(t.edges); depth++ {
		if f == child {
			return fmt.Errorf("frame %q is an ancestor of %q", child, parent)
		}
		e, ok := t.edges[f]
		if !ok {
			break
		}
		f = e.parent
	}

	t.edges[child] = frameEdge{parent: parent, transform: m, stamp: stamp}
	close(t.updated)
	t.updated = make(chan struct{})
	return nil
}

// Frames lists every known frame name in sorted order.
func (t *FrameTree) Frames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]struct{}, 2*len(t.edges))
	for child, e := range t.edges {
		seen[child] = struct{}{}
		seen[e.parent] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LookupTransform implements TransformResolver.
func (t *FrameTree) LookupTransform(ctx context.Context, target, source string, at time.Time, timeout time.Duration) (AffineMatrix, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		t.mu.Lock()
		m, ok := t.resolve(target, source, at)
		updated := t.updated
		t.mu.Unlock()
		if ok {
			return m, nil
		}
		if deadline == nil {
			return Identity(), fmt.Errorf("%w: %s <- %s", ErrTransformUnavailable, target, source)
		}

		select {
		case <-updated:
		case <-deadline:
			return Identity(), fmt.Errorf("%w: %s <- %s after %v", ErrTransformUnavailable, target, source, timeout)
		case <-ctx.Done():
			return Identity(), fmt.Errorf("lookup %s <- %s: %w", target, source, ctx.Err())
		}
	}
}

// resolve composes root<-source and root<-target. Caller holds mu.
func (t *FrameTree) resolve(target, source string, at time.Time) (AffineMatrix, bool) {
	if target == source {
		return Identity(), true
	}
	srcRoot, rootFromSrc, ok := t.toRoot(source, at)
	if !ok {
		return Identity(), false
	}
	tgtRoot, rootFromTgt, ok := t.toRoot(target, at)
	if !ok || srcRoot != tgtRoot {
		return Identity(), false
	}
	return MultiplyMatrices(InvertMatrix(rootFromTgt), rootFromSrc), true
}

// toRoot walks parents from frame and returns the root plus root<-frame.
// Unknown frames fail unless they are a parent of something.
func (t *FrameTree) toRoot(frame string, at time.Time) (string, AffineMatrix, bool) {
	m := Identity()
	f := frame
	known := false
	for depth := 0; depth <= len(t.edges); depth++ {
		e, ok := t.edges[f]
		if !ok {
			if !known && !t.isParent(f) {
				return "", m, false
			}
			return f, m, true
		}
		if !at.IsZero() && e.stamp.Before(at) {
			return "", m, false
		}
		known = true
		m = MultiplyMatrices(e.transform, m)
		f = e.parent
	}
	return "", m, false
}

func (t *FrameTree) isParent(frame string) bool {
	for _, e := range t.edges {
		if e.parent == frame {
			return true
		}
	}
	return false
}
