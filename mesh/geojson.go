package mesh

import (
	"fmt"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// OutputRecorder is a GoalSink that keeps the latest goal per agent and the
// latest marker set per namespace, forwarding everything to an optional
// downstream sink. It backs the HTTP views and the offline explore mode.
type OutputRecorder struct {
	next GoalSink

	mu      sync.RWMutex
	goals   map[string]Goal
	markers map[string]FrontierMarkers
}

// NewOutputRecorder wraps next, which may be nil.
func NewOutputRecorder(next GoalSink) *OutputRecorder {
	return &OutputRecorder{
		next:    next,
		goals:   make(map[string]Goal),
		markers: make(map[string]FrontierMarkers),
	}
}

func (r *OutputRecorder) PublishGoal(goal Goal) error {
	r.mu.Lock()
	r.goals[goal.AgentID] = goal
	r.mu.Unlock()
	if r.next == nil {
		return nil
	}
	return r.next.PublishGoal(goal)
}

func (r *OutputRecorder) PublishFrontierMarkers(markers FrontierMarkers) error {
	r.mu.Lock()
	r.markers[markers.Namespace] = markers
	r.mu.Unlock()
	if r.next == nil {
		return nil
	}
	return r.next.PublishFrontierMarkers(markers)
}

// Goals returns the latest goal of every agent.
func (r *OutputRecorder) Goals() map[string]Goal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Goal, len(r.goals))
	for k, v := range r.goals {
		out[k] = v
	}
	return out
}

// Markers returns the latest marker sets sorted by namespace.
func (r *OutputRecorder) Markers() []FrontierMarkers {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FrontierMarkers, 0, len(r.markers))
	for _, m := range r.markers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out
}

// OrderedGoals returns the latest goal of every agent sorted by agent ID.
func (r *OutputRecorder) OrderedGoals() []Goal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Goal, 0, len(r.goals))
	for _, g := range r.goals {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// FeatureCollection renders the recorded outputs as GeoJSON in the global
// frame, together with the merged map extent and agent placements.
func (r *OutputRecorder) FeatureCollection(global *OccupancyGrid, placements map[string]Pose2D) *geojson.FeatureCollection {
	return ExplorationFeatureCollection(global, r.Markers(), r.OrderedGoals(), placements)
}

// ExplorationFeatureCollection builds a FeatureCollection with one feature
// per marker set (MultiPoint), goal (Point) and agent placement (Point),
// plus the merged map extent (Polygon) when global is non-nil.
func ExplorationFeatureCollection(global *OccupancyGrid, markers []FrontierMarkers, goals []Goal, placements map[string]Pose2D) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	if global != nil {
		f := geojson.NewFeature(global.Bound().ToPolygon())
		f.Properties["kind"] = "map"
		f.Properties["frame"] = global.Frame
		f.Properties["resolution"] = global.Resolution
		f.Properties["width"] = global.Width
		f.Properties["height"] = global.Height
		fc.Append(f)
	}

	for _, m := range markers {
		mp := make(orb.MultiPoint, len(m.Points))
		for i, p := range m.Points {
			mp[i] = orb.Point{p.X, p.Y}
		}
		f := geojson.NewFeature(mp)
		f.Properties["kind"] = "frontiers"
		f.Properties["ns"] = m.Namespace
		f.Properties["frame"] = m.Header.FrameID
		f.Properties["color"] = m.Color.Hex()
		f.Properties["count"] = len(m.Points)
		fc.Append(f)
	}

	for _, g := range goals {
		f := geojson.NewFeature(orb.Point{g.Position.X, g.Position.Y})
		f.ID = g.ID
		f.Properties["kind"] = "goal"
		f.Properties["agentId"] = g.AgentID
		f.Properties["frame"] = g.Header.FrameID
		f.Properties["distance"] = g.Distance
		fc.Append(f)
	}

	ids := make([]string, 0, len(placements))
	for id := range placements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := placements[id]
		f := geojson.NewFeature(orb.Point{p.X, p.Y})
		f.Properties["kind"] = "placement"
		f.Properties["agentId"] = id
		f.Properties["frame"] = MapFrame(id)
		f.Properties["yaw"] = p.Yaw
		fc.Append(f)
	}

	return fc
}

// Hex formats the colour as #rrggbb, ignoring alpha.
func (c MarkerColor) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", unitToByte(c.R), unitToByte(c.G), unitToByte(c.B))
}

func unitToByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}
