package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AgentPose is the latest pose report of an agent in its own map frame.
type AgentPose struct {
	AgentID  string    `json:"agentId"`
	Pose     Pose2D    `json:"pose"`
	Stamp    time.Time `json:"stamp"`
	Received time.Time `json:"received"`
}

// StateTracker holds the latest-value snapshot of every input and output.
// Updates replace the previous value wholesale; stale grids are never queued.
type StateTracker struct {
	mu         sync.RWMutex
	grids      map[string]*OccupancyGrid
	received   map[string]time.Time
	poses      map[string]AgentPose
	colors     map[string]string // agent ID -> hex color
	global     *OccupancyGrid
	fusion     *FusionResult
	placements map[string]Pose2D
	cachePath  string // path to the merged map cache; empty disables persistence
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{
		grids:      make(map[string]*OccupancyGrid),
		received:   make(map[string]time.Time),
		poses:      make(map[string]AgentPose),
		colors:     make(map[string]string),
		placements: make(map[string]Pose2D),
	}
}

// NewStateTrackerWithCache creates a state tracker that persists the merged
// map to cachePath. A cached map, if present, is loaded immediately.
func NewStateTrackerWithCache(cachePath string) *StateTracker {
	st := NewStateTracker()
	st.cachePath = cachePath
	if cachePath != "" {
		if g, err := LoadGridSnapshot(cachePath); err == nil {
			st.global = g
			log.Printf("[STATE] Loaded cached merged map %dx%d from %s", g.Width, g.Height, cachePath)
		}
	}
	return st
}

// SetColor sets the display color for an agent
func (st *StateTracker) SetColor(agentID, hexColor string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.colors[agentID] = hexColor
}

// Colors returns a copy of the agent colors.
func (st *StateTracker) Colors() map[string]string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(map[string]string, len(st.colors))
	for k, v := range st.colors {
		out[k] = v
	}
	return out
}

// UpdateGrid stores the latest grid of an agent.
func (st *StateTracker) UpdateGrid(agentID string, g *OccupancyGrid) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.grids[agentID] = g
	st.received[agentID] = time.Now()
}

// Grid returns the latest grid of an agent or ErrNoData.
func (st *StateTracker) Grid(agentID string) (*OccupancyGrid, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	g, ok := st.grids[agentID]
	if !ok {
		return nil, fmt.Errorf("grid for %s: %w", agentID, ErrNoData)
	}
	return g, nil
}

// Grids returns the latest grid of every agent. Grids are immutable, so the
// map copy is safe to use without the lock.
func (st *StateTracker) Grids() map[string]*OccupancyGrid {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(map[string]*OccupancyGrid, len(st.grids))
	for k, v := range st.grids {
		out[k] = v
	}
	return out
}

// GridAges reports how long ago each agent grid arrived.
func (st *StateTracker) GridAges(now time.Time) map[string]time.Duration {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(map[string]time.Duration, len(st.received))
	for k, t := range st.received {
		out[k] = now.Sub(t)
	}
	return out
}

// UpdatePose stores the latest pose report of an agent.
func (st *StateTracker) UpdatePose(agentID string, pose Pose2D, stamp time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.poses[agentID] = AgentPose{AgentID: agentID, Pose: pose, Stamp: stamp, Received: time.Now()}
}

// Pose returns the latest pose of an agent or ErrNoData.
func (st *StateTracker) Pose(agentID string) (AgentPose, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	p, ok := st.poses[agentID]
	if !ok {
		return AgentPose{}, fmt.Errorf("pose for %s: %w", agentID, ErrNoData)
	}
	return p, nil
}

// Poses returns all latest poses.
func (st *StateTracker) Poses() map[string]AgentPose {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(map[string]AgentPose, len(st.poses))
	for k, v := range st.poses {
		out[k] = v
	}
	return out
}

// SetGlobalMap replaces the merged map, e.g. when it arrives from an
// external fusion process.
func (st *StateTracker) SetGlobalMap(g *OccupancyGrid) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.global = g
}

// GlobalMap returns the merged map or ErrNoData.
func (st *StateTracker) GlobalMap() (*OccupancyGrid, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.global == nil {
		return nil, fmt.Errorf("global map: %w", ErrNoData)
	}
	return st.global, nil
}

// SetFusionResult records a fusion cycle: merged map, placements and the
// registration outcome. The merged map is persisted when a cache is set.
func (st *StateTracker) SetFusionResult(r *FusionResult) {
	st.mu.Lock()
	st.fusion = r
	st.global = r.Merged
	for id, p := range r.Placements {
		st.placements[id] = p
	}
	cachePath := st.cachePath
	st.mu.Unlock()

	if cachePath != "" {
		if err := SaveGridSnapshot(r.Merged, cachePath); err != nil {
			log.Printf("[STATE] Warning: failed to save merged map cache: %v", err)
		}
	}
}

// LastFusion returns the latest fusion result, or nil.
func (st *StateTracker) LastFusion() *FusionResult {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.fusion
}

// Placements returns the pose of each agent map frame in the global frame.
// Agents without a fusion result yet are placed at the identity.
func (st *StateTracker) Placements(agentIDs []string) map[string]Pose2D {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(map[string]Pose2D, len(agentIDs))
	for _, id := range agentIDs {
		out[id] = st.placements[id]
	}
	return out
}

// SaveGridSnapshot writes a grid to disk in wire JSON form.
func SaveGridSnapshot(g *OccupancyGrid, path string) error {
	data, err := json.Marshal(g.ToMessage())
	if err != nil {
		return fmt.Errorf("marshal grid snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write grid snapshot: %w", err)
	}
	return nil
}

// LoadGridSnapshot reads a grid written by SaveGridSnapshot.
func LoadGridSnapshot(path string) (*OccupancyGrid, error) {
	g, err := ParseGridFile(path, "")
	if err != nil {
		return nil, fmt.Errorf("read grid snapshot: %w", err)
	}
	return g, nil
}
