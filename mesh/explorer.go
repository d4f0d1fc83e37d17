package mesh

import (
	"context"
	"errors"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// GlobalFrontierNamespace is the marker namespace for merged-map frontiers.
	GlobalFrontierNamespace = "global_frontiers"

	DefaultGlobalFrame       = "world"
	DefaultTransformTimeout  = 500 * time.Millisecond
	DefaultExploreInterval   = 2 * time.Second
	frontierMarkerScale      = 0.2
	frontierMarkerLifetime   = 2.0
	exploreOutcomeSkipped    = "skipped"
	exploreOutcomeComplete   = "complete"
	exploreOutcomeInProgress = "exploring"
)

var frontierMarkerColors = map[string]MarkerColor{
	GlobalFrontierNamespace: {R: 1.0, G: 0.5, B: 0.0, A: 1.0},
	"robot_1_frontiers":     {R: 0.1, G: 1.0, B: 0.0, A: 1.0},
	"robot_2_frontiers":     {R: 0.1, G: 0.0, B: 1.0, A: 1.0},
}

// AgentFrontierNamespace is the marker namespace for one agent's local frontiers.
func AgentFrontierNamespace(agentID string) string {
	return agentID + "_frontiers"
}

// MarkerColorFor returns the display colour of a marker namespace.
// Unlisted namespaces are red.
func MarkerColorFor(ns string) MarkerColor {
	if c, ok := frontierMarkerColors[ns]; ok {
		return c
	}
	return MarkerColor{R: 1.0, A: 1.0}
}

// GoalSink receives the explorer's outputs.
type GoalSink interface {
	PublishGoal(goal Goal) error
	PublishFrontierMarkers(markers FrontierMarkers) error
}

// CycleResult summarizes one goal-selection cycle.
type CycleResult struct {
	Skipped         bool              `json:"skipped"`
	Missing         []string          `json:"missing,omitempty"`
	Complete        bool              `json:"complete"`
	GlobalFrontiers []Cell            `json:"globalFrontiers,omitempty"`
	AgentFrontiers  map[string][]Cell `json:"agentFrontiers,omitempty"`
	Goals           []Goal            `json:"goals,omitempty"`
}

// ExplorerOption configures an Explorer.
type ExplorerOption func(*Explorer)

// WithGlobalFrame sets the frame of the merged map (default "world").
func WithGlobalFrame(frame string) ExplorerOption {
	return func(e *Explorer) { e.globalFrame = frame }
}

// WithTransformTimeout bounds each transform lookup.
func WithTransformTimeout(d time.Duration) ExplorerOption {
	return func(e *Explorer) { e.timeout = d }
}

// WithExplorerClock sets the clock used to stamp goals and markers.
func WithExplorerClock(c Clock) ExplorerOption {
	return func(e *Explorer) { e.clock = c }
}

// WithExplorerMetrics attaches metrics collectors.
func WithExplorerMetrics(m *Metrics) ExplorerOption {
	return func(e *Explorer) { e.metrics = m }
}

// Explorer picks one frontier goal per agent each cycle.
type Explorer struct {
	agents      []string
	resolver    TransformResolver
	memory      *FrontierMemory
	sink        GoalSink
	params      ParamSource
	globalFrame string
	timeout     time.Duration
	clock       Clock
	metrics     *Metrics

	mu       sync.RWMutex
	complete bool
	last     CycleResult
}

// NewExplorer creates an explorer for the given agents. The order of agents
// fixes the order goals are published in.
func NewExplorer(agents []string, resolver TransformResolver, memory *FrontierMemory, sink GoalSink, params ParamSource, opts ...ExplorerOption) *Explorer {
	e := &Explorer{
		agents:      append([]string(nil), agents...),
		resolver:    resolver,
		memory:      memory,
		sink:        sink,
		params:      params,
		globalFrame: DefaultGlobalFrame,
		timeout:     DefaultTransformTimeout,
		clock:       WallClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Complete reports whether exploration has finished.
func (e *Explorer) Complete() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.complete
}

// LastResult returns the outcome of the most recent cycle.
func (e *Explorer) LastResult() CycleResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// RunCycle performs one selection pass over the latest grids. locals holds
// each agent's own map keyed by agent ID. Missing inputs skip the cycle.
func (e *Explorer) RunCycle(ctx context.Context, global *OccupancyGrid, locals map[string]*OccupancyGrid) CycleResult {
	start := time.Now()
	result := e.runCycle(ctx, global, locals)

	outcome := exploreOutcomeInProgress
	switch {
	case result.Skipped:
		outcome = exploreOutcomeSkipped
	case result.Complete:
		outcome = exploreOutcomeComplete
	}
	e.metrics.ObserveExploreCycle(outcome, time.Since(start))

	e.mu.Lock()
	e.last = result
	if result.Complete {
		e.complete = true
	}
	e.mu.Unlock()
	return result
}

func (e *Explorer) runCycle(ctx context.Context, global *OccupancyGrid, locals map[string]*OccupancyGrid) CycleResult {
	var missing []string
	if global == nil {
		missing = append(missing, "global")
	}
	for _, id := range e.agents {
		if locals[id] == nil {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		log.Printf("[EXPLORE] Warning: waiting for all maps (missing %v)", missing)
		return CycleResult{Skipped: true, Missing: missing}
	}

	if r, ok := e.clock.(readiness); ok && !r.Ready() {
		log.Printf("[EXPLORE] Warning: waiting for simulated time")
		return CycleResult{Skipped: true, Missing: []string{"clock"}}
	}

	fp := e.params.Params().FrontierParams()

	// --- Step 1: Global frontiers restricted to what any robot can reach ---
	reachable := NewReachabilityMask(global.Width, global.Height)
	var unresolved []string
	for _, id := range e.agents {
		mask, ok := e.agentReachability(ctx, global, id)
		if !ok {
			unresolved = append(unresolved, BaseFrame(id))
			continue
		}
		if merged, err := reachable.Union(mask); err == nil {
			reachable = merged
		}
	}
	globalFrontiers := FindFrontiers(global, reachable, fp)
	e.metrics.SetFrontiers(GlobalFrontierNamespace, len(globalFrontiers))
	e.publishMarkers(ctx, GlobalFrontierNamespace, global, e.frameOf(global, ""), globalFrontiers)

	log.Printf("[EXPLORE] Global frontiers remaining: %d", len(globalFrontiers))
	if len(globalFrontiers) == 0 {
		// An agent without a pose may still reach frontiers nobody else can.
		if len(unresolved) > 0 {
			log.Printf("[EXPLORE] Warning: no reachable frontiers yet, waiting for poses (missing %v)", unresolved)
			return CycleResult{Skipped: true, Missing: unresolved}
		}
		log.Printf("[EXPLORE] No frontiers left in global map. Exploration complete.")
		return CycleResult{Complete: true}
	}

	result := CycleResult{
		GlobalFrontiers: globalFrontiers,
		AgentFrontiers:  make(map[string][]Cell, len(e.agents)),
	}

	// --- Step 2: Per-agent nearest surviving local frontier ---
	for _, id := range e.agents {
		local := locals[id]
		candidates, distances := e.localCandidates(ctx, id, local, fp)
		result.AgentFrontiers[id] = candidates
		e.metrics.SetFrontiers(AgentFrontierNamespace(id), len(candidates))
		e.publishMarkers(ctx, AgentFrontierNamespace(id), local, e.frameOf(local, id), candidates)

		if len(candidates) == 0 {
			continue
		}

		// --- Step 3: Publish the goal in the global frame ---
		goal, err := e.buildGoal(ctx, id, local, candidates[0], distances[0])
		if err != nil {
			log.Printf("[EXPLORE] Warning: not sending goal to %s: %v", id, err)
			continue
		}
		if err := e.sink.PublishGoal(goal); err != nil {
			log.Printf("[EXPLORE] Warning: publishing goal for %s: %v", id, err)
			continue
		}
		e.metrics.GoalPublished(id)
		log.Printf("[EXPLORE] Sent goal to %s at (%.2f, %.2f)", id, goal.Position.X, goal.Position.Y)
		result.Goals = append(result.Goals, goal)
	}

	return result
}

// agentReachability floods the global grid from the agent's position in the
// global frame. ok is false when the agent's pose cannot be resolved; a
// seed outside the map still counts as resolved with an empty mask.
func (e *Explorer) agentReachability(ctx context.Context, global *OccupancyGrid, agent string) (*ReachabilityMask, bool) {
	m, err := e.resolver.LookupTransform(ctx, e.frameOf(global, ""), BaseFrame(agent), time.Time{}, e.timeout)
	if err != nil {
		log.Printf("[EXPLORE] Warning: could not get transform for %s reachability mask: %v", agent, err)
		return nil, false
	}
	mask, err := ComputeReachability(global, Point{X: m.Tx, Y: m.Ty})
	if err != nil {
		log.Printf("[EXPLORE] Warning: %s start pose out of map bounds for reachability: %v", agent, err)
	}
	return mask, true
}

// localCandidates returns the agent's surviving frontiers, nearest first,
// with their distances. The sort is stable so equal distances keep scan order.
func (e *Explorer) localCandidates(ctx context.Context, agent string, local *OccupancyGrid, fp FrontierParams) ([]Cell, []float64) {
	frontiers := FindFrontiers(local, nil, fp)
	if len(frontiers) == 0 {
		return nil, nil
	}

	robot, haveRobot := e.robotPosition(ctx, agent, local)

	type candidate struct {
		cell Cell
		dist float64
	}
	kept := make([]candidate, 0, len(frontiers))
	for _, c := range frontiers {
		dist := math.Inf(1)
		if haveRobot {
			dist = Distance(robot, local.CellToWorld(c))
		}
		if e.memory.Evaluate(agent, c, dist) {
			continue
		}
		kept = append(kept, candidate{cell: c, dist: dist})
	}
	e.metrics.FrontiersSkipped(agent, len(frontiers)-len(kept))

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].dist < kept[j].dist })

	cells := make([]Cell, len(kept))
	dists := make([]float64, len(kept))
	for i, k := range kept {
		cells[i] = k.cell
		dists[i] = k.dist
	}
	return cells, dists
}

// robotPosition resolves the agent's body position in its own map frame.
func (e *Explorer) robotPosition(ctx context.Context, agent string, local *OccupancyGrid) (Point, bool) {
	m, err := e.resolver.LookupTransform(ctx, e.frameOf(local, agent), BaseFrame(agent), time.Time{}, e.timeout)
	if err != nil {
		log.Printf("[EXPLORE] Warning: transform failed from %s to %s, distances unknown: %v",
			BaseFrame(agent), e.frameOf(local, agent), err)
		return Point{}, false
	}
	return Point{X: m.Tx, Y: m.Ty}, true
}

func (e *Explorer) buildGoal(ctx context.Context, agent string, local *OccupancyGrid, cell Cell, dist float64) (Goal, error) {
	localFrame := e.frameOf(local, agent)
	localPos := local.CellToWorld(cell)
	m, err := e.resolver.LookupTransform(ctx, e.globalFrame, localFrame, time.Time{}, e.timeout)
	if err != nil {
		return Goal{}, err
	}
	if math.IsInf(dist, 0) {
		dist = -1
	}
	return Goal{
		ID:            uuid.NewString(),
		AgentID:       agent,
		Header:        MessageHeader{FrameID: e.globalFrame, Stamp: TimeToStamp(e.clock.Now())},
		Position:      TransformPoint(localPos, m),
		Orientation:   0,
		LocalFrame:    localFrame,
		LocalPosition: localPos,
		Cell:          cell,
		Distance:      dist,
	}, nil
}

// publishMarkers sends frontier cells as world-frame points. Marker failures
// only affect visualisation and are logged.
func (e *Explorer) publishMarkers(ctx context.Context, ns string, grid *OccupancyGrid, frame string, cells []Cell) {
	m, err := e.resolver.LookupTransform(ctx, e.globalFrame, frame, time.Time{}, e.timeout)
	if err != nil {
		log.Printf("[EXPLORE] Warning: transform failed from %s to %s: %v", frame, e.globalFrame, err)
		return
	}
	markers := BuildFrontierMarkers(ns, grid, cells, m, e.globalFrame, e.clock.Now())
	if err := e.sink.PublishFrontierMarkers(markers); err != nil && !errors.Is(err, ErrNotConnected) {
		log.Printf("[EXPLORE] Warning: publishing %s markers: %v", ns, err)
	}
}

// frameOf returns the frame a grid is expressed in. Agent grids without a
// frame default to the agent's map frame, the merged grid to the global frame.
func (e *Explorer) frameOf(g *OccupancyGrid, agent string) string {
	if g.Frame != "" {
		return g.Frame
	}
	if agent == "" {
		return e.globalFrame
	}
	return MapFrame(agent)
}

// BuildFrontierMarkers converts frontier cells of grid into a marker set in
// frame, applying toFrame to each cell centre.
func BuildFrontierMarkers(ns string, grid *OccupancyGrid, cells []Cell, toFrame AffineMatrix, frame string, stamp time.Time) FrontierMarkers {
	points := make([]Point, len(cells))
	for i, c := range cells {
		points[i] = grid.CellToWorld(c)
	}
	points = TransformPoints(points, toFrame)
	return FrontierMarkers{
		Header:    MessageHeader{FrameID: frame, Stamp: TimeToStamp(stamp)},
		Namespace: ns,
		Color:     MarkerColorFor(ns),
		Scale:     frontierMarkerScale,
		Lifetime:  frontierMarkerLifetime,
		Points:    points,
	}
}
