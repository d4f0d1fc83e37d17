package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/tudoscout/mesh"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// roomGrid returns a w x h grid with an occupied border, a free interior and
// an unknown right half, so it has something to draw and frontiers to find.
func roomGrid(t *testing.T, w, h int) *mesh.OccupancyGrid {
	t.Helper()
	cells := make([]mesh.CellState, w*h)
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			switch {
			case row == 0 || row == h-1 || col == 0:
				cells[row*w+col] = mesh.CellOccupied
			case col < w/2:
				cells[row*w+col] = mesh.CellFree
			default:
				cells[row*w+col] = mesh.CellUnknown
			}
		}
	}
	g, err := mesh.NewOccupancyGrid(w, h, 0.1, mesh.Point{}, cells)
	require.NoError(t, err)
	g.Frame = "world"
	return g
}

func populatedTracker(t *testing.T) *mesh.StateTracker {
	st := mesh.NewStateTracker()
	st.SetGlobalMap(roomGrid(t, 30, 20))
	return st
}

func serve(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// /health
// ---------------------------------------------------------------------------

func TestHealth_NoMaps(t *testing.T) {
	handler := newHTTPServer(httpDeps{State: mesh.NewStateTracker()})
	w := serve(handler, "/health")

	if w.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Status string          `json:"status"`
		HasMap bool            `json:"hasMap"`
		Fusion json.RawMessage `json:"fusion"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /health response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.HasMap {
		t.Error("hasMap = true, want false when no map merged")
	}
	if body.Fusion != nil {
		t.Errorf("fusion = %s, want omitted", body.Fusion)
	}
}

func TestHealth_WithFusionAndParams(t *testing.T) {
	st := mesh.NewStateTracker()
	st.UpdateGrid("robot_1", roomGrid(t, 10, 10))
	st.SetFusionResult(&mesh.FusionResult{
		Merged:       roomGrid(t, 30, 20),
		Layout:       mesh.LayoutStacked,
		Registration: mesh.RegistrationFailed{Confidence: 12},
		Placements:   map[string]mesh.Pose2D{"robot_1": {}},
		Stamp:        time.Unix(100, 0),
	})
	params := mesh.NewParamStore(mesh.DefaultParams())

	handler := newHTTPServer(httpDeps{State: st, Params: params})
	w := serve(handler, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		HasMap   bool               `json:"hasMap"`
		GridAges map[string]float64 `json:"gridAgeSeconds"`
		Params   *mesh.Params       `json:"params"`
		Fusion   *fusionStatus      `json:"fusion"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))

	assert.True(t, body.HasMap)
	assert.Contains(t, body.GridAges, "robot_1")
	require.NotNil(t, body.Params)
	assert.Equal(t, mesh.DefaultMinUnknownCells, body.Params.MinUnknownCells)
	require.NotNil(t, body.Fusion)
	assert.Equal(t, "stacked", body.Fusion.Layout)
	assert.Equal(t, 12, body.Fusion.Confidence)
}

func TestHealth_GridSummariesAndFrontierMemory(t *testing.T) {
	st := mesh.NewStateTracker()
	st.UpdateGrid("robot_1", roomGrid(t, 10, 10))

	memory := mesh.NewFrontierMemory(mesh.NewSimClock(time.Unix(50, 0)))
	memory.Evaluate("robot_1", mesh.Cell{Row: 3, Col: 4}, 0.5)

	handler := newHTTPServer(httpDeps{State: st, Memory: memory})
	w := serve(handler, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Grids     map[string]mesh.GridSummary `json:"grids"`
		Frontiers *mesh.FrontierMemoryStats   `json:"frontierMemory"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))

	require.Contains(t, body.Grids, "robot_1")
	s := body.Grids["robot_1"]
	assert.Equal(t, 32, s.Free)
	assert.Equal(t, 28, s.Occupied)
	assert.Equal(t, 40, s.Unknown)
	assert.InDelta(t, 0.6, s.Explored, 1e-9)

	require.NotNil(t, body.Frontiers)
	assert.Equal(t, 1, body.Frontiers.Pending["robot_1"])
	assert.Empty(t, body.Frontiers.Blacklisted)
}

// ---------------------------------------------------------------------------
// 503 paths
// ---------------------------------------------------------------------------

func TestEndpoints_NoData_503(t *testing.T) {
	handler := newHTTPServer(httpDeps{State: mesh.NewStateTracker()})

	endpoints := []string{
		"/map.png",
		"/map.svg",
		"/debug/fusion.png",
		"/frontiers.geojson",
		"/goals",
	}

	for _, ep := range endpoints {
		t.Run(ep, func(t *testing.T) {
			w := serve(handler, ep)
			if w.Code != http.StatusServiceUnavailable {
				t.Errorf("%s status = %d, want %d", ep, w.Code, http.StatusServiceUnavailable)
			}
		})
	}
}

func TestMetrics_NotRegisteredWithoutGatherer(t *testing.T) {
	handler := newHTTPServer(httpDeps{State: mesh.NewStateTracker()})
	w := serve(handler, "/metrics")
	if w.Code != http.StatusNotFound {
		t.Errorf("/metrics status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ---------------------------------------------------------------------------
// image endpoints
// ---------------------------------------------------------------------------

func TestMapPNG_WithMap(t *testing.T) {
	handler := newHTTPServer(httpDeps{State: populatedTracker(t)})
	w := serve(handler, "/map.png")

	if w.Code != http.StatusOK {
		t.Fatalf("/map.png status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if !mesh.IsPNG(w.Body.Bytes()) {
		t.Error("response is not a PNG")
	}
}

func TestMapSVG_WithMap(t *testing.T) {
	handler := newHTTPServer(httpDeps{State: populatedTracker(t)})
	w := serve(handler, "/map.svg")

	if w.Code != http.StatusOK {
		t.Fatalf("/map.svg status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("Content-Type = %q, want image/svg+xml", ct)
	}
	if !strings.Contains(w.Body.String(), "<svg") {
		t.Error("response does not contain an <svg> element")
	}
}

func TestMapPNG_WithOverlays(t *testing.T) {
	st := populatedTracker(t)
	tree := mesh.NewFrameTree()
	now := time.Now()
	require.NoError(t, tree.SetTransform("world", mesh.MapFrame("robot_1"), mesh.Identity(), now))
	require.NoError(t, tree.SetTransform(mesh.MapFrame("robot_1"), mesh.BaseFrame("robot_1"), mesh.Translation(0.5, 0.5), now))

	rec := mesh.NewOutputRecorder(nil)
	require.NoError(t, rec.PublishGoal(mesh.Goal{ID: "g1", AgentID: "robot_1", Position: mesh.Point{X: 1, Y: 1}}))
	require.NoError(t, rec.PublishFrontierMarkers(mesh.FrontierMarkers{
		Namespace: mesh.GlobalFrontierNamespace,
		Color:     mesh.MarkerColorFor(mesh.GlobalFrontierNamespace),
		Points:    []mesh.Point{{X: 1.4, Y: 1.0}},
	}))

	handler := newHTTPServer(httpDeps{
		State:       st,
		Recorder:    rec,
		Resolver:    tree,
		Agents:      []string{"robot_1"},
		GlobalFrame: "world",
	})
	w := serve(handler, "/map.png")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, mesh.IsPNG(w.Body.Bytes()))
}

func TestBuildMapView_GoalsSortedByAgent(t *testing.T) {
	rec := mesh.NewOutputRecorder(nil)
	for _, id := range []string{"robot_3", "robot_1", "robot_2"} {
		require.NoError(t, rec.PublishGoal(mesh.Goal{ID: "goal-" + id, AgentID: id}))
	}
	deps := httpDeps{State: populatedTracker(t), Recorder: rec}

	// Repeat so a map-order dependency would show up.
	for i := 0; i < 20; i++ {
		view, ok := buildMapView(context.Background(), deps, httptest.NewRecorder())
		require.True(t, ok)
		require.Len(t, view.Goals, 3)
		for j, want := range []string{"robot_1", "robot_2", "robot_3"} {
			assert.Equal(t, want, view.Goals[j].AgentID)
		}
	}
}

func TestDebugFusionPNG(t *testing.T) {
	st := mesh.NewStateTracker()
	g := roomGrid(t, 30, 20)
	st.SetFusionResult(&mesh.FusionResult{
		Merged:       g,
		Image:        mesh.GridToImage(g),
		Layout:       mesh.LayoutAligned,
		Registration: mesh.RegistrationSucceeded{Transform: mesh.Identity(), Confidence: 80},
	})

	w := serve(newHTTPServer(httpDeps{State: st}), "/debug/fusion.png")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, mesh.IsPNG(w.Body.Bytes()))
}

// ---------------------------------------------------------------------------
// exploration outputs
// ---------------------------------------------------------------------------

func TestFrontiersGeoJSON(t *testing.T) {
	st := populatedTracker(t)
	rec := mesh.NewOutputRecorder(nil)
	require.NoError(t, rec.PublishGoal(mesh.Goal{
		ID:       "goal-1",
		AgentID:  "robot_1",
		Header:   mesh.MessageHeader{FrameID: "world"},
		Position: mesh.Point{X: 1, Y: 2},
	}))

	handler := newHTTPServer(httpDeps{State: st, Recorder: rec, Agents: []string{"robot_1"}})
	w := serve(handler, "/frontiers.geojson")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/geo+json", w.Header().Get("Content-Type"))

	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)

	kinds := make(map[string]int)
	for _, f := range fc.Features {
		kinds[f.Properties.MustString("kind")]++
	}
	assert.Equal(t, map[string]int{"map": 1, "goal": 1, "placement": 1}, kinds)
}

func TestGoals(t *testing.T) {
	rec := mesh.NewOutputRecorder(nil)
	require.NoError(t, rec.PublishGoal(mesh.Goal{ID: "a", AgentID: "robot_1"}))
	require.NoError(t, rec.PublishGoal(mesh.Goal{ID: "b", AgentID: "robot_1"}))
	require.NoError(t, rec.PublishGoal(mesh.Goal{ID: "c", AgentID: "robot_2"}))

	w := serve(newHTTPServer(httpDeps{State: mesh.NewStateTracker(), Recorder: rec}), "/goals")
	require.Equal(t, http.StatusOK, w.Code)

	var goals map[string]mesh.Goal
	require.NoError(t, json.NewDecoder(w.Body).Decode(&goals))
	assert.Len(t, goals, 2)
	assert.Equal(t, "b", goals["robot_1"].ID, "latest goal per agent wins")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := mesh.NewMetrics(reg)
	metrics.GridReceived("robot_1")

	handler := newHTTPServer(httpDeps{State: mesh.NewStateTracker(), Gatherer: reg})
	w := serve(handler, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)

	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(body, []byte(`tudoscout_grid_updates_total{source="robot_1"} 1`)),
		"metrics output missing grid counter:\n%s", body)
}

// ---------------------------------------------------------------------------
// robotPoses
// ---------------------------------------------------------------------------

func TestRobotPoses(t *testing.T) {
	tree := mesh.NewFrameTree()
	now := time.Now()
	require.NoError(t, tree.SetTransform("world", mesh.MapFrame("robot_1"), mesh.Translation(2, 0), now))
	require.NoError(t, tree.SetTransform(mesh.MapFrame("robot_1"), mesh.BaseFrame("robot_1"), mesh.Translation(1, 1), now))

	poses := robotPoses(t.Context(), tree, []string{"robot_1", "robot_2"}, "world")

	require.Contains(t, poses, "robot_1")
	assert.InDelta(t, 3.0, poses["robot_1"].X, 1e-9)
	assert.InDelta(t, 1.0, poses["robot_1"].Y, 1e-9)
	assert.NotContains(t, poses, "robot_2", "agents without transforms are left out")

	assert.Empty(t, robotPoses(t.Context(), nil, []string{"robot_1"}, "world"))
}
