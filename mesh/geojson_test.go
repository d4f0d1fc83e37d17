package mesh

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputRecorder_RecordsWithoutDownstream(t *testing.T) {
	r := NewOutputRecorder(nil)

	require.NoError(t, r.PublishGoal(testGoal("robot_2")))
	require.NoError(t, r.PublishGoal(testGoal("robot_1")))
	second := testGoal("robot_1")
	second.ID = "goal-2"
	require.NoError(t, r.PublishGoal(second))

	goals := r.Goals()
	assert.Len(t, goals, 2)
	assert.Equal(t, "goal-2", goals["robot_1"].ID, "latest goal wins")

	require.NoError(t, r.PublishFrontierMarkers(FrontierMarkers{Namespace: "local_robot_1"}))
	require.NoError(t, r.PublishFrontierMarkers(FrontierMarkers{Namespace: "global_frontiers"}))
	require.NoError(t, r.PublishFrontierMarkers(FrontierMarkers{Namespace: "global_frontiers", Points: []Point{{X: 1}}}))

	markers := r.Markers()
	require.Len(t, markers, 2)
	assert.Equal(t, "global_frontiers", markers[0].Namespace)
	assert.Len(t, markers[0].Points, 1)
	assert.Equal(t, "local_robot_1", markers[1].Namespace)
}

func TestOutputRecorder_ForwardsToPublisher(t *testing.T) {
	publisher, mock := connectedPublisher(t)
	r := NewOutputRecorder(publisher)

	require.NoError(t, r.PublishGoal(testGoal("robot_1")))
	require.NoError(t, r.PublishFrontierMarkers(FrontierMarkers{Namespace: "global_frontiers"}))

	assert.Len(t, mock.MessagesOn("tudoscout/robot_1/goal_pose"), 1)
	assert.Len(t, mock.MessagesOn("tudoscout/frontier_markers/global_frontiers"), 1)

	// Downstream failures are returned but the output is still recorded.
	mock.SetConnected(false)
	err := r.PublishGoal(testGoal("robot_2"))
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.Contains(t, r.Goals(), "robot_2")
}

func TestExplorationFeatureCollection(t *testing.T) {
	global := uniformGrid(t, 20, 10, CellUnknown)
	global.Frame = "world"
	markers := []FrontierMarkers{{
		Header:    MessageHeader{FrameID: "world"},
		Namespace: "global_frontiers",
		Color:     MarkerColor{R: 1, A: 1},
		Points:    []Point{{X: 0.5, Y: 0.5}, {X: 1, Y: 0.2}},
	}}
	goals := []Goal{testGoal("robot_1")}
	placements := map[string]Pose2D{
		"robot_2": {X: 3, Y: 4, Yaw: 0.5},
		"robot_1": {},
	}

	fc := ExplorationFeatureCollection(global, markers, goals, placements)
	require.Len(t, fc.Features, 5)

	kinds := make([]string, len(fc.Features))
	for i, f := range fc.Features {
		kinds[i] = f.Properties.MustString("kind")
	}
	assert.Equal(t, []string{"map", "frontiers", "goal", "placement", "placement"}, kinds)

	mapFeature := fc.Features[0]
	poly, ok := mapFeature.Geometry.(orb.Polygon)
	require.True(t, ok, "map extent should be a polygon, got %T", mapFeature.Geometry)
	bound := poly.Bound()
	assert.InDelta(t, 2.0, bound.Max[0], 1e-9)
	assert.InDelta(t, 1.0, bound.Max[1], 1e-9)
	assert.Equal(t, 20, mapFeature.Properties["width"])

	frontiers := fc.Features[1]
	assert.Equal(t, orb.MultiPoint{{0.5, 0.5}, {1, 0.2}}, frontiers.Geometry)
	assert.Equal(t, "#ff0000", frontiers.Properties["color"])
	assert.Equal(t, 2, frontiers.Properties["count"])

	goal := fc.Features[2]
	assert.Equal(t, "goal-1", goal.ID)
	assert.Equal(t, orb.Point{1.55, 1.05}, goal.Geometry)
	assert.Equal(t, "robot_1", goal.Properties["agentId"])

	assert.Equal(t, "robot_1", fc.Features[3].Properties["agentId"])
	assert.Equal(t, "robot_2/map", fc.Features[4].Properties["frame"])
	assert.Equal(t, orb.Point{3, 4}, fc.Features[4].Geometry)
}

func TestExplorationFeatureCollection_NoMap(t *testing.T) {
	fc := ExplorationFeatureCollection(nil, nil, nil, nil)
	assert.Empty(t, fc.Features)

	data, err := json.Marshal(fc)
	require.NoError(t, err)
	back, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	assert.Empty(t, back.Features)
}

func TestOutputRecorder_FeatureCollectionOrdersGoals(t *testing.T) {
	r := NewOutputRecorder(nil)
	for _, id := range []string{"robot_3", "robot_1", "robot_2"} {
		g := testGoal(id)
		g.ID = "goal-" + id
		require.NoError(t, r.PublishGoal(g))
	}

	fc := r.FeatureCollection(nil, nil)
	require.Len(t, fc.Features, 3)
	for i, want := range []string{"robot_1", "robot_2", "robot_3"} {
		assert.Equal(t, want, fc.Features[i].Properties["agentId"])
	}

	data, err := json.Marshal(fc)
	require.NoError(t, err)
	back, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	require.Len(t, back.Features, 3)
	assert.Equal(t, "goal-robot_1", back.Features[0].ID)
}

func TestMarkerColor_Hex(t *testing.T) {
	tests := []struct {
		c    MarkerColor
		want string
	}{
		{MarkerColor{}, "#000000"},
		{MarkerColor{R: 1, G: 1, B: 1}, "#ffffff"},
		{MarkerColor{R: 0.5, G: 0.25, B: 1, A: 0.3}, "#8040ff"},
		{MarkerColor{R: -1, G: 2, B: 0}, "#00ff00"},
	}
	for _, tt := range tests {
		if got := tt.c.Hex(); got != tt.want {
			t.Errorf("%+v.Hex() = %s, want %s", tt.c, got, tt.want)
		}
	}
}

func TestOutputRecorder_OrderedGoals(t *testing.T) {
	r := NewOutputRecorder(nil)
	assert.Empty(t, r.OrderedGoals())
	for _, id := range []string{"robot_2", "robot_10", "robot_1"} {
		require.NoError(t, r.PublishGoal(testGoal(id)))
	}
	got := r.OrderedGoals()
	require.Len(t, got, 3)
	assert.Equal(t, []string{"robot_1", "robot_10", "robot_2"}, []string{got[0].AgentID, got[1].AgentID, got[2].AgentID})
}
