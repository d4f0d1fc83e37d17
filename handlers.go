package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kwv/tudoscout/mesh"
)

// httpDeps is what the HTTP views read from. Any field but State may be nil.
type httpDeps struct {
	State       *mesh.StateTracker
	Recorder    *mesh.OutputRecorder
	Explorer    *mesh.Explorer
	Memory      *mesh.FrontierMemory
	Resolver    mesh.TransformResolver
	Params      mesh.ParamSource
	Gatherer    prometheus.Gatherer
	Agents      []string
	GlobalFrame string
}

type fusionStatus struct {
	Layout     string    `json:"layout"`
	Confidence int       `json:"confidence"`
	Stamp      time.Time `json:"stamp"`
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(deps httpDeps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, mapErr := deps.State.GlobalMap()
		ages := make(map[string]float64)
		for id, age := range deps.State.GridAges(time.Now()) {
			ages[id] = age.Seconds()
		}
		grids := make(map[string]mesh.GridSummary)
		for id, g := range deps.State.Grids() {
			grids[id] = mesh.Summarize(g)
		}
		status := struct {
			Status     string                      `json:"status"`
			Timestamp  time.Time                   `json:"timestamp"`
			HasMap     bool                        `json:"hasMap"`
			Complete   bool                        `json:"explorationComplete"`
			WaitingFor []string                    `json:"waitingFor,omitempty"`
			GridAges   map[string]float64          `json:"gridAgeSeconds"`
			Grids      map[string]mesh.GridSummary `json:"grids"`
			Frontiers  *mesh.FrontierMemoryStats   `json:"frontierMemory,omitempty"`
			Params     *mesh.Params                `json:"params,omitempty"`
			Fusion     *fusionStatus               `json:"fusion,omitempty"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			HasMap:    mapErr == nil,
			GridAges:  ages,
			Grids:     grids,
		}
		if deps.Explorer != nil {
			status.Complete = deps.Explorer.Complete()
			status.WaitingFor = deps.Explorer.LastResult().Missing
		}
		if deps.Memory != nil {
			stats := deps.Memory.Stats()
			status.Frontiers = &stats
		}
		if deps.Params != nil {
			p := deps.Params.Params()
			status.Params = &p
		}
		if result := deps.State.LastFusion(); result != nil {
			status.Fusion = &fusionStatus{
				Layout:     string(result.Layout),
				Confidence: result.Registration.MatchConfidence(),
				Stamp:      result.Stamp,
			}
		}
		writeJSON(w, "application/json", status)
	})

	mux.HandleFunc("/map.png", func(w http.ResponseWriter, r *http.Request) {
		view, ok := buildMapView(r.Context(), deps, w)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := mesh.WritePNG(w, mesh.NewMapRenderer().Render(view)); err != nil {
			log.Printf("[HTTP] Error encoding map PNG: %v", err)
		}
	})

	mux.HandleFunc("/map.svg", func(w http.ResponseWriter, r *http.Request) {
		view, ok := buildMapView(r.Context(), deps, w)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := mesh.NewVectorRenderer().RenderToSVG(w, view); err != nil {
			log.Printf("[HTTP] Error encoding map SVG: %v", err)
		}
	})

	mux.HandleFunc("/debug/fusion.png", func(w http.ResponseWriter, r *http.Request) {
		result := deps.State.LastFusion()
		if result == nil || result.Image == nil {
			http.Error(w, "No fusion result available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := mesh.WritePNG(w, result.Image); err != nil {
			log.Printf("[HTTP] Error encoding fusion PNG: %v", err)
		}
	})

	mux.HandleFunc("/frontiers.geojson", func(w http.ResponseWriter, r *http.Request) {
		if deps.Recorder == nil {
			http.Error(w, "Exploration not running", http.StatusServiceUnavailable)
			return
		}
		global, _ := deps.State.GlobalMap()
		fc := deps.Recorder.FeatureCollection(global, deps.State.Placements(deps.Agents))
		writeJSON(w, "application/geo+json", fc)
	})

	mux.HandleFunc("/goals", func(w http.ResponseWriter, r *http.Request) {
		if deps.Recorder == nil {
			http.Error(w, "Exploration not running", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, "application/json", deps.Recorder.Goals())
	})

	if deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// buildMapView gathers the merged map and overlays. It writes a 503 and
// returns false when no merged map exists yet.
func buildMapView(ctx context.Context, deps httpDeps, w http.ResponseWriter) (mesh.MapView, bool) {
	global, err := deps.State.GlobalMap()
	if err != nil {
		if errors.Is(err, mesh.ErrNoData) {
			http.Error(w, "No merged map available", http.StatusServiceUnavailable)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return mesh.MapView{}, false
	}

	view := mesh.MapView{
		Grid:   global,
		Colors: deps.State.Colors(),
		Robots: robotPoses(ctx, deps.Resolver, deps.Agents, deps.GlobalFrame),
	}
	if deps.Recorder != nil {
		view.Markers = deps.Recorder.Markers()
		view.Goals = deps.Recorder.OrderedGoals()
	}
	return view, true
}

// robotPoses resolves each agent body frame in the global frame without
// waiting. Agents with no transform yet are left out.
func robotPoses(ctx context.Context, resolver mesh.TransformResolver, agents []string, globalFrame string) map[string]mesh.Pose2D {
	out := make(map[string]mesh.Pose2D, len(agents))
	if resolver == nil {
		return out
	}
	for _, id := range agents {
		m, err := resolver.LookupTransform(ctx, globalFrame, mesh.BaseFrame(id), time.Time{}, 0)
		if err != nil {
			continue
		}
		out[id] = mesh.PoseFromMatrix(m)
	}
	return out
}

func writeJSON(w http.ResponseWriter, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Error encoding response: %v", err)
	}
}
