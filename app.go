package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/kwv/tudoscout/mesh"
)

// App encapsulates the application state and dependencies
type App struct {
	Config       *mesh.Config
	StateTracker *mesh.StateTracker
	MQTTClient   *mesh.MQTTClient
	Publisher    *mesh.Publisher
	Params       *mesh.ParamStore
	Clock        *mesh.SwitchableClock
	Frames       *mesh.FrameTree
	Recorder     *mesh.OutputRecorder
	Memory       *mesh.FrontierMemory
	Explorer     *mesh.Explorer
	Fusion       *mesh.FusionEngine
	Broadcaster  *mesh.TransformBroadcaster
	Registry     *prometheus.Registry
	Metrics      *mesh.Metrics

	opts AppOptions
	out  io.Writer
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		StateTracker: mesh.NewStateTracker(),
		out:          os.Stdout,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
}

// loadSettings reads the config file and applies --set overrides. Offline
// modes run without a config file on defaults.
func (a *App) loadSettings(required bool) (*mesh.Config, mesh.Params, error) {
	params := mesh.DefaultParams()
	cfg, err := mesh.LoadConfig(a.opts.ConfigFile)
	switch {
	case err == nil:
		params = mesh.ParamsFromConfig(cfg)
		log.Printf("[CONFIG] Loaded config from %s", a.opts.ConfigFile)
	case required:
		return nil, params, fmt.Errorf("loading config: %w", err)
	default:
		cfg = &mesh.Config{}
		cfg.ApplyDefaults()
	}

	params, err = mesh.ApplyParamOverrides(params, a.opts.Overrides)
	if err != nil {
		return nil, params, err
	}
	return cfg, params, nil
}

// wire builds the exploration and fusion components around cfg.
func (a *App) wire(cfg *mesh.Config, params mesh.Params, sink mesh.GoalSink, tfSink mesh.TransformSink) {
	a.Config = cfg
	a.Params = mesh.NewParamStore(params)
	a.Clock = mesh.NewSwitchableClock(params.UseSimTime)
	a.Params.OnChange(func(_, updated mesh.Params) {
		a.Clock.UseSimTime(updated.UseSimTime)
	})
	a.Frames = mesh.NewFrameTree()

	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
		a.Metrics = mesh.NewMetrics(a.Registry)
	}

	for _, ac := range cfg.Agents {
		if ac.Color != "" {
			a.StateTracker.SetColor(ac.ID, ac.Color)
		}
	}

	ids := cfg.AgentIDs()
	a.Recorder = mesh.NewOutputRecorder(sink)
	a.Memory = mesh.NewFrontierMemory(a.Clock)
	a.Explorer = mesh.NewExplorer(ids, a.Frames, a.Memory, a.Recorder, a.Params,
		mesh.WithGlobalFrame(cfg.GlobalFrame),
		mesh.WithTransformTimeout(seconds(cfg.Exploration.TransformTimeoutSec)),
		mesh.WithExplorerClock(a.Clock),
		mesh.WithExplorerMetrics(a.Metrics),
	)

	reg := mesh.DefaultRegistrationParams()
	reg.MaxFeatures = cfg.Fusion.MaxFeatures
	reg.MatchDistance = cfg.Fusion.MatchDistance
	a.Fusion = mesh.NewFusionEngine(a.Params,
		mesh.WithFusionClock(a.Clock),
		mesh.WithFusionMetrics(a.Metrics),
		mesh.WithRegistrationParams(reg),
		mesh.WithFallbackGap(cfg.Fusion.FallbackGap),
		mesh.WithMergedFrame(cfg.GlobalFrame),
	)
	a.Broadcaster = mesh.NewTransformBroadcaster(ids, a.StateTracker, a.Frames, tfSink, a.Clock, cfg.GlobalFrame)
}

// onGrid stores an agent map. Agent maps are always expressed in the
// agent's map frame, whatever the payload header says.
func (a *App) onGrid(agentID string, g *mesh.OccupancyGrid) {
	g.Frame = mesh.MapFrame(agentID)
	a.StateTracker.UpdateGrid(agentID, g)
	a.Metrics.GridReceived(agentID)
}

func (a *App) onGlobalMap(g *mesh.OccupancyGrid) {
	g.Frame = a.Config.GlobalFrame
	a.StateTracker.SetGlobalMap(g)
	a.Metrics.GridReceived("global")
}

func (a *App) onPose(agentID string, msg *mesh.PoseMessage) {
	stamp := a.Clock.Now()
	if msg.Header.Stamp > 0 {
		stamp = mesh.StampToTime(msg.Header.Stamp)
	}
	a.StateTracker.UpdatePose(agentID, msg.Pose, stamp)
	if err := a.Frames.SetTransform(mesh.MapFrame(agentID), mesh.BaseFrame(agentID), msg.Pose.Matrix(), stamp); err != nil {
		log.Printf("[TF] Warning: pose for %s rejected: %v", agentID, err)
	}
}

func (a *App) onClock(t time.Time) {
	a.Clock.Sim().Set(t)
}

// exploreOnce runs one goal-selection cycle. It returns false once
// exploration is complete.
func (a *App) exploreOnce(ctx context.Context) bool {
	global, _ := a.StateTracker.GlobalMap()
	result := a.Explorer.RunCycle(ctx, global, a.StateTracker.Grids())
	return !result.Complete
}

// fuseOnce merges the first two agents' maps and publishes the result.
// Missing maps or a failed estimate skip the cycle.
func (a *App) fuseOnce() {
	ids := a.Config.AgentIDs()
	if len(ids) < 2 {
		return
	}
	g1, err1 := a.StateTracker.Grid(ids[0])
	g2, err2 := a.StateTracker.Grid(ids[1])
	if err1 != nil || err2 != nil {
		log.Printf("[FUSION] Warning: waiting for maps of %s and %s", ids[0], ids[1])
		return
	}

	result, err := a.Fusion.Fuse(g1, g2)
	if err != nil {
		log.Printf("[FUSION] Warning: skipping cycle: %v", err)
		return
	}
	a.StateTracker.SetFusionResult(result)

	if a.Publisher != nil {
		if err := a.Publisher.PublishMergedMap(result.Merged); err != nil && !errors.Is(err, mesh.ErrNotConnected) {
			log.Printf("[FUSION] Warning: publishing merged map: %v", err)
		}
	}
}

// RunService runs the exploration, fusion and transform loops until
// interrupted.
func (a *App) RunService() error {
	fmt.Fprintln(a.out, "Starting tudoscout service...")

	cfg, params, err := a.loadSettings(true)
	if err != nil {
		return err
	}
	if cfg.StateCachePath != "" {
		a.StateTracker = mesh.NewStateTrackerWithCache(cfg.StateCachePath)
	}

	a.Publisher = mesh.NewPublisher(nil)
	a.Publisher.SetPrefix(cfg.MQTT.PublishPrefix)
	a.wire(cfg, params, a.Publisher, a.Publisher)
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.opts.MqttMode {
		client, err := mesh.InitMQTT(cfg, mesh.InboundHandlers{
			OnGrid:      a.onGrid,
			OnGlobalMap: a.onGlobalMap,
			OnPose:      a.onPose,
			OnClock:     a.onClock,
		})
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if client == nil {
			return fmt.Errorf("MQTT broker not configured in %s", a.opts.ConfigFile)
		}
		a.MQTTClient = client
		a.Publisher.SetClient(client.GetClient())
		defer client.Disconnect()
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, ac := range cfg.Agents {
		if ac.MapURL == nil || *ac.MapURL == "" {
			continue
		}
		id, url := ac.ID, *ac.MapURL
		g.Go(func() error {
			grid, err := mesh.FetchGridFromAPIWithContext(gctx, url, id)
			if err != nil {
				log.Printf("Warning: initial map fetch for %s failed: %v", id, err)
				return nil
			}
			log.Printf("[STATE] Seeded %s with %dx%d map from %s", id, grid.Width, grid.Height, url)
			a.onGrid(id, grid)
			return nil
		})
	}

	g.Go(func() error {
		interval := seconds(cfg.Exploration.IntervalSec)
		return runPeriodic(gctx, func() time.Duration { return interval }, func() bool {
			if a.exploreOnce(gctx) {
				return true
			}
			log.Printf("[EXPLORE] Exploration complete, stopping goal selection")
			return false
		})
	})

	if cfg.GlobalMapTopic == "" {
		g.Go(func() error {
			return runPeriodic(gctx, func() time.Duration {
				return hzPeriod(a.Params.Params().MapPublishFrequency)
			}, func() bool {
				a.fuseOnce()
				return true
			})
		})
	} else {
		log.Printf("[FUSION] Using merged map from %s", cfg.GlobalMapTopic)
	}

	g.Go(func() error {
		return a.Broadcaster.Run(gctx, a.Params)
	})

	if a.opts.Watch {
		watcher, err := mesh.NewConfigWatcher(a.opts.ConfigFile, a.reloadParams)
		if err != nil {
			log.Printf("[CONFIG] Warning: hot reload disabled: %v", err)
		} else {
			g.Go(func() error { return watcher.Run(gctx) })
		}
	}

	if a.opts.HttpMode {
		srv := &http.Server{
			Addr: fmt.Sprintf("0.0.0.0:%d", a.opts.HttpPort),
			Handler: newHTTPServer(httpDeps{
				State:       a.StateTracker,
				Recorder:    a.Recorder,
				Explorer:    a.Explorer,
				Memory:      a.Memory,
				Resolver:    a.Frames,
				Params:      a.Params,
				Gatherer:    a.Registry,
				Agents:      cfg.AgentIDs(),
				GlobalFrame: cfg.GlobalFrame,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Printf("[HTTP] Starting server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.printServiceInfo(cfg)

	err = g.Wait()
	fmt.Fprintln(a.out, "\nShutting down service...")
	return err
}

// reloadParams applies a changed config file; --set overrides still win.
func (a *App) reloadParams(cfg *mesh.Config) {
	params, err := mesh.ApplyParamOverrides(mesh.ParamsFromConfig(cfg), a.opts.Overrides)
	if err != nil {
		log.Printf("[CONFIG] Warning: %v", err)
		return
	}
	if err := a.Params.Update(params); err != nil {
		log.Printf("[CONFIG] Warning: %v", err)
	}
}

func (a *App) printServiceInfo(cfg *mesh.Config) {
	fmt.Fprintln(a.out, "\nService Running")
	fmt.Fprintln(a.out, "===============")
	fmt.Fprintf(a.out, "Agents: %s (global frame %q)\n", strings.Join(cfg.AgentIDs(), ", "), cfg.GlobalFrame)

	if a.opts.MqttMode {
		fmt.Fprintln(a.out, "\nMQTT:")
		fmt.Fprintln(a.out, "  Subscribed topics:")
		for _, ac := range cfg.Agents {
			fmt.Fprintf(a.out, "    - %s, %s (%s)\n", ac.MapTopic, ac.PoseTopic, ac.ID)
		}
		fmt.Fprintln(a.out, "  Publishing: <prefix>/<agent>/goal_pose, <prefix>/map, <prefix>/tf, <prefix>/frontier_markers/<ns>")
	}

	if a.opts.HttpMode {
		fmt.Fprintf(a.out, "\nHTTP endpoints (port %d):\n", a.opts.HttpPort)
		fmt.Fprintln(a.out, "  GET /health            - Health check")
		fmt.Fprintln(a.out, "  GET /map.png           - Merged map with frontiers, goals and robots")
		fmt.Fprintln(a.out, "  GET /map.svg           - Vector version of /map.png")
		fmt.Fprintln(a.out, "  GET /debug/fusion.png  - Last merged fusion image")
		fmt.Fprintln(a.out, "  GET /frontiers.geojson - Frontiers, goals and placements")
		fmt.Fprintln(a.out, "  GET /goals             - Latest goal per agent")
		fmt.Fprintln(a.out, "  GET /metrics           - Prometheus metrics")
	}

	fmt.Fprintln(a.out, "\nPress Ctrl+C to stop")
}

// RunMergeOnce fuses two grid files and writes the merged grid.
func (a *App) RunMergeOnce() error {
	if len(a.opts.GridFiles) != 2 {
		return fmt.Errorf("--merge-once needs exactly two grid files, got %d", len(a.opts.GridFiles))
	}
	cfg, params, err := a.loadSettings(false)
	if err != nil {
		return err
	}
	ids, grids, err := loadGridFiles(a.opts.GridFiles)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !mesh.HasKnownCells(grids[id]) {
			log.Printf("Warning: %s has no known cells, registration will fall back to stacking", id)
		}
	}
	cfg.Agents = agentConfigs(ids)
	params.UseSimTime = false
	a.wire(cfg, params, nil, nil)

	result, err := a.Fusion.Fuse(grids[ids[0]], grids[ids[1]])
	if err != nil {
		return err
	}
	a.StateTracker.SetFusionResult(result)

	fmt.Fprintf(a.out, "Layout: %s (confidence %d)\n", result.Layout, result.Registration.MatchConfidence())
	for _, id := range ids {
		p := result.Placements[id]
		fmt.Fprintf(a.out, "  %s: x=%.3f y=%.3f yaw=%.3f\n", mesh.MapFrame(id), p.X, p.Y, p.Yaw)
	}

	output := a.opts.OutputFile
	if output == "" {
		output = "merged-map.png"
	}
	if err := writeGridFile(output, result.Merged); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Wrote merged %dx%d grid to %s\n", result.Merged.Width, result.Merged.Height, output)
	return nil
}

// RunExploreOnce selects goals once over grid files. Two files are fused
// first; a single file serves as its own global map.
func (a *App) RunExploreOnce() error {
	if len(a.opts.GridFiles) == 0 {
		return fmt.Errorf("--explore-once needs at least one grid file")
	}
	cfg, params, err := a.loadSettings(false)
	if err != nil {
		return err
	}
	ids, grids, err := loadGridFiles(a.opts.GridFiles)
	if err != nil {
		return err
	}
	poses, err := parsePoses(a.opts.Poses)
	if err != nil {
		return err
	}
	cfg.Agents = agentConfigs(ids)
	params.UseSimTime = false
	a.wire(cfg, params, nil, nil)

	for _, id := range ids {
		a.onGrid(id, grids[id])
	}
	if len(ids) >= 2 {
		a.fuseOnce()
	} else {
		single := *grids[ids[0]]
		single.Frame = cfg.GlobalFrame
		a.StateTracker.SetGlobalMap(&single)
	}

	if _, err := a.Broadcaster.Broadcast(); err != nil {
		return err
	}
	// Robots default to their map origin.
	for _, id := range ids {
		a.onPose(id, &mesh.PoseMessage{Pose: poses[id]})
	}

	ctx := context.Background()
	global, err := a.StateTracker.GlobalMap()
	if err != nil {
		return err
	}
	result := a.Explorer.RunCycle(ctx, global, a.StateTracker.Grids())

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	if a.opts.OutputFile == "" {
		return nil
	}
	view := mesh.MapView{
		Grid:    global,
		Markers: a.Recorder.Markers(),
		Goals:   result.Goals,
		Colors:  a.StateTracker.Colors(),
		Robots:  robotPoses(ctx, a.Frames, ids, cfg.GlobalFrame),
	}
	return a.writeViewFile(a.opts.OutputFile, view)
}

// writeViewFile renders view by file extension: .geojson, .svg or PNG.
func (a *App) writeViewFile(path string, view mesh.MapView) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".json":
		fc := mesh.ExplorationFeatureCollection(view.Grid, view.Markers, view.Goals, a.StateTracker.Placements(a.Config.AgentIDs()))
		err = json.NewEncoder(f).Encode(fc)
	case ".svg":
		err = mesh.NewVectorRenderer().RenderToSVG(f, view)
	default:
		if a.opts.RenderFormat == "vector" {
			err = mesh.NewVectorRenderer().RenderToPNG(f, view)
		} else {
			err = mesh.WritePNG(f, mesh.NewMapRenderer().Render(view))
		}
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Fprintf(a.out, "Wrote %s\n", path)
	return nil
}

// writeGridFile saves g as JSON for .json paths and as a PNG with the grid
// embedded otherwise.
func writeGridFile(path string, g *mesh.OccupancyGrid) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return mesh.SaveGridSnapshot(g, path)
	}
	data, err := mesh.EncodeGridPNG(g)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// loadGridFiles parses "id=path" or "path" arguments. Bare paths take the
// file name without extension as agent ID.
func loadGridFiles(args []string) ([]string, map[string]*mesh.OccupancyGrid, error) {
	ids := make([]string, 0, len(args))
	grids := make(map[string]*mesh.OccupancyGrid, len(args))
	for _, arg := range args {
		id, path, ok := strings.Cut(arg, "=")
		if !ok {
			path = arg
			id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		if _, dup := grids[id]; dup {
			return nil, nil, fmt.Errorf("agent %q given twice", id)
		}
		g, err := mesh.ParseGridFile(path, id)
		if err != nil {
			return nil, nil, fmt.Errorf("loading %s: %w", path, err)
		}
		ids = append(ids, id)
		grids[id] = g
	}
	return ids, grids, nil
}

// parsePoses parses "AGENT=X,Y[,YAW];..." into map-frame poses.
func parsePoses(spec string) (map[string]mesh.Pose2D, error) {
	poses := make(map[string]mesh.Pose2D)
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, values, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("pose %q: expected AGENT=X,Y[,YAW]", entry)
		}
		parts := strings.Split(values, ",")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("pose %q: expected 2 or 3 values", entry)
		}
		var nums [3]float64
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("pose %q: %w", entry, err)
			}
			nums[i] = v
		}
		poses[strings.TrimSpace(id)] = mesh.Pose2D{X: nums[0], Y: nums[1], Yaw: mesh.NormalizeAngle(nums[2])}
	}
	return poses, nil
}

func agentConfigs(ids []string) []mesh.AgentConfig {
	out := make([]mesh.AgentConfig, len(ids))
	for i, id := range ids {
		out[i] = mesh.AgentConfig{ID: id}
	}
	return out
}

// runPeriodic calls step every period until ctx ends or step returns
// false. The period is re-read after each step.
func runPeriodic(ctx context.Context, period func() time.Duration, step func() bool) error {
	current := period()
	ticker := time.NewTicker(current)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !step() {
				return nil
			}
			if next := period(); next != current {
				current = next
				ticker.Reset(current)
			}
		}
	}
}

func hzPeriod(hz float64) time.Duration {
	if hz <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / hz)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
