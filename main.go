package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command-line options.
type AppOptions struct {
	ConfigFile   string
	HttpPort     int
	HttpMode     bool
	MqttMode     bool
	Watch        bool
	ExploreOnce  bool
	MergeOnce    bool
	Overrides    string
	Poses        string
	OutputFile   string
	RenderFormat string
	GridFiles    []string
}

// Runner is the set of modes main can dispatch to.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunMergeOnce() error
	RunExploreOnce() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if err == flag.ErrHelp {
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

// run parses args and dispatches to the selected mode.
func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("tudoscout", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run the exploration service against the MQTT broker")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve map images, GeoJSON and metrics over HTTP")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")
	fs.BoolVar(&opts.Watch, "watch", true, "Reload runtime parameters when the config file changes")
	fs.BoolVar(&opts.MergeOnce, "merge-once", false, "Merge two grid files and exit")
	fs.BoolVar(&opts.ExploreOnce, "explore-once", false, "Run one goal-selection cycle over grid files and exit")
	fs.StringVar(&opts.Overrides, "set", "", "Parameter overrides: name=value,... (e.g. minUnknownCells=10)")
	fs.StringVar(&opts.Poses, "pose", "", "Robot poses for --explore-once: AGENT=X,Y[,YAW];...")
	fs.StringVar(&opts.OutputFile, "output", "", "Output file for offline modes (.png, .svg or .geojson)")
	fs.StringVar(&opts.RenderFormat, "format", "raster", "PNG render format: raster or vector")

	if err := fs.Parse(args); err != nil {
		return err
	}
	opts.GridFiles = fs.Args()

	_, _ = fmt.Fprintf(out, "tudoscout version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.MergeOnce:
		return app.RunMergeOnce()
	case opts.ExploreOnce:
		return app.RunExploreOnce()
	case opts.MqttMode || opts.HttpMode:
		return app.RunService()
	}

	_, _ = fmt.Fprintln(out, "Usage:")
	_, _ = fmt.Fprintln(out, "  --mqtt [--http]                      run the exploration and fusion service")
	_, _ = fmt.Fprintln(out, "  --merge-once a.json b.json           merge two agent grids")
	_, _ = fmt.Fprintln(out, "  --explore-once [id=]grid.json ...    select goals once over agent grids")
	_, _ = fmt.Fprintln(out, "\nConfiguration:")
	_, _ = fmt.Fprintln(out, "  config.yaml - MQTT settings, agents, exploration and fusion parameters")
	return nil
}
