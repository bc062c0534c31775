package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// errNoMode is returned when the command line selects nothing to do.
var errNoMode = errors.New("nothing to do: give -fixed and -moving, -batch, -transform-landmarks, -invert, -show-method or -http")

// AppOptions holds the parsed command line.
type AppOptions struct {
	ConfigFile   string
	Fixed        string
	Moving       string
	Output       string
	Task         string
	Verbose      bool
	Paired       bool
	GeoJSON      string
	Publish      bool
	OutcomeCache string

	// CPD overrides; nil keeps the config file value
	OutlierWeight   *float64
	Tolerance       *float64
	MaxIterations   *int
	InitialVariance *float64
	Normalization   *string

	TransformLandmarks bool
	Invert             bool
	Transform          string
	Landmarks          string

	Batch      string
	BatchLimit int

	HttpMode   bool
	HttpPort   int
	ShowMethod bool
}

// runner is implemented by App; tests substitute a mock.
type runner interface {
	ApplyOptions(opts AppOptions)
	RunRegister() error
	RunTransformLandmarks() error
	RunInvert() error
	RunBatch() error
	RunService() error
	RunShowMethod() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp(os.Stdout)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("Error: %v", err)
	}
}

// run parses args and dispatches to exactly one mode of app.
func run(args []string, out io.Writer, app runner) error {
	fs := flag.NewFlagSet("simplereg", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.Fixed, "fixed", "", "Fixed landmark file or http(s) URL")
	fs.StringVar(&opts.Moving, "moving", "", "Moving landmark file or http(s) URL")
	fs.StringVar(&opts.Output, "output", "", "Output file (transform or landmarks); stdout when empty")
	fs.StringVar(&opts.Task, "task", "", "Task name recorded with the outcome (default: moving file name)")
	fs.BoolVar(&opts.Verbose, "verbose", false, "Log per-iteration CPD diagnostics")
	fs.BoolVar(&opts.Paired, "paired", false, "Treat landmark rows as known correspondences (closed-form fit)")
	fs.StringVar(&opts.GeoJSON, "geojson", "", "Write fixed, moving and registered 2D landmarks as GeoJSON")
	fs.BoolVar(&opts.Publish, "publish", false, "Publish outcomes over MQTT")
	fs.StringVar(&opts.OutcomeCache, "outcome-cache", "", "Path to the outcome cache file")

	outlierWeight := fs.Float64("outlier-weight", 0, "CPD outlier weight in [0, 1)")
	tolerance := fs.Float64("tolerance", 0, "CPD relative objective change tolerance")
	maxIterations := fs.Int("max-iterations", 0, "CPD iteration cap")
	initialVariance := fs.Float64("initial-variance", 0, "CPD initial sigma^2 (0 estimates it from the data)")
	normalization := fs.String("normalization", "", "CPD E-step normalization: moving-rows or fixed-columns")

	fs.BoolVar(&opts.TransformLandmarks, "transform-landmarks", false, "Apply -transform to -landmarks and exit")
	fs.BoolVar(&opts.Invert, "invert", false, "Write the inverse of -transform and exit")
	fs.StringVar(&opts.Transform, "transform", "", "Rigid transform file for -transform-landmarks and -invert")
	fs.StringVar(&opts.Landmarks, "landmarks", "", "Landmark file for -transform-landmarks")

	fs.StringVar(&opts.Batch, "batch", "", "Run every job of a YAML batch manifest")
	fs.IntVar(&opts.BatchLimit, "batch-limit", 0, "Concurrent batch jobs (default: manifest limit)")

	fs.BoolVar(&opts.HttpMode, "http", false, "Run the HTTP registration service")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")
	fs.BoolVar(&opts.ShowMethod, "show-method", false, "Print the configured registration method and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}

	// only flags given on the command line override the config file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "outlier-weight":
			opts.OutlierWeight = outlierWeight
		case "tolerance":
			opts.Tolerance = tolerance
		case "max-iterations":
			opts.MaxIterations = maxIterations
		case "initial-variance":
			opts.InitialVariance = initialVariance
		case "normalization":
			opts.Normalization = normalization
		}
	})

	fmt.Fprintf(out, "simplereg version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.ShowMethod:
		return app.RunShowMethod()
	case opts.Invert:
		return app.RunInvert()
	case opts.TransformLandmarks:
		return app.RunTransformLandmarks()
	case opts.Batch != "":
		return app.RunBatch()
	case opts.HttpMode:
		return app.RunService()
	case opts.Fixed != "" || opts.Moving != "":
		return app.RunRegister()
	}
	fs.Usage()
	return errNoMode
}
