package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kwv/simplereg/reg"
)

// App encapsulates the application state and dependencies
type App struct {
	Config    *reg.Config
	Store     *reg.OutcomeStore
	Publisher *reg.OutcomePublisher
	Out       io.Writer

	mqttClient mqtt.Client
	opts       AppOptions
}

// NewApp creates a new App writing reports to out
func NewApp(out io.Writer) *App {
	return &App{Out: out}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
}

// loadConfig reads the config file once and applies the CLI overrides.
func (a *App) loadConfig() (*reg.Config, error) {
	if a.Config != nil {
		return a.Config, nil
	}
	cfg, err := reg.LoadConfig(a.opts.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := a.opts.applyCPD(&cfg.CPD); err != nil {
		return nil, err
	}
	a.Config = cfg
	return cfg, nil
}

// applyCPD overlays the CPD flags that were set on the command line.
func (o AppOptions) applyCPD(c *reg.CPDConfig) error {
	if o.OutlierWeight != nil {
		c.OutlierWeight = *o.OutlierWeight
	}
	if o.Tolerance != nil {
		c.Tolerance = *o.Tolerance
	}
	if o.MaxIterations != nil {
		c.MaxIterations = *o.MaxIterations
	}
	if o.InitialVariance != nil {
		c.InitialVariance = *o.InitialVariance
	}
	if o.Normalization != nil {
		n, err := reg.ParseNormalization(*o.Normalization)
		if err != nil {
			return err
		}
		c.Normalization = n
	}
	if o.Verbose {
		c.Verbose = true
	}
	return c.Validate()
}

// openStore creates the outcome store, persisted when -outcome-cache is set.
func (a *App) openStore() error {
	if a.Store != nil {
		return nil
	}
	if a.opts.OutcomeCache == "" {
		a.Store = reg.NewOutcomeStore()
		return nil
	}
	store, err := reg.NewOutcomeStoreWithCache(a.opts.OutcomeCache)
	if err != nil {
		return fmt.Errorf("loading outcome cache: %w", err)
	}
	log.Printf("Loaded %d outcome(s) from %s", store.Len(), a.opts.OutcomeCache)
	a.Store = store
	return nil
}

// openPublisher connects to the broker when -publish is set.
func (a *App) openPublisher(cfg *reg.Config) error {
	if !a.opts.Publish || a.Publisher != nil {
		return nil
	}
	client, err := reg.ConnectMQTT(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("failed to initialize MQTT: %w", err)
	}
	if client == nil {
		return errors.New("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
	}
	a.mqttClient = client
	a.Publisher = reg.NewOutcomePublisher(client, reg.ResolveMQTTConfig(cfg.MQTT).Prefix)
	return nil
}

func (a *App) close() {
	if a.mqttClient != nil {
		a.mqttClient.Disconnect(250)
		a.mqttClient = nil
	}
}

// record stores and publishes an outcome; failures are logged, not fatal.
func (a *App) record(rec reg.OutcomeRecord) {
	if a.Store != nil {
		if err := a.Store.Put(rec); err != nil {
			log.Printf("Warning: failed to save outcome %s: %v", rec.ID, err)
		}
	}
	if a.Publisher != nil && !rec.Failed() {
		if err := a.Publisher.Publish(rec); err != nil {
			log.Printf("Error publishing outcome for %s: %v", rec.Task, err)
		}
	}
}

// RunRegister aligns -moving onto -fixed and writes the rigid transform.
func (a *App) RunRegister() error {
	if a.opts.Fixed == "" || a.opts.Moving == "" {
		return errors.New("both -fixed and -moving are required")
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if err := a.openStore(); err != nil {
		return err
	}
	if err := a.openPublisher(cfg); err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fixed, err := reg.LoadLandmarks(ctx, a.opts.Fixed, cfg.FetchOptions()...)
	if err != nil {
		return fmt.Errorf("fixed landmarks: %w", err)
	}
	moving, err := reg.LoadLandmarks(ctx, a.opts.Moving, cfg.FetchOptions()...)
	if err != nil {
		return fmt.Errorf("moving landmarks: %w", err)
	}
	log.Printf("Loaded %d fixed and %d moving %dD landmarks", fixed.Len(), moving.Len(), fixed.Dim())

	task := a.opts.Task
	if task == "" {
		task = taskName(a.opts.Moving)
	}
	id := uuid.New().String()

	rec, t, err := reg.RegisterPointSets(id, task, fixed, moving, cfg.CPD, a.opts.Paired)
	if err != nil {
		a.record(reg.NewFailedRecord(id, task, err))
		return fmt.Errorf("registering %s: %w", task, err)
	}
	a.printOutcome(rec)
	// A converged registration is recorded even if writing its outputs fails.
	a.record(rec)

	if a.opts.Output == "" {
		if err := reg.FormatRigidTransform(a.Out, t); err != nil {
			return err
		}
	} else {
		if err := reg.WriteRigidTransform(a.opts.Output, t); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "Transform saved to: %s\n", a.opts.Output)
	}

	if a.opts.GeoJSON != "" {
		registered, err := t.Apply(moving)
		if err != nil {
			return err
		}
		layers := []reg.Layer{
			{Name: "fixed", Points: fixed},
			{Name: "moving", Points: moving},
			{Name: "registered", Points: registered},
		}
		if err := reg.WriteGeoJSON(a.opts.GeoJSON, layers); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "GeoJSON saved to: %s\n", a.opts.GeoJSON)
	}
	return nil
}

// taskName derives a task name from a landmark source.
func taskName(source string) string {
	base := filepath.Base(source)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (a *App) printOutcome(rec reg.OutcomeRecord) {
	fmt.Fprintf(a.Out, "\nRegistration %s (%s)\n", rec.Task, rec.Method)
	fmt.Fprintf(a.Out, "  Status: %s", rec.Status)
	if rec.Method == "cpd" {
		fmt.Fprintf(a.Out, " after %d iteration(s), sigma2=%.6g", rec.Iterations, rec.Variance)
	}
	fmt.Fprintln(a.Out)
	degrees := make([]string, len(rec.Angles))
	for i, v := range rec.Angles {
		degrees[i] = fmt.Sprintf("%.3f", v*180/math.Pi)
	}
	fmt.Fprintf(a.Out, "  Angles (deg): %s\n", strings.Join(degrees, " "))
	fmt.Fprintf(a.Out, "  Translation: %v\n", rec.Translation)
}

// RunTransformLandmarks maps -landmarks through -transform.
func (a *App) RunTransformLandmarks() error {
	if a.opts.Transform == "" || a.opts.Landmarks == "" {
		return errors.New("-transform-landmarks needs -transform and -landmarks")
	}
	t, err := reg.ReadRigidTransform(a.opts.Transform)
	if err != nil {
		return err
	}
	ps, err := reg.ReadLandmarks(a.opts.Landmarks)
	if err != nil {
		return err
	}
	out, err := t.Apply(ps)
	if err != nil {
		return err
	}
	if a.opts.Output == "" {
		return reg.FormatLandmarks(a.Out, out)
	}
	if err := reg.WriteLandmarks(a.opts.Output, out); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Transformed %d landmark(s) to: %s\n", out.Len(), a.opts.Output)
	return nil
}

// RunInvert writes the inverse of -transform.
func (a *App) RunInvert() error {
	if a.opts.Transform == "" {
		return errors.New("-invert needs -transform")
	}
	t, err := reg.ReadRigidTransform(a.opts.Transform)
	if err != nil {
		return err
	}
	inv := t.Inverse()
	if a.opts.Output == "" {
		return reg.FormatRigidTransform(a.Out, inv)
	}
	if err := reg.WriteRigidTransform(a.opts.Output, inv); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "Inverse transform saved to: %s\n", a.opts.Output)
	return nil
}

// RunBatch runs every job of the -batch manifest.
func (a *App) RunBatch() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	manifest, err := reg.LoadBatchManifest(a.opts.Batch)
	if err != nil {
		return err
	}
	if err := a.openStore(); err != nil {
		return err
	}
	if err := a.openPublisher(cfg); err != nil {
		return err
	}
	defer a.close()

	cpd := cfg.CPD
	if manifest.CPD != nil {
		cpd = *manifest.CPD
		if err := a.opts.applyCPD(&cpd); err != nil {
			return err
		}
	}
	limit := manifest.Limit
	if a.opts.BatchLimit > 0 {
		limit = a.opts.BatchLimit
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("[batch] running %d job(s), limit %d", len(manifest.Jobs), limit)
	results := reg.RunBatch(ctx, manifest.Jobs, reg.BatchOptions{
		CPD:          cpd,
		Limit:        limit,
		FetchOptions: cfg.FetchOptions(),
		Store:        a.Store,
		Publisher:    a.Publisher,
	})

	fmt.Fprintln(a.Out, "\nBatch Results")
	fmt.Fprintln(a.Out, "=============")
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(a.Out, "  %-24s FAILED  %v\n", r.Job.Name, r.Err)
			continue
		}
		fmt.Fprintf(a.Out, "  %-24s %-8s %s, %d iteration(s)\n", r.Job.Name, r.Record.Method, r.Record.Status, r.Record.Iterations)
	}

	if n := reg.Failures(results); n > 0 {
		return fmt.Errorf("%d of %d batch job(s) failed", n, len(results))
	}
	return nil
}

// RunService serves the registration HTTP API until interrupted.
func (a *App) RunService() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if err := a.openStore(); err != nil {
		return err
	}
	if err := a.openPublisher(cfg); err != nil {
		return err
	}
	defer a.close()

	addr := fmt.Sprintf("0.0.0.0:%d", a.opts.HttpPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           newHTTPServer(a.Store, cfg, a.Publisher),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("[HTTP] Starting server on %s", addr)
		serverErr <- srv.ListenAndServe()
	}()

	fmt.Fprintln(a.Out, "\nService Running")
	fmt.Fprintln(a.Out, "===============")
	fmt.Fprintf(a.Out, "  HTTP: http://localhost:%d (/health, /register, /outcomes, /transform)\n", a.opts.HttpPort)
	if a.Publisher != nil {
		fmt.Fprintf(a.Out, "  MQTT: publishing to %s/<task>\n", reg.ResolveMQTTConfig(cfg.MQTT).Prefix)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("[HTTP] server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// RunShowMethod prints the configured registration method.
func (a *App) RunShowMethod() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintln(a.Out, "\nRegistration Method")
	fmt.Fprintln(a.Out, "===================")
	for _, line := range cfg.Method.Describe() {
		fmt.Fprintf(a.Out, "  %s\n", line)
	}
	c := cfg.CPD
	fmt.Fprintln(a.Out, "\nPoint-based (CPD)")
	fmt.Fprintf(a.Out, "  outlierWeight=%g tolerance=%g maxIterations=%d normalization=%s\n",
		c.OutlierWeight, c.Tolerance, c.MaxIterations, c.Normalization)
	return nil
}
