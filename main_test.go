package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunRegister() error { m.called["RunRegister"] = true; return nil }
func (m *mockApp) RunTransformLandmarks() error { m.called["RunTransformLandmarks"] = true; return nil }
func (m *mockApp) RunInvert() error { m.called["RunInvert"] = true; return nil }
func (m *mockApp) RunBatch() error { m.called["RunBatch"] = true; return nil }
func (m *mockApp) RunService() error { m.called["RunService"] = true; return nil }
func (m *mockApp) RunShowMethod() error { m.called["RunShowMethod"] = true; return nil }

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Register",
			args:           []string{"--fixed", "f.txt", "--moving", "m.txt", "--output", "out.tfm", "--verbose"},
			expectedCalled: "RunRegister",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Fixed != "f.txt" || opts.Moving != "m.txt" {
					t.Errorf("expected fixed/moving f.txt/m.txt, got %s/%s", opts.Fixed, opts.Moving)
				}
				if opts.Output != "out.tfm" {
					t.Errorf("expected Output out.tfm, got %s", opts.Output)
				}
				if !opts.Verbose {
					t.Error("expected Verbose true")
				}
				if opts.OutlierWeight != nil || opts.MaxIterations != nil || opts.Normalization != nil {
					t.Error("expected CPD overrides to stay unset")
				}
			},
		},
		{
			name:           "RegisterOverrides",
			args:           []string{"--fixed", "f.txt", "--moving", "m.txt", "--outlier-weight", "0", "--max-iterations", "40", "--normalization", "fixed-columns"},
			expectedCalled: "RunRegister",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.OutlierWeight == nil || *opts.OutlierWeight != 0 {
					t.Error("expected explicit OutlierWeight 0")
				}
				if opts.MaxIterations == nil || *opts.MaxIterations != 40 {
					t.Error("expected MaxIterations 40")
				}
				if opts.Normalization == nil || *opts.Normalization != "fixed-columns" {
					t.Error("expected Normalization fixed-columns")
				}
				if opts.Tolerance != nil {
					t.Error("expected Tolerance unset")
				}
			},
		},
		{
			name:           "TransformLandmarks",
			args:           []string{"--transform-landmarks", "--transform", "t.tfm", "--landmarks", "l.txt"},
			expectedCalled: "RunTransformLandmarks",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.Transform != "t.tfm" || opts.Landmarks != "l.txt" {
					t.Errorf("unexpected transform/landmarks %s/%s", opts.Transform, opts.Landmarks)
				}
			},
		},
		{
			name:           "Invert",
			args:           []string{"--invert", "--transform", "t.tfm"},
			expectedCalled: "RunInvert",
		},
		{
			name:           "Batch",
			args:           []string{"--batch", "jobs.yaml", "--batch-limit", "4", "--outcome-cache", "cache.json"},
			expectedCalled: "RunBatch",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.BatchLimit != 4 {
					t.Errorf("expected BatchLimit 4, got %d", opts.BatchLimit)
				}
				if opts.OutcomeCache != "cache.json" {
					t.Errorf("expected OutcomeCache cache.json, got %s", opts.OutcomeCache)
				}
			},
		},
		{
			name:           "Service",
			args:           []string{"--http", "--http-port", "9090", "--publish"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.HttpPort != 9090 {
					t.Errorf("expected HttpPort 9090, got %d", opts.HttpPort)
				}
				if !opts.Publish {
					t.Error("expected Publish true")
				}
			},
		},
		{
			name:           "ShowMethod",
			args:           []string{"--show-method", "--config", "c.yaml"},
			expectedCalled: "RunShowMethod",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ConfigFile != "c.yaml" {
					t.Errorf("expected ConfigFile c.yaml, got %s", opts.ConfigFile)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			err := run(tt.args, &out, app)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called", tt.expectedCalled)
			}
			if len(app.called) != 1 {
				t.Errorf("expected exactly one mode, got %v", app.called)
			}

			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, app)
	if err == nil {
		t.Error("expected error from --help, got nil")
	}
	if !strings.Contains(out.String(), "Usage of simplereg") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
}

func TestRun_Default(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run([]string{}, &out, app)
	if !errors.Is(err, errNoMode) {
		t.Fatalf("expected errNoMode, got %v", err)
	}

	expectedPrefix := "simplereg version: " + Version
	if !strings.Contains(out.String(), expectedPrefix) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}
	if len(app.called) != 0 {
		t.Errorf("expected no mode to run, got %v", app.called)
	}
}

func TestRun_BadFlag(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"--max-iterations", "many"}, &out, newMockApp()); err == nil {
		t.Error("expected parse error")
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}
