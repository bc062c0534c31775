package reg

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// BatchJob is one registration task of a batch manifest.
type BatchJob struct {
	Name   string `yaml:"name"`
	Fixed  string `yaml:"fixed"`
	Moving string `yaml:"moving"`
	Output string `yaml:"output,omitempty"` // transform file; empty skips writing
	Paired bool   `yaml:"paired,omitempty"`
}

// BatchManifest lists the jobs of a batch run.
type BatchManifest struct {
	Limit int        `yaml:"limit,omitempty"`
	CPD   *CPDConfig `yaml:"cpd,omitempty"`
	Jobs  []BatchJob `yaml:"jobs"`
}

// LoadBatchManifest reads a manifest. Relative local paths are resolved
// against the manifest's directory.
func LoadBatchManifest(path string) (*BatchManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading batch manifest: %w", err)
	}
	var raw struct {
		Limit int        `yaml:"limit"`
		CPD   yaml.Node  `yaml:"cpd"`
		Jobs  []BatchJob `yaml:"jobs"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing batch manifest: %w", err)
	}
	m := BatchManifest{Limit: raw.Limit, Jobs: raw.Jobs}
	if raw.CPD.Kind != 0 {
		// the cpd section overrides the defaults field by field
		cfg := DefaultCPDConfig()
		if err := raw.CPD.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parsing batch manifest cpd section: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("batch manifest cpd section: %w", err)
		}
		m.CPD = &cfg
	}
	if len(m.Jobs) == 0 {
		return nil, invalidf("batch manifest %s has no jobs", path)
	}

	dir := filepath.Dir(path)
	seen := make(map[string]bool, len(m.Jobs))
	for i := range m.Jobs {
		job := &m.Jobs[i]
		if job.Name == "" {
			job.Name = fmt.Sprintf("job-%d", i)
		}
		if seen[job.Name] {
			return nil, invalidf("duplicate job name %q", job.Name)
		}
		seen[job.Name] = true
		if job.Fixed == "" || job.Moving == "" {
			return nil, invalidf("job %q needs fixed and moving landmarks", job.Name)
		}
		job.Fixed = resolvePath(dir, job.Fixed)
		job.Moving = resolvePath(dir, job.Moving)
		if job.Output != "" {
			job.Output = resolvePath(dir, job.Output)
		}
	}
	return &m, nil
}

func resolvePath(dir, p string) string {
	if IsRemote(p) || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// BatchOptions control RunBatch.
type BatchOptions struct {
	CPD          CPDConfig
	Limit        int // concurrent jobs; <= 0 means one
	FetchOptions []FetchOption
	Store        *OutcomeStore     // optional
	Publisher    *OutcomePublisher // optional
}

// BatchResult pairs a job with its outcome or error.
type BatchResult struct {
	Job    BatchJob
	Record OutcomeRecord
	Err    error
}

// RunBatch runs every job, at most opts.Limit at a time. A failing job never
// affects the others. Jobs not started before ctx is cancelled report the
// context error. Results are in job order.
func RunBatch(ctx context.Context, jobs []BatchJob, opts BatchOptions) []BatchResult {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1
	}

	results := make([]BatchResult, len(jobs))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, job := range jobs {
		g.Go(func() error {
			rec, err := runJob(ctx, job, opts)
			if err != nil {
				log.Printf("[batch] %s failed: %v", job.Name, err)
				rec = NewFailedRecord(job.Name, job.Name, err)
			}
			results[i] = BatchResult{Job: job, Record: rec, Err: err}

			if opts.Store != nil {
				if serr := opts.Store.Put(rec); serr != nil {
					log.Printf("[batch] storing %s: %v", job.Name, serr)
				}
			}
			if opts.Publisher != nil && err == nil {
				if perr := opts.Publisher.Publish(rec); perr != nil {
					log.Printf("[batch] publishing %s: %v", job.Name, perr)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func runJob(ctx context.Context, job BatchJob, opts BatchOptions) (OutcomeRecord, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeRecord{}, err
	}
	fixed, err := LoadLandmarks(ctx, job.Fixed, opts.FetchOptions...)
	if err != nil {
		return OutcomeRecord{}, fmt.Errorf("fixed landmarks: %w", err)
	}
	moving, err := LoadLandmarks(ctx, job.Moving, opts.FetchOptions...)
	if err != nil {
		return OutcomeRecord{}, fmt.Errorf("moving landmarks: %w", err)
	}

	cfg := opts.CPD
	cfg.Verbose = false
	rec, t, err := RegisterPointSets(job.Name, job.Name, fixed, moving, cfg, job.Paired)
	if err != nil {
		return OutcomeRecord{}, err
	}
	if job.Output != "" {
		if err := os.MkdirAll(filepath.Dir(job.Output), 0755); err != nil {
			return OutcomeRecord{}, fmt.Errorf("creating output directory: %w", err)
		}
		if err := WriteRigidTransform(job.Output, t); err != nil {
			return OutcomeRecord{}, err
		}
	}
	log.Printf("[batch] %s: %s after %d iteration(s)", job.Name, rec.Status, rec.Iterations)
	return rec, nil
}

// Failures counts the results that ended in an error.
func Failures(results []BatchResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
