package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kwv/simplereg/reg"
)

// maxRequestBytes bounds POST bodies.
const maxRequestBytes = 8 << 20

// errTooManyPairs rejects registrations whose correspondence matrix would
// exceed the configured size.
var errTooManyPairs = errors.New("too many point pairs")

type registerRequest struct {
	Task   string          `json:"task"`
	Fixed  [][]float64     `json:"fixed"`
	Moving [][]float64     `json:"moving"`
	Paired bool            `json:"paired"`
	CPD    json.RawMessage `json:"cpd,omitempty"` // fields override the service's CPD config
}

type transformRequest struct {
	Rotation    []float64   `json:"rotation"` // row-major D×D
	Translation []float64   `json:"translation"`
	Points      [][]float64 `json:"points"`
	Inverse     bool        `json:"inverse"`
}

type errorResponse struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(store *reg.OutcomeStore, config *reg.Config, publisher *reg.OutcomePublisher) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		writeJSON(w, http.StatusOK, struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Outcomes  int       `json:"outcomes"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Outcomes:  store.Len(),
		})
	})

	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "", err)
			return
		}

		id := uuid.New().String()
		task := req.Task
		if task == "" {
			task = id
		}
		log.Printf("[HTTP] /register %s: %d fixed, %d moving, paired=%t", task, len(req.Fixed), len(req.Moving), req.Paired)

		rec, err := registerPosted(id, task, req, config.CPD, config.Service.MaxPointPairs)
		if err != nil {
			rec = reg.NewFailedRecord(id, task, err)
		}
		if serr := store.Put(rec); serr != nil {
			log.Printf("[HTTP] Warning: failed to save outcome %s: %v", id, serr)
		}
		if err != nil {
			log.Printf("[HTTP] /register %s failed: %v", task, err)
			writeError(w, statusFor(err), id, err)
			return
		}
		if publisher != nil {
			if perr := publisher.Publish(rec); perr != nil {
				log.Printf("[HTTP] Error publishing outcome for %s: %v", task, perr)
			}
		}
		writeJSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("GET /outcomes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, store.List())
	})

	mux.HandleFunc("GET /outcomes/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		rec, ok := store.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, id, fmt.Errorf("no outcome %q", id))
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("POST /transform", func(w http.ResponseWriter, r *http.Request) {
		var req transformRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "", err)
			return
		}
		points, err := transformPosted(req)
		if err != nil {
			writeError(w, statusFor(err), "", err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Points [][]float64 `json:"points"`
		}{points})
	})

	return mux
}

// registerPosted runs one registration from a decoded request.
func registerPosted(id, task string, req registerRequest, base reg.CPDConfig, maxPairs int) (reg.OutcomeRecord, error) {
	if pairs := len(req.Fixed) * len(req.Moving); !req.Paired && pairs > maxPairs {
		return reg.OutcomeRecord{}, fmt.Errorf("%w: %d fixed × %d moving exceeds %d",
			errTooManyPairs, len(req.Fixed), len(req.Moving), maxPairs)
	}
	cfg := base
	cfg.Verbose = false
	if len(req.CPD) > 0 {
		if err := json.Unmarshal(req.CPD, &cfg); err != nil {
			return reg.OutcomeRecord{}, fmt.Errorf("%w: cpd overrides: %v", reg.ErrInvalidInput, err)
		}
	}
	fixed, err := reg.NewPointSet(req.Fixed)
	if err != nil {
		return reg.OutcomeRecord{}, fmt.Errorf("fixed: %w", err)
	}
	moving, err := reg.NewPointSet(req.Moving)
	if err != nil {
		return reg.OutcomeRecord{}, fmt.Errorf("moving: %w", err)
	}
	rec, _, err := reg.RegisterPointSets(id, task, fixed, moving, cfg, req.Paired)
	return rec, err
}

func transformPosted(req transformRequest) ([][]float64, error) {
	t, err := reg.NewRigidTransform(req.Rotation, req.Translation, 1e-6)
	if err != nil {
		return nil, err
	}
	if req.Inverse {
		t = t.Inverse()
	}
	ps, err := reg.NewPointSet(req.Points)
	if err != nil {
		return nil, err
	}
	out, err := t.Apply(ps)
	if err != nil {
		return nil, err
	}
	return out.Rows(), nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// statusFor maps registration errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errTooManyPairs):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, reg.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, reg.ErrDegenerateInput), errors.Is(err, reg.ErrNumericalInstability):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, id string, err error) {
	writeJSON(w, status, errorResponse{ID: id, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Error encoding response: %v", err)
	}
}
