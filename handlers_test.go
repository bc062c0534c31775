package main

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/simplereg/reg"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func newTestServer(t *testing.T) (http.Handler, *reg.OutcomeStore, *reg.MockClient) {
	t.Helper()
	store := reg.NewOutcomeStore()
	client := reg.NewMockClient()
	client.SetConnected(true)
	pub := reg.NewOutcomePublisher(client, "test")
	return newHTTPServer(store, reg.DefaultConfig(), pub), store, client
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// rotated returns pts rotated by theta and shifted by (tx, ty).
func rotated(pts [][]float64, theta, tx, ty float64) [][]float64 {
	c, s := math.Cos(theta), math.Sin(theta)
	out := make([][]float64, len(pts))
	for i, p := range pts {
		out[i] = []float64{c*p[0] - s*p[1] + tx, s*p[0] + c*p[1] + ty}
	}
	return out
}

var squareish = [][]float64{{0, 0}, {4, 0}, {4, 2}, {1, 3}, {0, 1.5}, {2.5, 1}}

// ---------------------------------------------------------------------------
// endpoints
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	h, _, _ := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Status   string `json:"status"`
		Outcomes int    `json:"outcomes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.Outcomes)
}

func TestRegister_PairedAndLookup(t *testing.T) {
	h, store, client := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/register", map[string]any{
		"task":   "hand",
		"fixed":  rotated(squareish, 0.4, 1, 2),
		"moving": squareish,
		"paired": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out reg.OutcomeRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "hand", out.Task)
	assert.Equal(t, "paired", out.Method)
	assert.NotEmpty(t, out.ID)
	require.Len(t, out.Angles, 1)
	assert.InDelta(t, 0.4, out.Angles[0], 1e-9)
	assert.InDeltaSlice(t, []float64{1, 2}, out.Translation, 1e-9)

	assert.Equal(t, 1, store.Len())
	assert.Len(t, client.GetPublishedMessages(), 2)
	published, err := client.LastOutcome("test/hand")
	require.NoError(t, err)
	assert.Equal(t, out.ID, published.ID)

	got := do(t, h, http.MethodGet, "/outcomes/"+out.ID, nil)
	require.Equal(t, http.StatusOK, got.Code)
	var again reg.OutcomeRecord
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &again))
	assert.Equal(t, out.ID, again.ID)

	list := do(t, h, http.MethodGet, "/outcomes", nil)
	require.Equal(t, http.StatusOK, list.Code)
	var all []reg.OutcomeRecord
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &all))
	assert.Len(t, all, 1)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/outcomes/unknown", nil).Code)
}

func TestRegister_CPDWithOverrides(t *testing.T) {
	h, _, _ := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/register", map[string]any{
		"fixed":  rotated(squareish, 0.1, 0.5, -0.5),
		"moving": squareish,
		"cpd":    map[string]any{"maxIterations": 200, "normalization": "fixed-columns"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out reg.OutcomeRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "cpd", out.Method)
	assert.Equal(t, out.ID, out.Task, "task defaults to the id")
	assert.InDelta(t, 0.1, out.Angles[0], 1e-3)
}

func TestRegister_ErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		body any
		want int
	}{
		{"bad json", "not an object", http.StatusBadRequest},
		{"unknown field", map[string]any{"fixd": squareish}, http.StatusBadRequest},
		{"empty moving", map[string]any{"fixed": squareish}, http.StatusBadRequest},
		{"dimension mismatch", map[string]any{"fixed": squareish, "moving": [][]float64{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}}, http.StatusBadRequest},
		{"bad cpd override", map[string]any{"fixed": squareish, "moving": squareish, "cpd": map[string]any{"outlierWeight": 1.5}}, http.StatusBadRequest},
		{"degenerate", map[string]any{"fixed": [][]float64{{1, 1}, {1, 1}}, "moving": squareish}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, store, client := newTestServer(t)
			rec := do(t, h, http.MethodPost, "/register", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())

			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
			assert.Empty(t, client.GetPublishedMessages())

			// decoded requests record the failure
			if body.ID != "" {
				stored, ok := store.Get(body.ID)
				require.True(t, ok)
				assert.True(t, stored.Failed())
			}
		})
	}
}

func TestTransform(t *testing.T) {
	h, _, _ := newTestServer(t)
	c, s := math.Cos(0.3), math.Sin(0.3)
	rotation := []float64{c, -s, s, c}

	rec := do(t, h, http.MethodPost, "/transform", map[string]any{
		"rotation":    rotation,
		"translation": []float64{1, 2},
		"points":      squareish,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Points [][]float64 `json:"points"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	want := rotated(squareish, 0.3, 1, 2)
	require.Len(t, out.Points, len(want))
	for i := range want {
		assert.InDeltaSlice(t, want[i], out.Points[i], 1e-12)
	}

	// inverse maps them back
	rec = do(t, h, http.MethodPost, "/transform", map[string]any{
		"rotation":    rotation,
		"translation": []float64{1, 2},
		"points":      want,
		"inverse":     true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	for i := range squareish {
		assert.InDeltaSlice(t, squareish[i], out.Points[i], 1e-12)
	}

	rec = do(t, h, http.MethodPost, "/transform", map[string]any{
		"rotation":    []float64{1, 0, 0, -1},
		"translation": []float64{0, 0},
		"points":      squareish,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reflection rejected")
}

func TestMethodNotAllowed(t *testing.T) {
	h, _, _ := newTestServer(t)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/register", nil).Code)
}

func TestRegister_RejectsTooManyPairs(t *testing.T) {
	cfg := reg.DefaultConfig()
	cfg.Service.MaxPointPairs = 30
	store := reg.NewOutcomeStore()
	h := newHTTPServer(store, cfg, nil)

	// 6 × 6 = 36 pairs
	rec := do(t, h, http.MethodPost, "/register", map[string]any{
		"fixed":  rotated(squareish, 0.1, 0, 0),
		"moving": squareish,
	})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "exceeds 30")
	stored, ok := store.Get(body.ID)
	require.True(t, ok)
	assert.True(t, stored.Failed())

	// paired fits never build the correspondence matrix
	rec = do(t, h, http.MethodPost, "/register", map[string]any{
		"fixed":  rotated(squareish, 0.1, 0, 0),
		"moving": squareish,
		"paired": true,
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cfg.Service.MaxPointPairs = 36
	rec = do(t, h, http.MethodPost, "/register", map[string]any{
		"fixed":  rotated(squareish, 0.1, 0, 0),
		"moving": squareish,
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}
