package reg

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestOutcomeStore_PutGetList(t *testing.T) {
	s := NewOutcomeStore()
	require.NoError(t, s.Put(sampleRecord("b")))
	require.NoError(t, s.Put(sampleRecord("a")))
	require.NoError(t, s.Put(sampleRecord("b")))

	assert.Equal(t, 2, s.Len())
	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID, "insertion order is kept on replace")
	assert.Equal(t, "a", list[1].ID)

	_, ok := s.Get("missing")
	assert.False(t, ok)
	rec, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "paired", rec.Method)
}

func TestOutcomeStore_Cache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "outcomes.json")
	s, err := NewOutcomeStoreWithCache(path)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())

	tr := RigidTransform{Rotation: RotationFromAngle(0.7), Translation: mat.NewVecDense(2, []float64{1, 2})}
	require.NoError(t, s.Put(NewCPDRecord("id-1", "pelvis", CPDResult{Transform: tr, Status: StatusConverged, Iterations: 12})))
	require.NoError(t, s.Put(NewFailedRecord("id-2", "skull", errors.New("degenerate input: too few points"))))

	reloaded, err := NewOutcomeStoreWithCache(path)
	require.NoError(t, err)
	require.Equal(t, 2, reloaded.Len())

	rec, ok := reloaded.Get("id-1")
	require.True(t, ok)
	assert.Equal(t, StatusConverged, rec.Status)
	assert.Equal(t, 12, rec.Iterations)
	back, err := rec.Transform()
	require.NoError(t, err)
	assertTransformNear(t, tr, back.Rotation, back.Translation, 1e-12)

	failed, ok := reloaded.Get("id-2")
	require.True(t, ok)
	assert.True(t, failed.Failed())
	_, err = failed.Transform()
	assert.Error(t, err)
}

func TestOutcomeStore_ConcurrentPut(t *testing.T) {
	s, err := NewOutcomeStoreWithCache(filepath.Join(t.TempDir(), "outcomes.json"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Put(sampleRecord(fmt.Sprintf("task-%d", i))))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, s.Len())
}

func TestLoadOutcomes_Corrupt(t *testing.T) {
	path := writeFile(t, t.TempDir(), "outcomes.json", "{not json")
	_, err := LoadOutcomes(path)
	assert.Error(t, err)
}
