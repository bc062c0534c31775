package reg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLandmarksGeoJSON(t *testing.T) {
	fixed := mustPointSet(t, [][]float64{{0, 0}, {2, 0}, {2, 2}, {0, 2}})
	moving := mustPointSet(t, [][]float64{{1, 1}, {3, 1}})

	fc, err := LandmarksGeoJSON([]Layer{
		{Name: "fixed", Points: fixed},
		{Name: "moving", Points: moving},
		{Name: "empty"},
	})
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)

	f := fc.Features[0]
	assert.Equal(t, "fixed", f.Properties["name"])
	assert.Equal(t, 4, f.Properties["count"])
	mp, ok := f.Geometry.(orb.MultiPoint)
	require.True(t, ok)
	assert.Equal(t, orb.Point{2, 2}, mp[2])
	assert.Equal(t, []float64{1, 1}, f.Properties["centroid"])
}

func TestLandmarksGeoJSON_Rejects3D(t *testing.T) {
	_, err := LandmarksGeoJSON([]Layer{{Name: "ct", Points: mustPointSet(t, randomRows(40, 4, 3))}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestWriteGeoJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "landmarks.geojson")
	require.NoError(t, WriteGeoJSON(path, []Layer{{Name: "registered", Points: mustPointSet(t, randomRows(41, 5, 2))}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "MultiPoint", fc.Features[0].Geometry.GeoJSONType())

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "FeatureCollection", raw["type"])
}
