package reg

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Layer is a named point set exported as one GeoJSON feature.
type Layer struct {
	Name   string
	Points PointSet
}

// LandmarksGeoJSON builds a FeatureCollection with one MultiPoint feature per
// layer. Coordinates are written as-is in image space, so only 2D sets are
// accepted.
func LandmarksGeoJSON(layers []Layer) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	for _, layer := range layers {
		if layer.Points.IsEmpty() {
			continue
		}
		if layer.Points.Dim() != 2 {
			return nil, invalidf("layer %q is %dD, GeoJSON export needs 2D points", layer.Name, layer.Points.Dim())
		}

		mp := make(orb.MultiPoint, layer.Points.Len())
		for i := range mp {
			mp[i] = orb.Point{layer.Points.At(i, 0), layer.Points.At(i, 1)}
		}
		centroid, _ := planar.CentroidArea(mp)
		bound := mp.Bound()

		f := geojson.NewFeature(mp)
		f.Properties["name"] = layer.Name
		f.Properties["count"] = len(mp)
		f.Properties["centroid"] = []float64{centroid[0], centroid[1]}
		f.BBox = geojson.NewBBox(bound)
		fc.Append(f)
	}
	return fc, nil
}

// WriteGeoJSON writes the layers as a GeoJSON file.
func WriteGeoJSON(path string, layers []Layer) error {
	fc, err := LandmarksGeoJSON(layers)
	if err != nil {
		return err
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling GeoJSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing GeoJSON file: %w", err)
	}
	return nil
}
