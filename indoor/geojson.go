package indoor

import (
	"encoding/json"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
)

// GeometryType represents the GeoJSON geometry type
type GeometryType string

const (
	GeometryPoint           GeometryType = "Point"
	GeometryLineString      GeometryType = "LineString"
	GeometryPolygon         GeometryType = "Polygon"
	GeometryMultiPoint      GeometryType = "MultiPoint"
	GeometryMultiLineString GeometryType = "MultiLineString"
	GeometryMultiPolygon    GeometryType = "MultiPolygon"
)

// Geometry represents a GeoJSON geometry object
type Geometry struct {
	Type        GeometryType    `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Feature represents a GeoJSON feature with geometry and properties
type Feature struct {
	Type       string                 `json:"type"`
	Geometry   *Geometry              `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
	ID         interface{}            `json:"id,omitempty"`
}

// FeatureCollection represents a GeoJSON FeatureCollection
type FeatureCollection struct {
	Type     string     `json:"type"`
	Features []*Feature `json:"features"`
}

// NewFeatureCollection creates a new empty FeatureCollection
func NewFeatureCollection() *FeatureCollection {
	return &FeatureCollection{
		Type:     "FeatureCollection",
		Features: make([]*Feature, 0),
	}
}

// AddFeature appends a feature to the collection
func (fc *FeatureCollection) AddFeature(f *Feature) {
	fc.Features = append(fc.Features, f)
}

// NewFeature creates a Feature with the given geometry and properties
func NewFeature(geom *Geometry, props map[string]interface{}) *Feature {
	if props == nil {
		props = make(map[string]interface{})
	}
	return &Feature{
		Type:       "Feature",
		Geometry:   geom,
		Properties: props,
	}
}

// PointGeometry converts a coordinate slice to a GeoJSON Point geometry.
// Coordinates are in scene/meter space; 3D positions keep their z.
func PointGeometry(coords []float64) *Geometry {
	coordsJSON, _ := json.Marshal(coords)
	return &Geometry{
		Type:        GeometryPoint,
		Coordinates: coordsJSON,
	}
}

// RingToPolygon converts a closed orb.Ring to a GeoJSON Polygon geometry
// Coordinates are in scene/meter space (x, y)
func RingToPolygon(ring orb.Ring) *Geometry {
	coords := make([][2]float64, len(ring))
	for i, p := range ring {
		coords[i] = [2]float64{p[0], p[1]}
	}

	// Close the ring if not already closed
	if len(coords) > 0 {
		first := coords[0]
		last := coords[len(coords)-1]
		if first[0] != last[0] || first[1] != last[1] {
			coords = append(coords, first)
		}
	}

	// GeoJSON Polygon coordinates are an array of linear rings
	rings := [][][2]float64{coords}

	coordsJSON, _ := json.Marshal(rings)
	return &Geometry{
		Type:        GeometryPolygon,
		Coordinates: coordsJSON,
	}
}

// RangeCircle builds a closed counter-clockwise ring approximating the circle
// of the given radius around (cx, cy). Returns nil for non-positive radii.
func RangeCircle(cx, cy, radius float64, segments int) orb.Ring {
	if radius <= 0 {
		return nil
	}
	if segments < 8 {
		segments = 64
	}

	ring := make(orb.Ring, 0, segments+1)
	for i := 0; i < segments; i++ {
		angle := 2 * math.Pi * float64(i) / float64(segments)
		ring = append(ring, orb.Point{
			cx + radius*math.Cos(angle),
			cy + radius*math.Sin(angle),
		})
	}
	ring = append(ring, ring[0])
	return ring
}

// SimplifyRing applies the Douglas-Peucker algorithm to reduce the number of
// points in a ring while preserving its shape within the given tolerance.
// A non-positive tolerance returns the ring unchanged.
func SimplifyRing(ring orb.Ring, tolerance float64) orb.Ring {
	if len(ring) == 0 || tolerance <= 0 {
		return ring
	}

	simplified := simplify.DouglasPeucker(tolerance).Simplify(ring.Clone())
	result, ok := simplified.(orb.Ring)
	if !ok {
		return ring
	}
	return result
}

// SourceFeature converts a located source to a GeoJSON Point feature.
func SourceFeature(src *Source) *Feature {
	if src == nil || len(src.Position) == 0 {
		return nil
	}

	props := map[string]interface{}{
		"featureType":      "source",
		"id":               src.ID,
		"transmitPower":    src.TransmitPower,
		"pathLossExponent": src.Exponent(),
	}
	return NewFeature(PointGeometry(src.Position), props)
}

// EstimateFeature converts the scene's estimated position to a GeoJSON Point
// feature with its accuracy properties. Returns nil when the scene has no
// estimate yet.
func EstimateFeature(scene *Scene) *Feature {
	if scene == nil || len(scene.Estimate) == 0 {
		return nil
	}

	props := map[string]interface{}{
		"featureType": "estimate",
		"numInliers":  scene.NumInliers,
	}
	if scene.DeviceID != "" {
		props["deviceId"] = scene.DeviceID
	}
	if scene.Accuracy > 0 {
		props["accuracy"] = scene.Accuracy
	}
	return NewFeature(PointGeometry(scene.Estimate), props)
}

// RangeCircleFeature converts one range sample to a GeoJSON Polygon feature:
// the circle of the measured range around the source, drawn in the XY plane
// and simplified with Douglas-Peucker at the given tolerance.
func RangeCircleFeature(sample SceneSample, tolerance float64) *Feature {
	if len(sample.Position) < 2 {
		return nil
	}
	ring := RangeCircle(sample.Position[0], sample.Position[1], sample.Distance, 0)
	if ring == nil {
		return nil
	}
	ring = SimplifyRing(ring, tolerance)

	props := map[string]interface{}{
		"featureType": "range",
		"sourceId":    sample.SourceID,
		"distance":    sample.Distance,
		"inlier":      sample.Inlier,
	}
	return NewFeature(RingToPolygon(ring), props)
}

// SceneToFeatureCollection converts a scene to a GeoJSON FeatureCollection:
// every source as a point, the consensus range circles and the estimated
// position on top. Range circles of 3D scenes are drawn in the XY plane with
// the measured range as radius.
func SceneToFeatureCollection(scene *Scene, tolerance float64) *FeatureCollection {
	fc := NewFeatureCollection()

	if scene == nil {
		return fc
	}

	for i := range scene.Sources {
		if feature := SourceFeature(&scene.Sources[i]); feature != nil {
			fc.AddFeature(feature)
		}
	}

	for _, sample := range scene.Samples {
		if !sample.Inlier {
			continue
		}
		if feature := RangeCircleFeature(sample, tolerance); feature != nil {
			fc.AddFeature(feature)
		}
	}

	if feature := EstimateFeature(scene); feature != nil {
		fc.AddFeature(feature)
	}

	return fc
}
