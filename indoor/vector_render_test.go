package indoor

import (
	"bytes"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/tdewolff/canvas"
)

// vectorTestScene builds a compact scene: three sources around an estimate at
// (2, 1.5), each 2.5m away, plus one rejected sample from (4, 4).
func vectorTestScene() *Scene {
	return &Scene{
		DeviceID: "tag-1",
		Sources: []Source{
			{ID: "a", Position: []float64{0, 0}},
			{ID: "b", Position: []float64{4, 0}},
			{ID: "c", Position: []float64{2, 4}},
		},
		Samples: []SceneSample{
			{SourceID: "a", Position: []float64{0, 0}, Distance: 2.5, Inlier: true},
			{SourceID: "b", Position: []float64{4, 0}, Distance: 2.5, Inlier: true},
			{SourceID: "c", Position: []float64{2, 4}, Distance: 2.5, Inlier: true},
			{SourceID: "d", Position: []float64{4, 4}, Distance: 3.5, Inlier: false},
		},
		Estimate:   []float64{2, 1.5},
		Accuracy:   0.4,
		NumInliers: 3,
	}
}

func TestVectorRenderer_Bounds(t *testing.T) {
	r := NewVectorSceneRenderer(vectorTestScene())

	minX, minY, maxX, maxY := r.bounds()

	// Content bounds are (-2.5, -2.5)..(7.5, 7.5) from the range circles.
	// Padding of 1m expands that to (-3.5, -3.5)..(8.5, 8.5), and rounding
	// out to the 1m grid gives (-4, -4)..(9, 9).
	tolerance := 0.01

	if math.Abs(minX-(-4)) > tolerance {
		t.Errorf("minX mismatch: got %.2f, expected -4", minX)
	}
	if math.Abs(minY-(-4)) > tolerance {
		t.Errorf("minY mismatch: got %.2f, expected -4", minY)
	}
	if math.Abs(maxX-9) > tolerance {
		t.Errorf("maxX mismatch: got %.2f, expected 9", maxX)
	}
	if math.Abs(maxY-9) > tolerance {
		t.Errorf("maxY mismatch: got %.2f, expected 9", maxY)
	}
}

func TestVectorRenderer_RenderToSVG(t *testing.T) {
	r := NewVectorSceneRenderer(vectorTestScene())

	var buf bytes.Buffer
	err := r.RenderToSVG(&buf)
	if err != nil {
		t.Fatalf("Failed to render to SVG: %v", err)
	}

	svgContent := buf.String()
	if len(svgContent) == 0 {
		t.Fatal("SVG output is empty")
	}

	// Basic check for SVG tags
	if !bytes.Contains(buf.Bytes(), []byte("<svg")) {
		t.Errorf("Output does not contain <svg tag")
	}
	if !bytes.Contains(buf.Bytes(), []byte("path")) {
		t.Errorf("Output does not contain path elements")
	}

	// Grid lines and the rejected range circle are dashed
	if !bytes.Contains(buf.Bytes(), []byte("stroke-dasharray")) {
		t.Errorf("Output does not contain dashed strokes")
	}

	t.Logf("Generated SVG length: %d", len(svgContent))
}

func TestVectorRenderer_RenderToPNG(t *testing.T) {
	r := NewVectorSceneRenderer(vectorTestScene())

	var buf bytes.Buffer
	err := r.RenderToPNG(&buf)
	if err != nil {
		t.Fatalf("Failed to render to PNG: %v", err)
	}

	pngContent := buf.Bytes()
	if len(pngContent) == 0 {
		t.Fatal("PNG output is empty")
	}

	// Decode PNG to verify it's valid
	img, err := png.Decode(bytes.NewReader(pngContent))
	if err != nil {
		t.Fatalf("Failed to decode PNG: %v", err)
	}

	// 13m x 13m viewport at 50 px/m should come out near 650x650
	bounds := img.Bounds()
	if bounds.Dx() < 640 || bounds.Dx() > 660 {
		t.Errorf("PNG width %d outside expected range around 650", bounds.Dx())
	}
	if bounds.Dy() < 640 || bounds.Dy() > 660 {
		t.Errorf("PNG height %d outside expected range around 650", bounds.Dy())
	}

	t.Logf("Generated PNG size: %d bytes, dimensions: %dx%d", len(pngContent), bounds.Dx(), bounds.Dy())
}

func TestVectorRenderer_PNGWithCustomResolution(t *testing.T) {
	r := NewVectorSceneRenderer(vectorTestScene())
	r.Resolution = canvas.DPMM(10.0) // Lower resolution for faster test

	var buf bytes.Buffer
	err := r.RenderToPNG(&buf)
	if err != nil {
		t.Fatalf("Failed to render to PNG: %v", err)
	}

	img, err := png.Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Failed to decode PNG: %v", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() < 120 || bounds.Dx() > 140 {
		t.Errorf("PNG width %d outside expected range around 130", bounds.Dx())
	}

	t.Logf("PNG at 10 px/m - size: %d bytes, dimensions: %dx%d", buf.Len(), bounds.Dx(), bounds.Dy())
}

func TestVectorRenderer_EmptyScene(t *testing.T) {
	r := NewVectorSceneRenderer(&Scene{})

	var svgBuf bytes.Buffer
	if err := r.RenderToSVG(&svgBuf); err != nil {
		t.Fatalf("Failed to render empty scene to SVG: %v", err)
	}
	if svgBuf.Len() == 0 {
		t.Error("SVG output is empty")
	}

	var pngBuf bytes.Buffer
	if err := r.RenderToPNG(&pngBuf); err != nil {
		t.Fatalf("Failed to render empty scene to PNG: %v", err)
	}

	img, err := png.Decode(bytes.NewReader(pngBuf.Bytes()))
	if err != nil {
		t.Fatalf("Failed to decode PNG: %v", err)
	}

	// Empty bounds padded and grid-rounded give a 2m x 2m viewport
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		t.Errorf("PNG has zero dimensions: %v", bounds)
	}
}

func TestVectorRenderer_NilScene(t *testing.T) {
	r := NewVectorSceneRenderer(nil)

	var buf bytes.Buffer
	if err := r.RenderToSVG(&buf); err != nil {
		t.Fatalf("Failed to render nil scene: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("SVG output is empty")
	}
}

func TestVectorRenderer_SaveFiles(t *testing.T) {
	dir := t.TempDir()
	r := NewVectorSceneRenderer(vectorTestScene())
	r.Resolution = canvas.DPMM(10.0)

	svgPath := filepath.Join(dir, "scene.svg")
	if err := r.SaveSVG(svgPath); err != nil {
		t.Fatalf("Failed to save SVG: %v", err)
	}
	info, err := os.Stat(svgPath)
	if err != nil {
		t.Fatalf("SVG file not written: %v", err)
	}
	if info.Size() == 0 {
		t.Error("SVG file is empty")
	}

	pngPath := filepath.Join(dir, "scene.png")
	if err := r.SavePNG(pngPath); err != nil {
		t.Fatalf("Failed to save PNG: %v", err)
	}
	info, err = os.Stat(pngPath)
	if err != nil {
		t.Fatalf("PNG file not written: %v", err)
	}
	if info.Size() == 0 {
		t.Error("PNG file is empty")
	}
}
