package indoor

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Scene element colors
var (
	RenderBackground = color.RGBA{240, 240, 240, 255}
	SourceColor      = color.RGBA{0, 0, 139, 255}     // Dark blue squares
	InlierRingColor  = color.RGBA{46, 139, 87, 255}   // Sea green range circles
	OutlierRingColor = color.RGBA{190, 190, 190, 255} // Ghosted outlier circles
	EstimateColor    = color.RGBA{220, 20, 60, 255}   // Crimson estimate marker
	AccuracyFill     = color.NRGBA{220, 20, 60, 60}   // Translucent accuracy disc
	LabelColor       = color.RGBA{0, 0, 0, 255}
)

// SceneRenderer renders an estimation scene into a raster image. 3D scenes
// are projected onto the XY plane; range circles use the measured range as
// radius.
type SceneRenderer struct {
	Scene   *Scene
	Scale   float64 // Pixels per meter
	Padding int     // Padding around the image
}

// NewSceneRenderer creates a renderer with default settings
func NewSceneRenderer(scene *Scene) *SceneRenderer {
	return &SceneRenderer{
		Scene:   scene,
		Scale:   50.0, // 50 pixels per meter
		Padding: 30,
	}
}

// CalculateBounds computes the bounding box of the drawable scene content:
// sources, range circles and the estimate with its accuracy disc.
func (r *SceneRenderer) CalculateBounds() (minX, minY, maxX, maxY float64) {
	return r.Scene.Bounds()
}

// Render creates the scene image
func (r *SceneRenderer) Render() *image.RGBA {
	// Calculate bounds
	minX, minY, maxX, maxY := r.CalculateBounds()

	// Calculate image dimensions
	width := int((maxX-minX)*r.Scale) + 2*r.Padding
	height := int((maxY-minY)*r.Scale) + 2*r.Padding

	// Limit size
	if width > 4000 {
		r.Scale *= float64(4000) / float64(width)
		width = 4000
		height = int((maxY-minY)*r.Scale) + 2*r.Padding
	}
	if height > 4000 {
		r.Scale *= float64(4000) / float64(height)
		height = 4000
		width = int((maxX-minX)*r.Scale) + 2*r.Padding
	}

	// If bounds are invalid (e.g., empty scene), ensure positive dimensions
	if width <= 0 || height <= 0 {
		minSize := 1
		if 2*r.Padding+1 > minSize {
			minSize = 2*r.Padding + 1
		}
		if width <= 0 {
			width = minSize
		}
		if height <= 0 {
			height = minSize
		}
	}

	// Create image with background
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, RenderBackground)
		}
	}

	if r.Scene == nil {
		return img
	}

	// Helper to convert scene coords to image coords. Scene Y grows up,
	// image Y grows down.
	toImage := func(x, y float64) (int, int) {
		ix := int((x-minX)*r.Scale) + r.Padding
		iy := height - (int((y-minY)*r.Scale) + r.Padding)
		return ix, iy
	}

	// First pass: outlier range circles (ghosted, dashed)
	for _, s := range r.Scene.Samples {
		if s.Inlier || len(s.Position) < 2 || s.Distance <= 0 {
			continue
		}
		cx, cy := toImage(s.Position[0], s.Position[1])
		drawDashedRing(img, cx, cy, int(s.Distance*r.Scale), OutlierRingColor)
	}

	// Second pass: consensus range circles
	for _, s := range r.Scene.Samples {
		if !s.Inlier || len(s.Position) < 2 || s.Distance <= 0 {
			continue
		}
		cx, cy := toImage(s.Position[0], s.Position[1])
		drawRing(img, cx, cy, int(s.Distance*r.Scale), InlierRingColor)
	}

	// Third pass: accuracy disc under the estimate marker
	if len(r.Scene.Estimate) >= 2 && r.Scene.Accuracy > 0 {
		cx, cy := toImage(r.Scene.Estimate[0], r.Scene.Estimate[1])
		drawBlendedDisc(img, cx, cy, int(r.Scene.Accuracy*r.Scale), AccuracyFill)
	}

	// Fourth pass: sources as squares with their IDs
	for i := range r.Scene.Sources {
		src := &r.Scene.Sources[i]
		if len(src.Position) < 2 {
			continue
		}
		ix, iy := toImage(src.Position[0], src.Position[1])
		drawSquare(img, ix, iy, 8, SourceColor)
		if src.ID != "" {
			drawText(img, ix+8, iy-6, src.ID, LabelColor)
		}
	}

	// Fifth pass: estimate as filled circle with crosshair
	if len(r.Scene.Estimate) >= 2 {
		ix, iy := toImage(r.Scene.Estimate[0], r.Scene.Estimate[1])
		drawCircle(img, ix, iy, 5, EstimateColor)
		drawCrosshair(img, ix, iy, 11, LabelColor)
	}

	// Add legend
	r.drawLegend(img)

	return img
}

// EncodePNG renders the scene and writes it as PNG
func (r *SceneRenderer) EncodePNG(w io.Writer) error {
	return png.Encode(w, r.Render())
}

// SavePNG saves the scene image to a file
func (r *SceneRenderer) SavePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return r.EncodePNG(f)
}

// RenderScenePNG is a convenience function to render a scene with default
// settings
func RenderScenePNG(scene *Scene, outputPath string) error {
	return NewSceneRenderer(scene).SavePNG(outputPath)
}

// drawLegend adds a legend with text labels to the image
func (r *SceneRenderer) drawLegend(img *image.RGBA) {
	y := 15

	if r.Scene.DeviceID != "" {
		label := r.Scene.DeviceID
		if len(r.Scene.Estimate) > 0 {
			label = fmt.Sprintf("%s  acc %.2fm  %d/%d inliers",
				r.Scene.DeviceID, r.Scene.Accuracy, r.Scene.NumInliers, len(r.Scene.Samples))
		}
		drawText(img, 10, y, label, LabelColor)
		y += 18
	}

	entries := []struct {
		c     color.RGBA
		label string
	}{
		{SourceColor, "source"},
		{InlierRingColor, "range (inlier)"},
		{OutlierRingColor, "range (outlier)"},
		{EstimateColor, "estimate"},
	}

	for _, e := range entries {
		// Draw color swatch (12x12 square)
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.Set(10+dx, y+dy-6, e.c)
			}
		}

		drawText(img, 28, y, e.label, LabelColor)

		y += 18
	}
}

// blendColors performs alpha blending of two colors
func blendColors(bg color.RGBA, fg color.NRGBA) color.NRGBA {
	// Convert RGBA background to NRGBA for proper blending
	// RGBA is premultiplied, so we need to un-premultiply it first
	var bgNRGBA color.NRGBA
	switch bg.A {
	case 0:
		bgNRGBA = color.NRGBA{0, 0, 0, 0}
	case 255:
		bgNRGBA = color.NRGBA{bg.R, bg.G, bg.B, 255}
	default:
		// Un-premultiply: divide RGB by alpha
		alpha32 := uint32(bg.A)
		bgNRGBA = color.NRGBA{
			R: uint8((uint32(bg.R) * 255) / alpha32),
			G: uint8((uint32(bg.G) * 255) / alpha32),
			B: uint8((uint32(bg.B) * 255) / alpha32),
			A: bg.A,
		}
	}

	// Now perform standard alpha blending with non-premultiplied colors
	alpha := float64(fg.A) / 255.0
	invAlpha := 1.0 - alpha

	return color.NRGBA{
		R: uint8(float64(fg.R)*alpha + float64(bgNRGBA.R)*invAlpha),
		G: uint8(float64(fg.G)*alpha + float64(bgNRGBA.G)*invAlpha),
		B: uint8(float64(fg.B)*alpha + float64(bgNRGBA.B)*invAlpha),
		A: 255,
	}
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				x, y := cx+dx, cy+dy
				if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
					img.Set(x, y, c)
				}
			}
		}
	}
}

// drawBlendedDisc draws a filled circle alpha-blended over the existing image
func drawBlendedDisc(img *image.RGBA, cx, cy, radius int, c color.NRGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				x, y := cx+dx, cy+dy
				if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
					existing := img.RGBAAt(x, y)
					img.Set(x, y, blendColors(existing, c))
				}
			}
		}
	}
}

// drawSquare draws a filled square
func drawSquare(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			x, y := cx+dx, cy+dy
			if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
				img.Set(x, y, c)
			}
		}
	}
}

// drawRing draws a circle outline about two pixels wide
func drawRing(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	if radius <= 0 {
		return
	}
	rOuter := float64(radius) + 0.5
	rInner := float64(radius) - 1.5
	for dy := -radius - 1; dy <= radius+1; dy++ {
		for dx := -radius - 1; dx <= radius+1; dx++ {
			dist := math.Hypot(float64(dx), float64(dy))
			if dist <= rOuter && dist >= rInner {
				x, y := cx+dx, cy+dy
				if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
					img.Set(x, y, c)
				}
			}
		}
	}
}

// drawDashedRing draws a circle outline with angular gaps, 6 degrees on and
// 6 degrees off
func drawDashedRing(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	if radius <= 0 {
		return
	}
	rOuter := float64(radius) + 0.5
	rInner := float64(radius) - 1.5
	dashStep := math.Pi / 30
	for dy := -radius - 1; dy <= radius+1; dy++ {
		for dx := -radius - 1; dx <= radius+1; dx++ {
			dist := math.Hypot(float64(dx), float64(dy))
			if dist > rOuter || dist < rInner {
				continue
			}
			angle := math.Atan2(float64(dy), float64(dx)) + math.Pi
			if int(angle/dashStep)%2 != 0 {
				continue
			}
			x, y := cx+dx, cy+dy
			if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
				img.Set(x, y, c)
			}
		}
	}
}

// drawCrosshair draws centered horizontal and vertical lines
func drawCrosshair(img *image.RGBA, cx, cy, arm int, c color.RGBA) {
	for d := -arm; d <= arm; d++ {
		if x := cx + d; x >= 0 && x < img.Bounds().Max.X && cy >= 0 && cy < img.Bounds().Max.Y {
			img.Set(x, cy, c)
		}
		if y := cy + d; cx >= 0 && cx < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
			img.Set(cx, y, c)
		}
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
