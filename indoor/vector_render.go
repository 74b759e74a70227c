package indoor

import (
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha
// This is needed for the canvas library which expects premultiplied RGBA
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	// Premultiply: multiply RGB by alpha
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// VectorSceneRenderer renders an estimation scene as vector graphics. Canvas
// units are meters; Resolution sets the pixels per meter of the PNG output.
type VectorSceneRenderer struct {
	Scene       *Scene
	Padding     float64           // Padding in meters
	Resolution  canvas.Resolution // Resolution for PNG output
	GridSpacing float64           // Grid line spacing in meters
}

// NewVectorSceneRenderer creates a vector renderer with default settings
func NewVectorSceneRenderer(scene *Scene) *VectorSceneRenderer {
	return &VectorSceneRenderer{
		Scene:       scene,
		Padding:     1.0,
		Resolution:  canvas.DPMM(50.0), // 50 pixels per meter
		GridSpacing: 1.0,
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// bounds returns the scene bounds expanded by the padding and rounded out to
// the grid spacing, so grid lines meet the viewport edges.
func (r *VectorSceneRenderer) bounds() (minX, minY, maxX, maxY float64) {
	minX, minY, maxX, maxY = r.Scene.Bounds()
	minX -= r.Padding
	minY -= r.Padding
	maxX += r.Padding
	maxY += r.Padding

	if r.GridSpacing > 0 {
		minX = math.Floor(minX/r.GridSpacing) * r.GridSpacing
		minY = math.Floor(minY/r.GridSpacing) * r.GridSpacing
		maxX = math.Ceil(maxX/r.GridSpacing) * r.GridSpacing
		maxY = math.Ceil(maxY/r.GridSpacing) * r.GridSpacing
	}
	return minX, minY, maxX, maxY
}

// RenderToSVG writes the scene as an SVG to the provided writer
func (r *VectorSceneRenderer) RenderToSVG(w io.Writer) error {
	minX, minY, maxX, maxY := r.bounds()

	width := maxX - minX
	height := maxY - minY

	svgRenderer := svg.New(w, width, height, nil)

	r.renderToCanvas(svgRenderer, minX, minY, maxX, maxY, width, height)

	return svgRenderer.Close()
}

// RenderToPNG writes the scene as a PNG to the provided writer
func (r *VectorSceneRenderer) RenderToPNG(w io.Writer) error {
	minX, minY, maxX, maxY := r.bounds()

	width := maxX - minX
	height := maxY - minY

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)

	r.renderToCanvas(rast, minX, minY, maxX, maxY, width, height)

	// Rasterizer implements draw.Image interface, which embeds image.Image
	return png.Encode(w, rast)
}

// SaveSVG saves the scene as an SVG file
func (r *VectorSceneRenderer) SaveSVG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return r.RenderToSVG(f)
}

// SavePNG saves the rasterized scene as a PNG file
func (r *VectorSceneRenderer) SavePNG(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return r.RenderToPNG(f)
}

// renderToCanvas renders the scene to a canvas renderer (shared logic for SVG
// and PNG). Canvas Y grows up, matching the scene's coordinate system.
func (r *VectorSceneRenderer) renderToCanvas(renderer canvasRenderer, minX, minY, maxX, maxY, width, height float64) {
	// Draw white background
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	// Helper to transform scene points to canvas points
	toCanvas := func(x, y float64) (float64, float64) {
		return x - minX, y - minY
	}

	if r.Scene == nil {
		return
	}

	// Grid lines
	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.02
		gridStyle.Dashes = []float64{0.1, 0.1}

		// Vertical grid lines
		for x := minX; x <= maxX; x += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(x, minY)
			x2, y2 := toCanvas(x, maxY)
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}

		// Horizontal grid lines
		for y := minY; y <= maxY; y += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(minX, y)
			x2, y2 := toCanvas(maxX, y)
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	// Outlier range circles (ghosted, dashed)
	outlierStyle := canvas.DefaultStyle
	outlierStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	outlierStyle.Stroke = canvas.Paint{Color: OutlierRingColor}
	outlierStyle.StrokeWidth = 0.03
	outlierStyle.Dashes = []float64{0.1, 0.1}

	for _, s := range r.Scene.Samples {
		if s.Inlier || len(s.Position) < 2 || s.Distance <= 0 {
			continue
		}
		cx, cy := toCanvas(s.Position[0], s.Position[1])
		circle := canvas.Circle(s.Distance).Translate(cx, cy)
		renderer.RenderPath(circle, outlierStyle, canvas.Identity)
	}

	// Consensus range circles
	inlierStyle := canvas.DefaultStyle
	inlierStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	inlierStyle.Stroke = canvas.Paint{Color: InlierRingColor}
	inlierStyle.StrokeWidth = 0.03

	for _, s := range r.Scene.Samples {
		if !s.Inlier || len(s.Position) < 2 || s.Distance <= 0 {
			continue
		}
		cx, cy := toCanvas(s.Position[0], s.Position[1])
		circle := canvas.Circle(s.Distance).Translate(cx, cy)
		renderer.RenderPath(circle, inlierStyle, canvas.Identity)
	}

	// Accuracy disc under the estimate marker
	if len(r.Scene.Estimate) >= 2 && r.Scene.Accuracy > 0 {
		discStyle := canvas.DefaultStyle
		discStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(AccuracyFill)}
		discStyle.Stroke = canvas.Paint{Color: canvas.Transparent}

		cx, cy := toCanvas(r.Scene.Estimate[0], r.Scene.Estimate[1])
		disc := canvas.Circle(r.Scene.Accuracy).Translate(cx, cy)
		renderer.RenderPath(disc, discStyle, canvas.Identity)
	}

	// Sources as squares
	sourceStyle := canvas.DefaultStyle
	sourceStyle.Fill = canvas.Paint{Color: SourceColor}
	sourceStyle.Stroke = canvas.Paint{Color: canvas.Black}
	sourceStyle.StrokeWidth = 0.01

	const squareSize = 0.16
	for i := range r.Scene.Sources {
		p := r.Scene.Sources[i].Position
		if len(p) < 2 {
			continue
		}
		cx, cy := toCanvas(p[0], p[1])
		square := canvas.Rectangle(squareSize, squareSize)
		square = square.Translate(cx-squareSize/2, cy-squareSize/2)
		renderer.RenderPath(square, sourceStyle, canvas.Identity)
	}

	// Estimate as filled circle with crosshair
	if len(r.Scene.Estimate) >= 2 {
		cx, cy := toCanvas(r.Scene.Estimate[0], r.Scene.Estimate[1])

		markerStyle := canvas.DefaultStyle
		markerStyle.Fill = canvas.Paint{Color: EstimateColor}
		markerStyle.Stroke = canvas.Paint{Color: canvas.Black}
		markerStyle.StrokeWidth = 0.015

		marker := canvas.Circle(0.1).Translate(cx, cy)
		renderer.RenderPath(marker, markerStyle, canvas.Identity)

		crossStyle := canvas.DefaultStyle
		crossStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		crossStyle.Stroke = canvas.Paint{Color: canvas.Black}
		crossStyle.StrokeWidth = 0.015

		const arm = 0.22
		horizontal := &canvas.Path{}
		horizontal.MoveTo(cx-arm, cy)
		horizontal.LineTo(cx+arm, cy)
		renderer.RenderPath(horizontal, crossStyle, canvas.Identity)

		vertical := &canvas.Path{}
		vertical.MoveTo(cx, cy-arm)
		vertical.LineTo(cx, cy+arm)
		renderer.RenderPath(vertical, crossStyle, canvas.Identity)
	}

	// Source and device labels need a loaded font family in tdewolff/canvas;
	// the raster renderer carries the text.
}
