package mesh

import (
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// snapCoord rounds a coordinate to the nearest multiple of the given increment.
// An increment of 0 disables snapping and returns the coordinate unchanged.
func snapCoord(coord, increment float64) float64 {
	if increment <= 0 {
		return coord
	}
	return math.Round(coord/increment) * increment
}

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha
// This is needed for the canvas library which expects premultiplied RGBA
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// VectorRenderer renders scenes and actor positions as vector graphics.
// Canvas units are millimeters.
type VectorRenderer struct {
	Scale       float64           // millimeters per meter
	Padding     float64           // millimeters around the drawn area
	MaxSize     float64           // longest side of the drawn area in millimeters; 0 disables
	Resolution  canvas.Resolution // resolution for PNG output
	GridSpacing float64           // grid line spacing in meters; 0 disables
}

// NewVectorRenderer creates a vector renderer with default settings
func NewVectorRenderer() *VectorRenderer {
	return &VectorRenderer{
		Scale:       10,
		Padding:     10,
		MaxSize:     2000,
		Resolution:  canvas.DPI(300),
		GridSpacing: 5,
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// layout is a prepared drawing: the cells, the view and the canvas size.
type layout struct {
	cells         []renderCell
	view          view
	empty         bool
	scale         float64
	width, height float64
}

func (r *VectorRenderer) layout(scenes []*Scene, positions map[string]*LivePosition) layout {
	cells := collectCells(scenes)
	v, ok := newView(cells, positions)
	if !ok {
		return layout{empty: true, width: 2 * r.Padding, height: 2 * r.Padding}
	}
	scale := fitScale(v, r.Scale, r.MaxSize)
	wm, hm := v.size()
	return layout{
		cells:  cells,
		view:   v,
		scale:  scale,
		width:  wm*scale + 2*r.Padding,
		height: hm*scale + 2*r.Padding,
	}
}

// RenderToSVG writes the scenes as an SVG to the provided writer
func (r *VectorRenderer) RenderToSVG(w io.Writer, scenes []*Scene, positions map[string]*LivePosition) error {
	l := r.layout(scenes, positions)
	svgRenderer := svg.New(w, l.width, l.height, nil)
	r.renderToCanvas(svgRenderer, l, positions)
	return svgRenderer.Close()
}

// RenderToPNG writes the scenes as a PNG to the provided writer
func (r *VectorRenderer) RenderToPNG(w io.Writer, scenes []*Scene, positions map[string]*LivePosition) error {
	l := r.layout(scenes, positions)
	rast := rasterizer.New(l.width, l.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, l, positions)
	return png.Encode(w, rast)
}

// toCanvas converts a geographic point to canvas coordinates. The canvas
// y axis points up, so north stays up.
func (r *VectorRenderer) toCanvas(l layout, p orb.Point) (float64, float64) {
	x, y := l.view.meters(p)
	return r.Padding + x*l.scale, l.height - r.Padding - y*l.scale
}

// renderToCanvas draws the layout (shared logic for SVG and PNG)
func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, l layout, positions map[string]*LivePosition) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	bgStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	renderer.RenderPath(canvas.Rectangle(l.width, l.height), bgStyle, canvas.Identity)

	if l.empty {
		return
	}

	for _, c := range l.cells {
		x0, y0 := r.toCanvas(l, c.bound.Min)
		x1, y1 := r.toCanvas(l, c.bound.Max)

		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: nrgbaToRGBA(stateFill(c.state, c.confidence))}
		style.Stroke = canvas.Paint{Color: color.RGBA{0, 0, 0, 40}}
		style.StrokeWidth = math.Min(0.2, (x1-x0)/20)

		cell := canvas.Rectangle(x1-x0, y1-y0).Translate(x0, y0)
		renderer.RenderPath(cell, style, canvas.Identity)
	}

	r.renderGrid(renderer, l)

	for _, id := range sortedActorIDs(positions) {
		pos := positions[id]
		cx, cy := r.toCanvas(l, orb.Point{pos.Lon, pos.Lat})
		actorColor := parseHexColor(pos.Color)

		bodyStyle := canvas.DefaultStyle
		bodyStyle.Fill = canvas.Paint{Color: actorColor}
		bodyStyle.Stroke = canvas.Paint{Color: canvas.Black}
		bodyStyle.StrokeWidth = 0.5

		radius := 3.0
		renderer.RenderPath(canvas.Circle(radius).Translate(cx, cy), bodyStyle, canvas.Identity)

		// Heading is clockwise from north; canvas y points up.
		rad := pos.Heading * math.Pi / 180
		dirLen := 2 * radius
		dirStyle := canvas.DefaultStyle
		dirStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		dirStyle.Stroke = canvas.Paint{Color: canvas.Black}
		dirStyle.StrokeWidth = 0.8

		dirPath := &canvas.Path{}
		dirPath.MoveTo(cx, cy)
		dirPath.LineTo(cx+dirLen*math.Sin(rad), cy+dirLen*math.Cos(rad))
		renderer.RenderPath(dirPath, dirStyle, canvas.Identity)
	}
}

// renderGrid draws dashed lines every GridSpacing meters, aligned to the
// north-west corner of the view.
func (r *VectorRenderer) renderGrid(renderer canvasRenderer, l layout) {
	if r.GridSpacing <= 0 {
		return
	}
	gridStyle := canvas.DefaultStyle
	gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
	gridStyle.StrokeWidth = 0.2
	gridStyle.Dashes = []float64{1, 1}

	wm, hm := l.view.size()
	for x := 0.0; x <= snapCoord(wm, r.GridSpacing); x += r.GridSpacing {
		if x > wm {
			break
		}
		cx := r.Padding + x*l.scale
		p := &canvas.Path{}
		p.MoveTo(cx, r.Padding)
		p.LineTo(cx, l.height-r.Padding)
		renderer.RenderPath(p, gridStyle, canvas.Identity)
	}
	for y := 0.0; y <= snapCoord(hm, r.GridSpacing); y += r.GridSpacing {
		if y > hm {
			break
		}
		cy := l.height - r.Padding - y*l.scale
		p := &canvas.Path{}
		p.MoveTo(r.Padding, cy)
		p.LineTo(l.width-r.Padding, cy)
		renderer.RenderPath(p, gridStyle, canvas.Identity)
	}
}
