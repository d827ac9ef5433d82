package mesh

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/kwv/pemesh/quadkey"
)

// metersPerDegree is the length of one degree of latitude.
const metersPerDegree = 111320.0

// StateColors are the display colors of the occupancy states at full
// confidence.
var StateColors = map[OccupancyState]color.NRGBA{
	Free:     {46, 204, 113, 255},
	Occupied: {231, 76, 60, 255},
	Unknown:  {149, 165, 166, 255},
}

// renderCell is a scene cell resolved to its tile bounds.
type renderCell struct {
	bound      orb.Bound
	state      OccupancyState
	confidence float64
}

// collectCells resolves the cells of all scenes. A cell that appears in
// several scenes takes the value of the last one.
func collectCells(scenes []*Scene) []renderCell {
	index := make(map[uint64]int)
	var cells []renderCell
	for _, s := range scenes {
		if s == nil {
			continue
		}
		for _, c := range s.Cells {
			q, err := quadkey.FromQuadInt(c.Hash)
			if err != nil {
				continue
			}
			rc := renderCell{
				bound:      q.Bound(),
				state:      c.State.Value,
				confidence: c.State.Confidence,
			}
			if i, ok := index[c.Hash]; ok {
				cells[i] = rc
				continue
			}
			index[c.Hash] = len(cells)
			cells = append(cells, rc)
		}
	}
	return cells
}

// view maps geographic coordinates to meters east and south of the
// north-west corner of everything drawn.
type view struct {
	bound   orb.Bound
	mPerLon float64
}

func newView(cells []renderCell, positions map[string]*LivePosition) (view, bool) {
	var b orb.Bound
	first := true
	extend := func(other orb.Bound) {
		if first {
			b = other
			first = false
			return
		}
		b = b.Union(other)
	}
	for _, c := range cells {
		extend(c.bound)
	}
	for _, p := range positions {
		pt := orb.Point{p.Lon, p.Lat}
		extend(pt.Bound())
	}
	if first {
		return view{}, false
	}
	lat0 := b.Center().Lat() * math.Pi / 180
	return view{bound: b, mPerLon: metersPerDegree * math.Cos(lat0)}, true
}

// size returns the extent of the view in meters.
func (v view) size() (w, h float64) {
	return (v.bound.Max.Lon() - v.bound.Min.Lon()) * v.mPerLon,
		(v.bound.Max.Lat() - v.bound.Min.Lat()) * metersPerDegree
}

// meters returns the offset of p east and south of the north-west corner.
func (v view) meters(p orb.Point) (x, y float64) {
	return (p.Lon() - v.bound.Min.Lon()) * v.mPerLon,
		(v.bound.Max.Lat() - p.Lat()) * metersPerDegree
}

// fitScale shrinks scale so the longest side stays within limit.
func fitScale(v view, scale, limit float64) float64 {
	w, h := v.size()
	longest := math.Max(w, h)
	if limit > 0 && longest*scale > limit {
		return limit / longest
	}
	return scale
}

// stateFill returns the fill color of a cell: the state color with an alpha
// that grows with confidence.
func stateFill(state OccupancyState, confidence float64) color.NRGBA {
	c, ok := StateColors[state]
	if !ok {
		c = StateColors[Unknown]
	}
	confidence = math.Max(0, math.Min(1, confidence))
	c.A = uint8(64 + 191*confidence)
	return c
}

// GridRenderer rasterizes scenes and actor positions to an image.
type GridRenderer struct {
	Scale      float64 // pixels per meter
	Padding    int     // pixels around the drawn area
	MaxSize    int     // longest side of the drawn area in pixels; 0 disables
	Background color.RGBA
	Legend     bool
}

// NewGridRenderer creates a renderer with default settings
func NewGridRenderer() *GridRenderer {
	return &GridRenderer{
		Scale:      10,
		Padding:    20,
		MaxSize:    2048,
		Background: color.RGBA{255, 255, 255, 255},
		Legend:     true,
	}
}

// Render draws the cells of scenes, later scenes on top, and the positions
// on top of them.
func (r *GridRenderer) Render(scenes []*Scene, positions map[string]*LivePosition) *image.RGBA {
	cells := collectCells(scenes)
	v, ok := newView(cells, positions)
	if !ok {
		img := image.NewRGBA(image.Rect(0, 0, 2*r.Padding+1, 2*r.Padding+1))
		fillRect(img, img.Bounds(), r.Background)
		return img
	}

	scale := fitScale(v, r.Scale, float64(r.MaxSize))
	wm, hm := v.size()
	width := int(math.Ceil(wm*scale)) + 2*r.Padding + 1
	height := int(math.Ceil(hm*scale)) + 2*r.Padding + 1

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	fillRect(img, img.Bounds(), r.Background)

	toImage := func(p orb.Point) (int, int) {
		x, y := v.meters(p)
		return int(math.Round(x*scale)) + r.Padding, int(math.Round(y*scale)) + r.Padding
	}

	for _, c := range cells {
		x0, y0 := toImage(orb.Point{c.bound.Min.Lon(), c.bound.Max.Lat()})
		x1, y1 := toImage(orb.Point{c.bound.Max.Lon(), c.bound.Min.Lat()})
		fill := blendColors(r.Background, stateFill(c.state, c.confidence))
		rect := image.Rect(x0, y0, x1, y1)
		fillRect(img, rect, color.RGBA(fill))
		// Outline cells big enough to tell apart.
		if rect.Dx() >= 4 && rect.Dy() >= 4 {
			outline := blendColors(color.RGBA(fill), color.NRGBA{0, 0, 0, 40})
			strokeRect(img, rect, color.RGBA(outline))
		}
	}

	ids := sortedActorIDs(positions)
	for _, id := range ids {
		pos := positions[id]
		x, y := toImage(orb.Point{pos.Lon, pos.Lat})
		drawActorIcon(img, x, y, 14, pos.Heading, parseHexColor(pos.Color))
	}

	if r.Legend {
		drawLegend(img, positions)
	}
	return img
}

// WritePNG renders and encodes the result as PNG.
func (r *GridRenderer) WritePNG(w io.Writer, scenes []*Scene, positions map[string]*LivePosition) error {
	img := r.Render(scenes, positions)
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encoding png: %w", err)
	}
	return nil
}

func sortedActorIDs(positions map[string]*LivePosition) []string {
	ids := make([]string, 0, len(positions))
	for id := range positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func fillRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

func strokeRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	b := img.Bounds()
	set := func(x, y int) {
		if image.Pt(x, y).In(b) {
			img.SetRGBA(x, y, c)
		}
	}
	for x := r.Min.X; x < r.Max.X; x++ {
		set(x, r.Min.Y)
		set(x, r.Max.Y-1)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		set(r.Min.X, y)
		set(r.Max.X-1, y)
	}
}

// blendColors blends a non-premultiplied foreground over an opaque or
// premultiplied background.
func blendColors(bg color.RGBA, fg color.NRGBA) color.NRGBA {
	// RGBA is premultiplied, so un-premultiply it first
	var bgNRGBA color.NRGBA
	switch bg.A {
	case 0:
		bgNRGBA = color.NRGBA{0, 0, 0, 0}
	case 255:
		bgNRGBA = color.NRGBA{bg.R, bg.G, bg.B, 255}
	default:
		alpha32 := uint32(bg.A)
		bgNRGBA = color.NRGBA{
			R: uint8((uint32(bg.R) * 255) / alpha32),
			G: uint8((uint32(bg.G) * 255) / alpha32),
			B: uint8((uint32(bg.B) * 255) / alpha32),
			A: bg.A,
		}
	}

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

// drawActorIcon draws a disc with an outline and a heading tick.
// heading is in degrees clockwise from north; north is up in the image.
func drawActorIcon(img *image.RGBA, cx, cy, size int, heading float64, c color.RGBA) {
	outline := color.RGBA{40, 40, 40, 255}
	radius := size / 2

	drawCircle(img, cx, cy, radius+2, outline)
	drawCircle(img, cx, cy, radius, c)

	rad := heading * math.Pi / 180
	dx, dy := math.Sin(rad), -math.Cos(rad)
	length := float64(radius) + 4
	b := img.Bounds()
	for t := 0.0; t <= length; t += 0.5 {
		x := cx + int(math.Round(dx*t))
		y := cy + int(math.Round(dy*t))
		for _, p := range []image.Point{{x, y}, {x + 1, y}, {x, y + 1}} {
			if p.In(b) {
				img.SetRGBA(p.X, p.Y, outline)
			}
		}
	}
}

// drawLegend lists the state colors and then one swatch per actor in the
// top-left corner.
func drawLegend(img *image.RGBA, positions map[string]*LivePosition) {
	black := color.RGBA{0, 0, 0, 255}
	y := 15
	swatch := func(c color.RGBA, label string) {
		fillRect(img, image.Rect(10, y-6, 22, y+6), c)
		drawText(img, 28, y+4, label, black)
		y += 18
	}

	for _, s := range OccupancyStates {
		swatch(color.RGBA(StateColors[s]), s.String())
	}
	for _, id := range sortedActorIDs(positions) {
		swatch(parseHexColor(positions[id].Color), id)
	}
}

func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// parseHexColor parses a hex color string like "#FF6B6B" to color.RGBA
func parseHexColor(hex string) color.RGBA {
	// Default to red if parsing fails
	defaultColor := color.RGBA{255, 0, 0, 255}

	if len(hex) == 0 {
		return defaultColor
	}
	if hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return defaultColor
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return defaultColor
	}
	return color.RGBA{r, g, b, 255}
}
