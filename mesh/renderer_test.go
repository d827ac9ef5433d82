package mesh

import (
	"bytes"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/pemesh/quadkey"
)

// renderKey is a level-20 tile, roughly 25 m on a side.
const renderKey = "12020323301220330112"

func renderScene(key string, state OccupancyState, confidence float64) *Scene {
	return &Scene{Cells: []SceneCell{{
		Hash:  quadkey.MustNew(key).QuadInt(),
		State: Confidence[OccupancyState]{Value: state, Confidence: confidence},
	}}}
}

func rgba(c color.NRGBA) color.RGBA { return color.RGBA{c.R, c.G, c.B, 255} }

func TestGridRenderer_Empty(t *testing.T) {
	r := NewGridRenderer()
	img := r.Render(nil, nil)

	assert.Equal(t, 2*r.Padding+1, img.Bounds().Dx())
	assert.Equal(t, r.Background, img.RGBAAt(r.Padding, r.Padding))
}

func TestGridRenderer_CellColors(t *testing.T) {
	tests := []struct {
		name  string
		state OccupancyState
	}{
		{"occupied", Occupied},
		{"free", Free},
		{"unknown", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewGridRenderer()
			r.Legend = false
			img := r.Render([]*Scene{renderScene(renderKey, tt.state, 1)}, nil)

			b := img.Bounds()
			assert.Greater(t, b.Dx(), 2*r.Padding+100, "a 25 m cell at 10 px/m should be wide")
			got := img.RGBAAt(b.Dx()/2, b.Dy()/2)
			assert.Equal(t, rgba(StateColors[tt.state]), got)
			assert.Equal(t, r.Background, img.RGBAAt(1, 1), "padding keeps the background")
		})
	}
}

func TestGridRenderer_LowConfidenceIsLighter(t *testing.T) {
	r := NewGridRenderer()
	r.Legend = false

	strong := r.Render([]*Scene{renderScene(renderKey, Occupied, 1)}, nil)
	weak := r.Render([]*Scene{renderScene(renderKey, Occupied, 0)}, nil)

	b := strong.Bounds()
	s := strong.RGBAAt(b.Dx()/2, b.Dy()/2)
	w := weak.RGBAAt(b.Dx()/2, b.Dy()/2)
	assert.Greater(t, w.G, s.G, "blending toward white raises the green channel")
}

func TestGridRenderer_LaterSceneWins(t *testing.T) {
	r := NewGridRenderer()
	r.Legend = false

	img := r.Render([]*Scene{
		renderScene(renderKey, Occupied, 1),
		renderScene(renderKey, Free, 1),
	}, nil)

	b := img.Bounds()
	assert.Equal(t, rgba(StateColors[Free]), img.RGBAAt(b.Dx()/2, b.Dy()/2))
}

func TestGridRenderer_MaxSize(t *testing.T) {
	r := NewGridRenderer()
	r.MaxSize = 300

	img := r.Render([]*Scene{renderScene("1202", Free, 1)}, nil)

	b := img.Bounds()
	assert.LessOrEqual(t, b.Dx(), 300+2*r.Padding+2)
	assert.LessOrEqual(t, b.Dy(), 300+2*r.Padding+2)
}

func TestGridRenderer_ActorsAndLegend(t *testing.T) {
	q := quadkey.MustNew(renderKey)
	center := q.Bound().Center()
	positions := map[string]*LivePosition{
		"car-a": {ActorID: "car-a", Lat: center.Lat(), Lon: center.Lon(), Color: "#0000FF"},
	}

	r := NewGridRenderer()
	img := r.Render([]*Scene{renderScene(renderKey, Free, 1)}, positions)

	b := img.Bounds()
	cx, cy := b.Dx()/2, b.Dy()/2
	// Heading 0 draws the tick straight up, so the lower left of the disc
	// keeps the actor color.
	assert.Equal(t, color.RGBA{0, 0, 255, 255}, img.RGBAAt(cx-3, cy+3))

	// Legend: one swatch per state, then one per actor.
	assert.Equal(t, rgba(StateColors[Free]), img.RGBAAt(15, 15))
	assert.Equal(t, rgba(StateColors[Occupied]), img.RGBAAt(15, 33))
	assert.Equal(t, rgba(StateColors[Unknown]), img.RGBAAt(15, 51))
	assert.Equal(t, color.RGBA{0, 0, 255, 255}, img.RGBAAt(15, 69))
}

func TestGridRenderer_WritePNG(t *testing.T) {
	var buf bytes.Buffer
	err := NewGridRenderer().WritePNG(&buf, []*Scene{testScene()}, nil)
	require.NoError(t, err)

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Positive(t, img.Bounds().Dx())
}

func TestStateFill(t *testing.T) {
	assert.Equal(t, uint8(255), stateFill(Occupied, 1).A)
	assert.Equal(t, uint8(64), stateFill(Occupied, 0).A)
	assert.Equal(t, uint8(255), stateFill(Free, 7).A, "confidence is clamped")
	assert.Equal(t, StateColors[Unknown].R, stateFill(OccupancyState(42), 1).R)
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in   string
		want color.RGBA
	}{
		{"#FF6B6B", color.RGBA{255, 107, 107, 255}},
		{"00ff00", color.RGBA{0, 255, 0, 255}},
		{"", color.RGBA{255, 0, 0, 255}},
		{"#abc", color.RGBA{255, 0, 0, 255}},
		{"#GGGGGG", color.RGBA{255, 0, 0, 255}},
	}
	for _, tt := range tests {
		if got := parseHexColor(tt.in); got != tt.want {
			t.Errorf("parseHexColor(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBlendColors(t *testing.T) {
	white := color.RGBA{255, 255, 255, 255}

	assert.Equal(t, color.NRGBA{10, 20, 30, 255}, blendColors(white, color.NRGBA{10, 20, 30, 255}))
	assert.Equal(t, color.NRGBA{255, 255, 255, 255}, blendColors(white, color.NRGBA{10, 20, 30, 0}))

	half := blendColors(white, color.NRGBA{0, 0, 0, 128})
	assert.InDelta(t, 127, int(half.R), 1)
}
