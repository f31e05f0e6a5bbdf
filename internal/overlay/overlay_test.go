package overlay

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/Brownie44l1/lesion-api/internal/gradcam"
	"github.com/Brownie44l1/lesion-api/internal/model/modeltest"
	"github.com/stretchr/testify/require"
)

func uniformMap(w, h int, v float32) *gradcam.Map {
	m := &gradcam.Map{Width: w, Height: h, Values: make([]float32, w*h)}
	for i := range m.Values {
		m.Values[i] = v
	}
	return m
}

func rampMap() *gradcam.Map {
	m := &gradcam.Map{Width: 7, Height: 7, Values: make([]float32, 49)}
	for y := 0; y < 7; y++ {
		for x := 0; x < 7; x++ {
			m.Values[y*7+x] = float32(x) / 6
		}
	}
	return m
}

func TestColormap(t *testing.T) {
	r := NewRenderer(224)
	require.Equal(t, color.RGBA{R: 0, G: 0, B: 128, A: 255}, r.Color(0))
	require.Equal(t, color.RGBA{R: 128, G: 0, B: 0, A: 255}, r.Color(255))
	// cold to hot
	mid := r.Color(128)
	require.Greater(t, mid.G, uint8(200))
	for i := 0; i < 96; i++ {
		c := r.Color(uint8(i))
		require.GreaterOrEqual(t, c.B, c.R)
	}
	for i := 170; i < 256; i++ {
		c := r.Color(uint8(i))
		require.GreaterOrEqual(t, c.R, c.B)
	}
}

func TestLevels(t *testing.T) {
	r := NewRenderer(224)
	zero, err := r.Levels(uniformMap(7, 7, 0))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 224, 224), zero.Bounds())
	for _, v := range zero.Pix {
		require.Equal(t, uint8(0), v)
	}

	one, err := r.Levels(uniformMap(7, 7, 1))
	require.NoError(t, err)
	for _, v := range one.Pix {
		require.GreaterOrEqual(t, v, uint8(254))
	}

	ramp, err := r.Levels(rampMap())
	require.NoError(t, err)
	row := ramp.Pix[100*ramp.Stride : 100*ramp.Stride+224]
	for x := 1; x < 224; x++ {
		require.GreaterOrEqual(t, row[x], row[x-1], "ramp must not decrease left to right")
	}
	require.Less(t, row[0], uint8(10))
	require.Greater(t, row[223], uint8(245))

	_, err = r.Levels(&gradcam.Map{Width: 2, Height: 2, Values: []float32{1}})
	require.Error(t, err)
}

func TestBlend(t *testing.T) {
	r := NewRenderer(2)
	src := image.NewRGBA(image.Rect(0, 0, 2, 2))
	heat := image.NewRGBA(image.Rect(0, 0, 2, 2))
	src.SetRGBA(0, 0, color.RGBA{R: 10, G: 200, B: 255, A: 255})
	heat.SetRGBA(0, 0, color.RGBA{R: 21, G: 100, B: 255, A: 255})
	out, err := r.Blend(src, heat)
	require.NoError(t, err)
	require.Equal(t, color.RGBA{R: 16, G: 150, B: 255, A: 255}, out.RGBAAt(0, 0))

	// 16.5 rounds down to 16, 17.5 rounds up to 18, 0.5 rounds down to 0
	src.SetRGBA(1, 0, color.RGBA{R: 13, G: 15, B: 1, A: 255})
	heat.SetRGBA(1, 0, color.RGBA{R: 20, G: 20, B: 0, A: 255})
	out, err = r.Blend(src, heat)
	require.NoError(t, err)
	require.Equal(t, color.RGBA{R: 16, G: 18, B: 0, A: 255}, out.RGBAAt(1, 0))

	_, err = r.Blend(src, image.NewRGBA(image.Rect(0, 0, 3, 2)))
	require.Error(t, err)
}

func TestRenderIsDeterministic(t *testing.T) {
	r := NewRenderer(224)
	src := modeltest.SampleImage(224, 224, 4)
	a, err := r.Render(rampMap(), src)
	require.NoError(t, err)
	b, err := r.Render(rampMap(), src)
	require.NoError(t, err)
	require.Equal(t, a, b)

	decoded, err := jpeg.Decode(bytes.NewReader(a))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 224, 224), decoded.Bounds())

	_, err = r.Render(rampMap(), modeltest.SampleImage(100, 224, 0))
	require.Error(t, err)
}
