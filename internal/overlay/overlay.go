// Package overlay renders an importance map as a false-color heatmap blended onto the source image
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"

	"github.com/Brownie44l1/lesion-api/internal/gradcam"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/nfnt/resize"
)

// Quality is the JPEG quality of every encoded overlay
const Quality = 95

type colorStop struct {
	pos   float64
	color colorful.Color
}

// The "jet" gradient: dark blue, blue, cyan, yellow, red, dark red
var jet = []colorStop{
	{0, colorful.Color{R: 0, G: 0, B: 0.5}},
	{0.125, colorful.Color{R: 0, G: 0, B: 1}},
	{0.375, colorful.Color{R: 0, G: 1, B: 1}},
	{0.625, colorful.Color{R: 1, G: 1, B: 0}},
	{0.875, colorful.Color{R: 1, G: 0, B: 0}},
	{1, colorful.Color{R: 0.5, G: 0, B: 0}},
}

func jetColor(t float64) colorful.Color {
	for i := 0; i < len(jet)-1; i++ {
		a, b := jet[i], jet[i+1]
		if t <= b.pos {
			return a.color.BlendRgb(b.color, (t-a.pos)/(b.pos-a.pos))
		}
	}
	return jet[len(jet)-1].color
}

// Renderer is immutable after construction, and safe for concurrent use
type Renderer struct {
	Size    int
	Quality int
	lut     [256]color.RGBA
}

// NewRenderer creates a renderer for size x size images
func NewRenderer(size int) *Renderer {
	r := &Renderer{
		Size:    size,
		Quality: Quality,
	}
	for i := range r.lut {
		cr, cg, cb := jetColor(float64(i) / 255).RGB255()
		r.lut[i] = color.RGBA{R: cr, G: cg, B: cb, A: 255}
	}
	return r
}

// Color returns the heatmap color of an 8-bit level
func (r *Renderer) Color(level uint8) color.RGBA {
	return r.lut[level]
}

// Levels upsamples the map (values in [0,1]) to Size x Size with bilinear
// interpolation, and quantizes it to 8 bits.
func (r *Renderer) Levels(m *gradcam.Map) (*image.Gray, error) {
	if m.Width <= 0 || m.Height <= 0 || len(m.Values) != m.Width*m.Height {
		return nil, fmt.Errorf("invalid importance map %vx%v with %v values", m.Width, m.Height, len(m.Values))
	}
	src := image.NewGray16(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			v := math.Min(math.Max(float64(m.At(x, y)), 0), 1)
			src.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(v * 65535))})
		}
	}
	up := resize.Resize(uint(r.Size), uint(r.Size), src, resize.Bilinear)
	b := up.Bounds()
	levels := image.NewGray(image.Rect(0, 0, r.Size, r.Size))
	for y := 0; y < r.Size; y++ {
		for x := 0; x < r.Size; x++ {
			v := color.Gray16Model.Convert(up.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16).Y
			// Truncate, like casting 255*v to uint8
			levels.Pix[y*levels.Stride+x] = uint8(uint32(v) * 255 / 65535)
		}
	}
	return levels, nil
}

// Heatmap colorizes the map
func (r *Renderer) Heatmap(m *gradcam.Map) (*image.RGBA, error) {
	levels, err := r.Levels(m)
	if err != nil {
		return nil, err
	}
	heat := image.NewRGBA(levels.Bounds())
	for y := 0; y < r.Size; y++ {
		for x := 0; x < r.Size; x++ {
			heat.SetRGBA(x, y, r.lut[levels.Pix[y*levels.Stride+x]])
		}
	}
	return heat, nil
}

// Blend mixes two images of equal size with equal weight. Halves are rounded to even.
func (r *Renderer) Blend(src, heat *image.RGBA) (*image.RGBA, error) {
	sb, hb := src.Bounds(), heat.Bounds()
	if sb.Dx() != hb.Dx() || sb.Dy() != hb.Dy() {
		return nil, fmt.Errorf("cannot blend %vx%v image with %vx%v heatmap", sb.Dx(), sb.Dy(), hb.Dx(), hb.Dy())
	}
	out := image.NewRGBA(image.Rect(0, 0, sb.Dx(), sb.Dy()))
	for y := 0; y < sb.Dy(); y++ {
		srow := src.Pix[src.PixOffset(sb.Min.X, sb.Min.Y+y):]
		hrow := heat.Pix[heat.PixOffset(hb.Min.X, hb.Min.Y+y):]
		orow := out.Pix[y*out.Stride:]
		for x := 0; x < sb.Dx(); x++ {
			for ch := 0; ch < 3; ch++ {
				i := x*4 + ch
				orow[i] = halfEven(uint16(srow[i]) + uint16(hrow[i]))
			}
			orow[x*4+3] = 255
		}
	}
	return out, nil
}

// halfEven returns sum/2 rounded half to even
func halfEven(sum uint16) uint8 {
	q := sum / 2
	if sum%2 == 1 && q%2 == 1 {
		q++
	}
	return uint8(q)
}

// Render produces the encoded overlay. src must already be Size x Size.
func (r *Renderer) Render(m *gradcam.Map, src *image.RGBA) ([]byte, error) {
	if src.Bounds().Dx() != r.Size || src.Bounds().Dy() != r.Size {
		return nil, fmt.Errorf("source image is %vx%v, expected %vx%v", src.Bounds().Dx(), src.Bounds().Dy(), r.Size, r.Size)
	}
	heat, err := r.Heatmap(m)
	if err != nil {
		return nil, err
	}
	blended, err := r.Blend(src, heat)
	if err != nil {
		return nil, err
	}
	return EncodeJPEG(blended, r.Quality)
}

func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}
