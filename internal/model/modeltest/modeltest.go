// Package modeltest provides small deterministic classifiers and images for tests,
// so that the pipeline can be exercised without an onnxruntime installation.
package modeltest

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/Brownie44l1/lesion-api/internal/model"
	"gonum.org/v1/gonum/mat"
)

const (
	GridSize  = 7
	NChannels = 4
)

// PatchBackbone averages the input over a GridSize x GridSize grid of patches.
// Channels 0..2 are the per-patch means of the input channels, and channel 3
// is the per-patch mean absolute value.
type PatchBackbone struct {
	Calls  int
	Fail   error
	Closed bool
}

func (b *PatchBackbone) Layers() []model.LayerSpec {
	return []model.LayerSpec{
		{Name: "stem", Shape: []int{3, 56, 56}, Kind: model.LayerSpatial},
		{Name: "patches", Shape: []int{NChannels, GridSize, GridSize}, Kind: model.LayerSpatial},
	}
}

func (b *PatchBackbone) Forward(input *model.Tensor) (*model.Tensor, error) {
	b.Calls++
	if b.Fail != nil {
		return nil, b.Fail
	}
	c, h, w, err := input.CHW()
	if err != nil {
		return nil, err
	}
	if c != 3 || h%GridSize != 0 || w%GridSize != 0 {
		return nil, fmt.Errorf("PatchBackbone cannot handle input shape %v", input.Shape)
	}
	ph, pw := h/GridSize, w/GridSize
	out := model.NewTensor(NChannels, GridSize, GridSize)
	area := float32(ph * pw)
	for gy := 0; gy < GridSize; gy++ {
		for gx := 0; gx < GridSize; gx++ {
			var abs float32
			for ch := 0; ch < 3; ch++ {
				var sum float32
				for y := gy * ph; y < (gy+1)*ph; y++ {
					row := input.Data[ch*h*w+y*w:]
					for x := gx * pw; x < (gx+1)*pw; x++ {
						v := row[x]
						sum += v
						if v < 0 {
							abs -= v
						} else {
							abs += v
						}
					}
				}
				out.Data[ch*GridSize*GridSize+gy*GridSize+gx] = sum / area
			}
			out.Data[3*GridSize*GridSize+gy*GridSize+gx] = abs / (3 * area)
		}
	}
	return out, nil
}

func (b *PatchBackbone) Close() {
	b.Closed = true
}

// NewHead builds a head from row-major weights (classes x NChannels) and a bias
func NewHead(weights [][]float64, bias []float64) *model.Head {
	w := mat.NewDense(len(weights), len(weights[0]), nil)
	for r, row := range weights {
		w.SetRow(r, row)
	}
	h, err := model.NewHead(w, mat.NewVecDense(len(bias), append([]float64(nil), bias...)))
	if err != nil {
		panic(err)
	}
	return h
}

// FavoringHead returns a 7 class head whose bias strongly prefers class 'favored',
// and whose weights make the logit of every class depend on the image.
func FavoringHead(favored int) *model.Head {
	weights := make([][]float64, len(model.DefaultClasses))
	bias := make([]float64, len(model.DefaultClasses))
	for i := range weights {
		weights[i] = []float64{
			0.3 - 0.1*float64(i%3),
			0.2 * float64(i%2),
			-0.15 + 0.05*float64(i),
			0.5,
		}
	}
	bias[favored] = 6
	return NewHead(weights, bias)
}

// NewNetwork returns a network with a PatchBackbone and FavoringHead(favored)
func NewNetwork(favored int) (*model.Network, *PatchBackbone) {
	backbone := &PatchBackbone{}
	net, err := model.NewNetwork(backbone, FavoringHead(favored))
	if err != nil {
		panic(err)
	}
	return net, backbone
}

// ClassIndex returns the index of a label code in model.DefaultClasses
func ClassIndex(label string) int {
	for i, c := range model.DefaultClasses {
		if c == label {
			return i
		}
	}
	panic("unknown label " + label)
}

// SampleImage draws a dark disc (the "lesion") on a skin-toned background.
// Different seeds move the disc.
func SampleImage(width, height, seed int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	cx := width/3 + (seed*37)%(width/3)
	cy := height/3 + (seed*53)%(height/3)
	r := min(width, height) / 5
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.RGBA{R: 214, G: 160, B: 140, A: 255}
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy < r*r {
				c = color.RGBA{R: 90, G: 50, B: 40, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func SamplePNG(width, height, seed int) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, SampleImage(width, height, seed)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
