// Package preprocess turns uploaded image bytes into the normalized tensor the classifier expects
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/Brownie44l1/lesion-api/internal/model"
	"github.com/nfnt/resize"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// InputSize is the width and height of the classifier input
const InputSize = 224

// Per-channel statistics of the training set. The classifier was trained on
// inputs normalized with exactly these values.
var (
	Mean = [3]float32{0.7630392, 0.5456477, 0.57004845}
	Std  = [3]float32{0.1409286, 0.15261266, 0.16997074}
)

var ErrDecode = errors.New("cannot identify image file")

type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %v", ErrDecode, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// Input is the result of preprocessing one upload
type Input struct {
	Format  string
	Source  *image.RGBA // decoded image, original size
	Resized *image.RGBA // InputSize x InputSize, for display
	Tensor  *model.Tensor
}

// Prepare decodes, resizes and normalizes an uploaded image
func Prepare(data []byte) (*Input, error) {
	src, format, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return &Input{
		Format:  format,
		Source:  src,
		Resized: ResizeForDisplay(src),
		Tensor:  ToTensor(Resize(src)),
	}, nil
}

// Decode decodes any registered image format into 8-bit RGB (alpha is dropped)
func Decode(data []byte) (*image.RGBA, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", &DecodeError{Err: err}
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, "", &DecodeError{Err: fmt.Errorf("image has no pixels")}
	}
	return toRGB(img), format, nil
}

// toRGB drops alpha without compositing, so a translucent pixel keeps its straight
// RGB values. Drawing into an RGBA would premultiply them.
func toRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	straight := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(straight, straight.Bounds(), img, b.Min, draw.Src)
	rgba := &image.RGBA{Pix: straight.Pix, Stride: straight.Stride, Rect: straight.Rect}
	for i := 3; i < len(rgba.Pix); i += 4 {
		rgba.Pix[i] = 255
	}
	return rgba
}

// Resize scales an image to InputSize x InputSize with bilinear interpolation.
// This is the resampling the classifier was trained with.
func Resize(img *image.RGBA) *image.RGBA {
	return resizeWith(img, resize.Bilinear)
}

// ResizeForDisplay scales an image to InputSize x InputSize with bicubic
// interpolation, for the overlay background.
func ResizeForDisplay(img *image.RGBA) *image.RGBA {
	return resizeWith(img, resize.Bicubic)
}

func resizeWith(img *image.RGBA, interp resize.InterpolationFunction) *image.RGBA {
	resized := resize.Resize(InputSize, InputSize, img, interp)
	if rgba, ok := resized.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	return toRGB(resized)
}

// ToTensor converts an RGB image to a (3, h, w) tensor, scaled to [0,1] and
// then normalized with Mean and Std.
func ToTensor(img *image.RGBA) *model.Tensor {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	t := model.NewTensor(3, height, width)
	plane := width * height
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			px := row[x*4 : x*4+3]
			i := y*width + x
			for ch := 0; ch < 3; ch++ {
				v := float32(px[ch]) / 255
				t.Data[ch*plane+i] = (v - Mean[ch]) / Std[ch]
			}
		}
	}
	return t
}
