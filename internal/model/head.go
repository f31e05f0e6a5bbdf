package model

import (
	"bufio"
	"fmt"
	"os"

	"gonum.org/v1/gonum/mat"
)

// Head is the classifier's global average pooling followed by a linear layer.
// It runs in Go rather than inside the ONNX graph so that the gradient of a
// class score with respect to the pooled feature map can be computed exactly.
type Head struct {
	W *mat.Dense    // classes x channels
	B *mat.VecDense // classes

	// Parameter gradients, accumulated by Backward until ZeroGrad
	gradW *mat.Dense
	gradB *mat.VecDense
}

func NewHead(w *mat.Dense, b *mat.VecDense) (*Head, error) {
	classes, channels := w.Dims()
	if b.Len() != classes {
		return nil, fmt.Errorf("head bias has %v entries, weights have %v rows", b.Len(), classes)
	}
	return &Head{
		W:     w,
		B:     b,
		gradW: mat.NewDense(classes, channels, nil),
		gradB: mat.NewVecDense(classes, nil),
	}, nil
}

// LoadHead reads weights and bias written by Head.Save (gonum binary format)
func LoadHead(filename string) (*Head, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open head weights: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)
	w := &mat.Dense{}
	if _, err := w.UnmarshalBinaryFrom(r); err != nil {
		return nil, fmt.Errorf("failed to read head weights: %w", err)
	}
	b := &mat.VecDense{}
	if _, err := b.UnmarshalBinaryFrom(r); err != nil {
		return nil, fmt.Errorf("failed to read head bias: %w", err)
	}
	return NewHead(w, b)
}

func (h *Head) Save(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	if _, err := h.W.MarshalBinaryTo(bw); err != nil {
		return err
	}
	if _, err := h.B.MarshalBinaryTo(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Close()
}

func (h *Head) NumClasses() int {
	r, _ := h.W.Dims()
	return r
}

func (h *Head) NumChannels() int {
	_, c := h.W.Dims()
	return c
}

// Pool returns the spatial mean of every channel of a (channels, h, w) feature map
func (h *Head) Pool(features *Tensor) (*mat.VecDense, error) {
	c, fh, fw, err := features.CHW()
	if err != nil {
		return nil, err
	}
	if c != h.NumChannels() {
		return nil, fmt.Errorf("feature map has %v channels, head expects %v", c, h.NumChannels())
	}
	area := fh * fw
	pooled := mat.NewVecDense(c, nil)
	for ch := 0; ch < c; ch++ {
		sum := 0.0
		for _, v := range features.Data[ch*area : (ch+1)*area] {
			sum += float64(v)
		}
		pooled.SetVec(ch, sum/float64(area))
	}
	return pooled, nil
}

// Forward returns the class logits for a feature map
func (h *Head) Forward(features *Tensor) ([]float32, error) {
	pooled, err := h.Pool(features)
	if err != nil {
		return nil, err
	}
	out := mat.NewVecDense(h.NumClasses(), nil)
	out.MulVec(h.W, pooled)
	out.AddVec(out, h.B)
	logits := make([]float32, out.Len())
	for i := range logits {
		logits[i] = float32(out.AtVec(i))
	}
	return logits, nil
}

// Backward returns the gradient of logit 'class' with respect to the feature map.
// Since d(logit)/d(pooled[k]) = W[class,k] and every location contributes 1/(h*w)
// to the pool, the gradient is constant across the spatial extent of each channel.
// The gradients of W and B are accumulated.
func (h *Head) Backward(features *Tensor, class int) (*Tensor, error) {
	if class < 0 || class >= h.NumClasses() {
		return nil, fmt.Errorf("%w: %v", ErrClassOutOfRange, class)
	}
	pooled, err := h.Pool(features)
	if err != nil {
		return nil, err
	}
	c, fh, fw, _ := features.CHW()
	area := fh * fw
	grad := NewTensor(c, fh, fw)
	for ch := 0; ch < c; ch++ {
		g := float32(h.W.At(class, ch) / float64(area))
		plane := grad.Data[ch*area : (ch+1)*area]
		for i := range plane {
			plane[i] = g
		}
		h.gradW.Set(class, ch, h.gradW.At(class, ch)+pooled.AtVec(ch))
	}
	h.gradB.SetVec(class, h.gradB.AtVec(class)+1)
	return grad, nil
}

func (h *Head) ZeroGrad() {
	h.gradW.Zero()
	h.gradB.Zero()
}

// GradNorm is the norm of the accumulated weight gradient plus the norm of the bias gradient
func (h *Head) GradNorm() float64 {
	return mat.Norm(h.gradW, 2) + mat.Norm(h.gradB, 2)
}
