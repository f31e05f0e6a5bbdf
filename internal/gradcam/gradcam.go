// Package gradcam computes class activation maps from the activation and gradient
// captured at the classifier's final feature layer.
package gradcam

import (
	"fmt"

	"github.com/Brownie44l1/lesion-api/internal/hooks"
	"github.com/Brownie44l1/lesion-api/internal/model"
	"github.com/chewxy/math32"
)

// Map is a single channel importance map, row-major
type Map struct {
	Width  int
	Height int
	Values []float32
}

func (m *Map) At(x, y int) float32 {
	return m.Values[y*m.Width+x]
}

// Reduce weights every activation channel by the spatial mean of its gradient,
// sums the channels and discards negative evidence.
func Reduce(activation, gradient *model.Tensor) (*Map, error) {
	c, h, w, err := activation.CHW()
	if err != nil {
		return nil, err
	}
	if !activation.SameShape(gradient) {
		return nil, fmt.Errorf("gradient shape %v does not match activation shape %v", gradient.Shape, activation.Shape)
	}
	area := h * w
	sum := make([]float64, area)
	for ch := 0; ch < c; ch++ {
		g := gradient.Data[ch*area : (ch+1)*area]
		mean := 0.0
		for _, v := range g {
			mean += float64(v)
		}
		mean /= float64(area)
		if mean == 0 {
			continue
		}
		a := activation.Data[ch*area : (ch+1)*area]
		for i, v := range a {
			sum[i] += mean * float64(v)
		}
	}
	m := &Map{Width: w, Height: h, Values: make([]float32, area)}
	for i, v := range sum {
		m.Values[i] = math32.Max(float32(v), 0)
	}
	return m, nil
}

// Normalize rescales the map linearly to [0,1]. A uniform map becomes all zeros.
func (m *Map) Normalize() {
	if len(m.Values) == 0 {
		return
	}
	lo, hi := m.Values[0], m.Values[0]
	for _, v := range m.Values[1:] {
		lo = math32.Min(lo, v)
		hi = math32.Max(hi, v)
	}
	span := hi - lo
	if !(span > 0) || math32.IsInf(span, 0) {
		for i := range m.Values {
			m.Values[i] = 0
		}
		return
	}
	for i, v := range m.Values {
		m.Values[i] = math32.Min(math32.Max((v-lo)/span, 0), 1)
	}
}

// Engine produces importance maps. It owns the hook capture, and therefore the
// right to start forward/backward cycles on the classifier.
type Engine struct {
	capture *hooks.Capture
}

func NewEngine(capture *hooks.Capture) *Engine {
	return &Engine{capture: capture}
}

func (e *Engine) Capture() *hooks.Capture {
	return e.capture
}

// Explain runs a fresh forward pass and then explains 'class'
func (e *Engine) Explain(cy *hooks.Cycle, input *model.Tensor, class int) (*Map, error) {
	logits, err := cy.Forward(input)
	if err != nil {
		return nil, err
	}
	return e.ExplainForward(cy, logits, class)
}

// ExplainForward explains 'class' using the forward pass that produced logits,
// which must be the most recent forward pass of the cycle.
func (e *Engine) ExplainForward(cy *hooks.Cycle, logits []float32, class int) (*Map, error) {
	if _, err := cy.Activation(); err != nil {
		return nil, err
	}
	cy.ZeroGrad()
	if class < 0 || class >= len(logits) {
		return nil, fmt.Errorf("%w: %v (classifier has %v classes)", model.ErrClassOutOfRange, class, len(logits))
	}
	if err := cy.Backward(class); err != nil {
		return nil, fmt.Errorf("backward pass for class %v failed: %w", class, err)
	}
	activation, err := cy.Activation()
	if err != nil {
		return nil, err
	}
	gradient, err := cy.Gradient()
	if err != nil {
		return nil, err
	}
	m, err := Reduce(activation, gradient)
	if err != nil {
		return nil, err
	}
	m.Normalize()
	return m, nil
}
