// Package hooks captures the activation of one classifier layer and the gradient flowing into it.
//
// The capture buffers are shared by the whole process, so forward/backward work
// goes through a Cycle, and only one Cycle can exist at a time.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Brownie44l1/lesion-api/internal/model"
	"github.com/cyclopcam/logs"
)

var (
	ErrUnsupportedArchitecture = errors.New("unsupported architecture: no spatial feature layer to instrument")
	ErrNoActivationCaptured    = errors.New("no activation captured")
	ErrDetached                = errors.New("hooks are detached")
	ErrCycleEnded              = errors.New("capture cycle has ended")
)

// SelectLayer picks the last spatial (non-pooled) layer, which is the final feature extraction layer
func SelectLayer(layers []model.LayerSpec) (model.LayerSpec, error) {
	for i := len(layers) - 1; i >= 0; i-- {
		l := layers[i]
		if l.Kind == model.LayerSpatial && len(l.Shape) == 3 {
			return l, nil
		}
	}
	return model.LayerSpec{}, ErrUnsupportedArchitecture
}

type buffer struct {
	cycle  uint64
	tensor *model.Tensor
}

// Capture is attached to one layer of a classifier for the lifetime of the process
type Capture struct {
	log    logs.Log
	clf    model.Classifier
	layer  model.LayerSpec
	handle *model.HookHandle
	slot   chan struct{}

	mu         sync.Mutex
	detached   bool
	active     bool   // true while a Cycle is running
	cycle      uint64 // id of the current or most recent Cycle
	activation buffer
	gradient   buffer
}

// Attach selects the classifier's final feature layer and starts capturing it
func Attach(log logs.Log, clf model.Classifier) (*Capture, error) {
	layer, err := SelectLayer(clf.Layers())
	if err != nil {
		return nil, err
	}
	c := &Capture{
		log:   log,
		clf:   clf,
		layer: layer,
		slot:  make(chan struct{}, 1),
	}
	handle, err := clf.Attach(layer.Name, c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedArchitecture, err)
	}
	c.handle = handle
	log.Infof("Capturing activations and gradients of layer '%v' %v", layer.Name, layer.Shape)
	return c, nil
}

func (c *Capture) Layer() model.LayerSpec {
	return c.layer
}

func (c *Capture) OnForward(layer string, output *model.Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached || !c.active || layer != c.layer.Name {
		return
	}
	c.activation = buffer{cycle: c.cycle, tensor: output}
}

func (c *Capture) OnBackward(layer string, grad *model.Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached || !c.active || layer != c.layer.Name {
		return
	}
	c.gradient = buffer{cycle: c.cycle, tensor: grad}
}

// Reset clears both buffers
func (c *Capture) Reset() {
	c.mu.Lock()
	c.activation = buffer{}
	c.gradient = buffer{}
	c.mu.Unlock()
}

// Begin waits for exclusive use of the classifier, then clears the buffers and
// the classifier's accumulated gradients. The caller must call End on the Cycle.
// If ctx expires while waiting, Begin gives up. Once a Cycle has started it is
// never interrupted.
func (c *Capture) Begin(ctx context.Context) (*Cycle, error) {
	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for classifier: %w", ctx.Err())
	}
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		<-c.slot
		return nil, ErrDetached
	}
	c.cycle++
	c.active = true
	c.activation = buffer{}
	c.gradient = buffer{}
	id := c.cycle
	c.mu.Unlock()

	c.clf.ZeroGrad()
	return &Cycle{c: c, id: id}, nil
}

func (c *Capture) end(id uint64) {
	c.mu.Lock()
	if c.cycle == id {
		c.active = false
	}
	c.mu.Unlock()
	<-c.slot
}

// Detach waits for a running Cycle to end, then stops capturing and clears the
// buffers. Cycles begun afterwards fail with ErrDetached. It is idempotent.
// It must not be called while the caller itself holds a Cycle.
func (c *Capture) Detach() {
	c.slot <- struct{}{}
	defer func() { <-c.slot }()
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return
	}
	c.detached = true
	c.activation = buffer{}
	c.gradient = buffer{}
	c.mu.Unlock()
	c.handle.Remove()
	c.log.Infof("Detached hooks from layer '%v'", c.layer.Name)
}

// Cycle is one exclusive forward/backward session on the classifier
type Cycle struct {
	c         *Capture
	id        uint64
	endOnce   sync.Once
	ended     bool
	forwarded bool
}

func (cy *Cycle) ID() uint64 {
	return cy.id
}

// Forward runs the classifier. Any activation or gradient from an earlier
// forward pass in this cycle is discarded first.
func (cy *Cycle) Forward(input *model.Tensor) ([]float32, error) {
	if cy.ended {
		return nil, ErrCycleEnded
	}
	cy.c.Reset()
	logits, err := cy.c.clf.Forward(input)
	cy.forwarded = err == nil
	return logits, err
}

func (cy *Cycle) ZeroGrad() {
	if !cy.ended {
		cy.c.clf.ZeroGrad()
	}
}

// Backward differentiates the score of 'class' from the most recent Forward
func (cy *Cycle) Backward(class int) error {
	if cy.ended {
		return ErrCycleEnded
	}
	if !cy.forwarded {
		// The classifier may still hold the forward state of an earlier cycle
		return model.ErrNoForward
	}
	cy.c.mu.Lock()
	cy.c.gradient = buffer{}
	cy.c.mu.Unlock()
	return cy.c.clf.Backward(class)
}

func (cy *Cycle) read(b *buffer, what string) (*model.Tensor, error) {
	cy.c.mu.Lock()
	defer cy.c.mu.Unlock()
	if cy.c.detached {
		return nil, fmt.Errorf("%w: %v (%v)", ErrNoActivationCaptured, what, ErrDetached)
	}
	if b.tensor == nil || b.cycle != cy.id {
		return nil, fmt.Errorf("%w: %v of layer '%v'", ErrNoActivationCaptured, what, cy.c.layer.Name)
	}
	return b.tensor, nil
}

// Activation returns the layer output captured during this cycle
func (cy *Cycle) Activation() (*model.Tensor, error) {
	return cy.read(&cy.c.activation, "activation")
}

// Gradient returns the gradient captured during this cycle
func (cy *Cycle) Gradient() (*model.Tensor, error) {
	return cy.read(&cy.c.gradient, "gradient")
}

// End releases the classifier. It is idempotent.
func (cy *Cycle) End() {
	cy.endOnce.Do(func() {
		cy.ended = true
		cy.c.end(cy.id)
	})
}
