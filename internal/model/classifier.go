package model

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrLayerNotInstrumentable = errors.New("layer cannot be instrumented")
	ErrNoForward              = errors.New("backward pass requested before any forward pass")
	ErrClassOutOfRange        = errors.New("class index out of range")
)

// Backbone is the feature extractor of a classifier: everything up to and
// including the last spatial feature layer.
type Backbone interface {
	// Layers returns the backbone's named outputs in execution order.
	// The last entry is the feature map that feeds the head.
	Layers() []LayerSpec

	// Forward returns the output of the last layer for a (3, h, w) input.
	// The returned tensor must not alias any buffer that is reused by a later call.
	Forward(input *Tensor) (*Tensor, error)

	Close()
}

// Hook receives a layer's output after every forward pass, and the gradient
// flowing into that output after every backward pass.
type Hook interface {
	OnForward(layer string, output *Tensor)
	OnBackward(layer string, grad *Tensor)
}

// Classifier maps an image tensor to class logits, and exposes instrumentable layers.
type Classifier interface {
	Layers() []LayerSpec
	Attach(layer string, hook Hook) (*HookHandle, error)
	Forward(input *Tensor) ([]float32, error)
	ZeroGrad()
	Backward(class int) error
	NumClasses() int
	Close()
}

// HookHandle is returned by Attach. Remove is idempotent.
type HookHandle struct {
	id     int
	layer  string
	remove func(id int)
	once   sync.Once
}

func (h *HookHandle) Layer() string {
	return h.layer
}

func (h *HookHandle) Remove() {
	h.once.Do(func() {
		h.remove(h.id)
	})
}

// Network is a Backbone followed by a pooling + linear Head.
// It is not safe for concurrent use: one forward/backward cycle at a time.
type Network struct {
	backbone Backbone
	head     *Head
	layers   []LayerSpec

	hookMu sync.Mutex
	hooks  map[int]Hook
	nextID int

	// State of the most recent forward pass, consumed by Backward
	features *Tensor
}

func NewNetwork(backbone Backbone, head *Head) (*Network, error) {
	bl := backbone.Layers()
	if len(bl) == 0 {
		return nil, fmt.Errorf("backbone exposes no layers")
	}
	last := bl[len(bl)-1]
	if len(last.Shape) == 3 && last.Shape[0] != head.NumChannels() {
		return nil, fmt.Errorf("backbone layer %v has %v channels, head expects %v", last.Name, last.Shape[0], head.NumChannels())
	}
	layers := append([]LayerSpec(nil), bl...)
	layers = append(layers,
		LayerSpec{Name: "avgpool", Shape: []int{head.NumChannels()}, Kind: LayerPooled},
		LayerSpec{Name: "fc", Shape: []int{head.NumClasses()}, Kind: LayerLinear},
	)
	return &Network{
		backbone: backbone,
		head:     head,
		layers:   layers,
		hooks:    map[int]Hook{},
	}, nil
}

func (n *Network) Layers() []LayerSpec {
	return append([]LayerSpec(nil), n.layers...)
}

func (n *Network) NumClasses() int {
	return n.head.NumClasses()
}

func (n *Network) Head() *Head {
	return n.head
}

// featureLayer is the only layer whose gradient we can produce, because it is the input to the head
func (n *Network) featureLayer() string {
	bl := n.backbone.Layers()
	return bl[len(bl)-1].Name
}

func (n *Network) Attach(layer string, hook Hook) (*HookHandle, error) {
	if layer != n.featureLayer() {
		return nil, fmt.Errorf("%w: %v (only %v feeds the head)", ErrLayerNotInstrumentable, layer, n.featureLayer())
	}
	n.hookMu.Lock()
	defer n.hookMu.Unlock()
	id := n.nextID
	n.nextID++
	n.hooks[id] = hook
	return &HookHandle{
		id:    id,
		layer: layer,
		remove: func(id int) {
			n.hookMu.Lock()
			delete(n.hooks, id)
			n.hookMu.Unlock()
		},
	}, nil
}

func (n *Network) activeHooks() []Hook {
	n.hookMu.Lock()
	defer n.hookMu.Unlock()
	all := make([]Hook, 0, len(n.hooks))
	for _, h := range n.hooks {
		all = append(all, h)
	}
	return all
}

func (n *Network) Forward(input *Tensor) ([]float32, error) {
	n.features = nil
	features, err := n.backbone.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("backbone forward failed: %w", err)
	}
	logits, err := n.head.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("head forward failed: %w", err)
	}
	n.features = features
	layer := n.featureLayer()
	for _, h := range n.activeHooks() {
		h.OnForward(layer, features)
	}
	return logits, nil
}

func (n *Network) ZeroGrad() {
	n.head.ZeroGrad()
}

// Backward differentiates the logit of 'class' from the most recent forward pass
func (n *Network) Backward(class int) error {
	if n.features == nil {
		return ErrNoForward
	}
	grad, err := n.head.Backward(n.features, class)
	if err != nil {
		return err
	}
	layer := n.featureLayer()
	for _, h := range n.activeHooks() {
		h.OnBackward(layer, grad)
	}
	return nil
}

func (n *Network) Close() {
	n.hookMu.Lock()
	n.hooks = map[int]Hook{}
	n.hookMu.Unlock()
	n.features = nil
	n.backbone.Close()
}
