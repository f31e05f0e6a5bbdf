package model

import (
	"encoding/json"
	"fmt"
	"os"
)

type LayerKind string

const (
	LayerSpatial LayerKind = "spatial" // (channels, h, w) feature map
	LayerPooled  LayerKind = "pooled"  // (channels) after global pooling
	LayerLinear  LayerKind = "linear"  // (classes) logits
)

// LayerSpec describes one named layer of a classifier, in execution order.
// Shape excludes the batch dimension.
type LayerSpec struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Kind  LayerKind `json:"kind"`
}

// Metadata is saved in a JSON file next to the model artifacts
type Metadata struct {
	Architecture string      `json:"architecture"`  // eg "resnet50"
	ModelVersion string      `json:"model_version"` // recorded with stored predictions
	InputName    string      `json:"input_name"`
	InputShape   []int64     `json:"input_shape"` // eg [1, 3, 224, 224]
	ImageSize    int         `json:"image_size"`
	Classes      []string    `json:"classes"` // label codes, in logit order
	Layers       []LayerSpec `json:"layers"`  // backbone outputs, in execution order
	Backbone     string      `json:"backbone"`
	Head         string      `json:"head"`
}

func LoadMetadata(filename string) (*Metadata, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	meta := &Metadata{}
	if err := json.Unmarshal(b, meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

func (m *Metadata) validate() error {
	if len(m.Classes) == 0 {
		return fmt.Errorf("metadata lists no classes")
	}
	seen := map[string]bool{}
	for _, c := range m.Classes {
		if _, ok := LesionTypes[c]; !ok {
			return fmt.Errorf("metadata class %q is not a known lesion label", c)
		}
		if seen[c] {
			return fmt.Errorf("metadata lists class %q more than once", c)
		}
		seen[c] = true
	}
	if len(m.Classes) != len(LesionTypes) {
		return fmt.Errorf("metadata lists %v classes, expected all %v lesion labels", len(m.Classes), len(LesionTypes))
	}
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 || m.InputShape[1] != 3 {
		return fmt.Errorf("metadata input shape %v is not [1, 3, h, w]", m.InputShape)
	}
	if m.ImageSize == 0 {
		m.ImageSize = int(m.InputShape[3])
	}
	if int64(m.ImageSize) != m.InputShape[2] || int64(m.ImageSize) != m.InputShape[3] {
		return fmt.Errorf("metadata image size %v does not match input shape %v", m.ImageSize, m.InputShape)
	}
	if len(m.Layers) == 0 {
		return fmt.Errorf("metadata lists no backbone layers")
	}
	if m.ModelVersion == "" {
		m.ModelVersion = m.Architecture
	}
	if m.InputName == "" {
		m.InputName = "input"
	}
	return nil
}

// Tensor is a dense float32 array in row-major order (CHW for images and feature maps).
type Tensor struct {
	Shape []int
	Data  []float32
}

func NewTensor(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, shapeSize(shape)),
	}
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// CHW returns the dimensions of a rank 3 tensor
func (t *Tensor) CHW() (c, h, w int, err error) {
	if len(t.Shape) != 3 {
		return 0, 0, 0, fmt.Errorf("expected a (channels, h, w) tensor, got shape %v", t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], nil
}

func (t *Tensor) SameShape(b *Tensor) bool {
	if len(t.Shape) != len(b.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
