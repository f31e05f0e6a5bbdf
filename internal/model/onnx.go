package model

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cyclopcam/logs"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortOnce sync.Once
	ortErr  error
)

// InitializeRuntime loads the onnxruntime shared library. Safe to call more than once.
// libPath may be empty, in which case the library's default search is used.
func InitializeRuntime(libPath string) error {
	ortOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			ortErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	return ortErr
}

func DestroyRuntime() {
	ort.DestroyEnvironment()
}

// ONNXBackbone runs the feature extractor, exported as an ONNX graph whose
// outputs are the layers listed in the metadata.
type ONNXBackbone struct {
	session *ort.AdvancedSession
	layers  []LayerSpec
	input   *ort.Tensor[float32]
	outputs []*ort.Tensor[float32]
}

func NewONNXBackbone(modelPath string, meta *Metadata) (*ONNXBackbone, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	b := &ONNXBackbone{
		layers: append([]LayerSpec(nil), meta.Layers...),
		input:  inputTensor,
	}

	outputNames := []string{}
	outputs := []ort.ArbitraryTensor{}
	for _, layer := range meta.Layers {
		dims := []int64{1}
		for _, d := range layer.Shape {
			dims = append(dims, int64(d))
		}
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(dims...))
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to create output tensor for %v: %w", layer.Name, err)
		}
		b.outputs = append(b.outputs, t)
		outputNames = append(outputNames, layer.Name)
		outputs = append(outputs, t)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.InputName}, outputNames,
		[]ort.ArbitraryTensor{inputTensor}, outputs,
		nil)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	b.session = session
	return b, nil
}

func (b *ONNXBackbone) Layers() []LayerSpec {
	return b.layers
}

func (b *ONNXBackbone) Forward(input *Tensor) (*Tensor, error) {
	dst := b.input.GetData()
	if len(input.Data) != len(dst) {
		return nil, fmt.Errorf("expected %d input values, got %d", len(dst), len(input.Data))
	}
	copy(dst, input.Data)

	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	// The output tensors are rebound on every run, so hand out a copy
	last := b.layers[len(b.layers)-1]
	out := NewTensor(last.Shape...)
	copy(out.Data, b.outputs[len(b.outputs)-1].GetData())
	return out, nil
}

func (b *ONNXBackbone) Close() {
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
	for _, t := range b.outputs {
		t.Destroy()
	}
	b.outputs = nil
	if b.input != nil {
		b.input.Destroy()
		b.input = nil
	}
}

// LoadNetwork loads model_metadata.json, the ONNX backbone and the head weights from modelDir
func LoadNetwork(log logs.Log, modelDir, libPath string) (*Network, *Metadata, error) {
	meta, err := LoadMetadata(filepath.Join(modelDir, "model_metadata.json"))
	if err != nil {
		return nil, nil, err
	}
	log.Infof("Loading %v classifier (%v classes, %v backbone layers)", meta.Architecture, len(meta.Classes), len(meta.Layers))

	head, err := LoadHead(filepath.Join(modelDir, meta.Head))
	if err != nil {
		return nil, nil, err
	}
	if head.NumClasses() != len(meta.Classes) {
		return nil, nil, fmt.Errorf("head produces %v logits, metadata lists %v classes", head.NumClasses(), len(meta.Classes))
	}

	if err := InitializeRuntime(libPath); err != nil {
		return nil, nil, err
	}
	modelPath := filepath.Join(modelDir, meta.Backbone)
	log.Infof("Loading backbone from: %s", modelPath)
	backbone, err := NewONNXBackbone(modelPath, meta)
	if err != nil {
		return nil, nil, err
	}

	net, err := NewNetwork(backbone, head)
	if err != nil {
		backbone.Close()
		return nil, nil, err
	}
	return net, meta, nil
}
