package model_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/lesion-api/internal/model"
	"github.com/Brownie44l1/lesion-api/internal/model/modeltest"
	"github.com/stretchr/testify/require"
)

type recordingHook struct {
	forward  []*model.Tensor
	backward []*model.Tensor
}

func (r *recordingHook) OnForward(layer string, output *model.Tensor) {
	r.forward = append(r.forward, output)
}

func (r *recordingHook) OnBackward(layer string, grad *model.Tensor) {
	r.backward = append(r.backward, grad)
}

func featureMap(c, h, w int, f func(ch, y, x int) float32) *model.Tensor {
	t := model.NewTensor(c, h, w)
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				t.Data[ch*h*w+y*w+x] = f(ch, y, x)
			}
		}
	}
	return t
}

func TestHeadForward(t *testing.T) {
	head := modeltest.NewHead([][]float64{{1, 0}, {0, 2}, {-1, 1}}, []float64{0.5, 0, 0})
	// channel 0 has spatial mean 2, channel 1 has spatial mean 1
	features := featureMap(2, 2, 2, func(ch, y, x int) float32 {
		if ch == 0 {
			return float32(1 + 2*x)
		}
		return 1
	})
	logits, err := head.Forward(features)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float32{2.5, 2, -1}, logits, 1e-6)

	_, err = head.Forward(model.NewTensor(3, 2, 2))
	require.Error(t, err)
}

func TestHeadBackwardIsWeightOverArea(t *testing.T) {
	head := modeltest.NewHead([][]float64{{1, 0}, {0, 2}, {-1, 1}}, []float64{0, 0, 0})
	features := featureMap(2, 2, 3, func(ch, y, x int) float32 { return float32(ch + y + x) })
	grad, err := head.Backward(features, 2)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2, 3}, grad.Shape)
	for i := 0; i < 6; i++ {
		require.InDelta(t, -1.0/6, grad.Data[i], 1e-7)
		require.InDelta(t, 1.0/6, grad.Data[6+i], 1e-7)
	}
	require.Greater(t, head.GradNorm(), 0.0)
	head.ZeroGrad()
	require.Equal(t, 0.0, head.GradNorm())

	_, err = head.Backward(features, 3)
	require.ErrorIs(t, err, model.ErrClassOutOfRange)
}

func TestHeadSaveLoad(t *testing.T) {
	head := modeltest.FavoringHead(4)
	filename := filepath.Join(t.TempDir(), "head.bin")
	require.NoError(t, head.Save(filename))
	loaded, err := model.LoadHead(filename)
	require.NoError(t, err)
	require.Equal(t, head.NumClasses(), loaded.NumClasses())
	require.Equal(t, head.NumChannels(), loaded.NumChannels())

	features := featureMap(modeltest.NChannels, 3, 3, func(ch, y, x int) float32 { return float32(ch*y - x) })
	a, err := head.Forward(features)
	require.NoError(t, err)
	b, err := loaded.Forward(features)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestNetworkLayersAndAttach(t *testing.T) {
	net, backbone := modeltest.NewNetwork(0)
	layers := net.Layers()
	require.Len(t, layers, 4)
	require.Equal(t, "patches", layers[1].Name)
	require.Equal(t, model.LayerPooled, layers[2].Kind)
	require.Equal(t, model.LayerLinear, layers[3].Kind)

	_, err := net.Attach("stem", &recordingHook{})
	require.ErrorIs(t, err, model.ErrLayerNotInstrumentable)
	_, err = net.Attach("fc", &recordingHook{})
	require.ErrorIs(t, err, model.ErrLayerNotInstrumentable)

	hook := &recordingHook{}
	handle, err := net.Attach("patches", hook)
	require.NoError(t, err)
	require.Equal(t, "patches", handle.Layer())

	input := model.NewTensor(3, 224, 224)
	logits, err := net.Forward(input)
	require.NoError(t, err)
	require.Len(t, logits, 7)
	require.Len(t, hook.forward, 1)
	require.Equal(t, []int{modeltest.NChannels, 7, 7}, hook.forward[0].Shape)

	require.NoError(t, net.Backward(2))
	require.Len(t, hook.backward, 1)
	require.True(t, hook.backward[0].SameShape(hook.forward[0]))

	handle.Remove()
	handle.Remove()
	_, err = net.Forward(input)
	require.NoError(t, err)
	require.Len(t, hook.forward, 1)

	net.Close()
	require.True(t, backbone.Closed)
}

func TestNetworkBackwardNeedsForward(t *testing.T) {
	net, backbone := modeltest.NewNetwork(0)
	require.ErrorIs(t, net.Backward(0), model.ErrNoForward)

	backbone.Fail = os.ErrClosed
	_, err := net.Forward(model.NewTensor(3, 224, 224))
	require.ErrorIs(t, err, os.ErrClosed)
	// A failed forward must not leave stale state for Backward
	require.ErrorIs(t, net.Backward(0), model.ErrNoForward)
}

func TestLoadMetadata(t *testing.T) {
	dir := t.TempDir()
	good := `{
		"architecture": "resnet50",
		"input_shape": [1, 3, 224, 224],
		"image_size": 224,
		"classes": ["akiec", "bcc", "bkl", "df", "nv", "vasc", "mel"],
		"layers": [{"name": "layer4", "shape": [2048, 7, 7], "kind": "spatial"}],
		"backbone": "backbone.onnx",
		"head": "head.bin"
	}`
	filename := filepath.Join(dir, "model_metadata.json")
	require.NoError(t, os.WriteFile(filename, []byte(good), 0644))
	meta, err := model.LoadMetadata(filename)
	require.NoError(t, err)
	require.Equal(t, "resnet50", meta.ModelVersion)
	require.Equal(t, "input", meta.InputName)
	require.Equal(t, model.LayerSpatial, meta.Layers[0].Kind)

	bad := `{"input_shape": [1, 3, 224, 224], "classes": ["cat"], "layers": [{"name": "x"}]}`
	require.NoError(t, os.WriteFile(filename, []byte(bad), 0644))
	_, err = model.LoadMetadata(filename)
	require.Error(t, err)

	mismatch := `{"input_shape": [1, 3, 224, 224], "image_size": 256, "classes": ["akiec", "bcc", "bkl", "df", "nv", "vasc", "mel"], "layers": [{"name": "x"}]}`
	require.NoError(t, os.WriteFile(filename, []byte(mismatch), 0644))
	_, err = model.LoadMetadata(filename)
	require.ErrorContains(t, err, "image size")

	duplicate := `{"input_shape": [1, 3, 224, 224], "classes": ["akiec", "bcc", "bkl", "df", "nv", "vasc", "nv"], "layers": [{"name": "x"}]}`
	require.NoError(t, os.WriteFile(filename, []byte(duplicate), 0644))
	_, err = model.LoadMetadata(filename)
	require.ErrorContains(t, err, "more than once")

	missing := `{"input_shape": [1, 3, 224, 224], "classes": ["akiec", "bcc", "bkl", "df", "nv", "vasc"], "layers": [{"name": "x"}]}`
	require.NoError(t, os.WriteFile(filename, []byte(missing), 0644))
	_, err = model.LoadMetadata(filename)
	require.ErrorContains(t, err, "expected all 7")
}

func TestLesionType(t *testing.T) {
	require.Equal(t, "Melanocytic nevi", model.LesionType("nv"))
	require.Equal(t, "unknown", model.LesionType("unknown"))
	for _, c := range model.DefaultClasses {
		require.Contains(t, model.LesionTypes, c)
	}
}
