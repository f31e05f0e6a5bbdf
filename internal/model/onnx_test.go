package model_test

import (
	"os"
	"testing"

	"github.com/Brownie44l1/lesion-api/internal/model"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// Needs a real model directory and the onnxruntime shared library, so it only
// runs when LESION_MODEL_DIR is set.
func TestONNXNetwork(t *testing.T) {
	dir := os.Getenv("LESION_MODEL_DIR")
	if dir == "" {
		t.Skip("LESION_MODEL_DIR not set")
	}
	net, meta, err := model.LoadNetwork(logs.NewTestingLog(t), dir, os.Getenv("ONNXRUNTIME_LIB"))
	require.NoError(t, err)
	defer net.Close()
	require.Equal(t, len(meta.Classes), net.NumClasses())

	input := model.NewTensor(3, meta.ImageSize, meta.ImageSize)
	logits, err := net.Forward(input)
	require.NoError(t, err)
	require.Len(t, logits, len(meta.Classes))

	// Deterministic
	again, err := net.Forward(input)
	require.NoError(t, err)
	require.Equal(t, logits, again)
	require.NoError(t, net.Backward(0))
}
