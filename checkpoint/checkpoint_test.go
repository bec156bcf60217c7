package checkpoint_test

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sw965/vitlrp/checkpoint"
	"github.com/sw965/vitlrp/nn"
	"github.com/sw965/vitlrp/tensor"
	"github.com/sw965/vitlrp/tinyvit"
)

func TestSafetensorsRoundTrip(t *testing.T) {
	rng := tensor.NewRand(1)
	ts := map[string]tensor.Tensor{
		"a.weight": tensor.NewHe(rng, 3, 4),
		"b.bias":   tensor.NewHe(rng, 5),
		"c":        tensor.NewHe(rng, 2, 1, 3, 3),
	}
	path := filepath.Join(t.TempDir(), "w.safetensors")
	require.NoError(t, checkpoint.SaveSafetensors(path, ts, false))

	got, err := checkpoint.Load(path)
	require.NoError(t, err)
	require.Len(t, got, len(ts))
	for name, want := range ts {
		require.Equal(t, want.Shape, got[name].Shape, name)
		require.Equal(t, want.Data, got[name].Data, name)
	}
}

func TestSafetensorsHalf(t *testing.T) {
	ts := map[string]tensor.Tensor{"x": tensor.Must(tensor.FromSlice([]float32{0.5, -2, 1024, 0.1}, 2, 2))}
	var buf bytes.Buffer
	require.NoError(t, checkpoint.WriteSafetensors(&buf, ts, true))
	got, err := checkpoint.ParseSafetensors(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, []float32{0.5, -2, 1024}, got["x"].Data[:3])
	require.InDelta(t, 0.1, got["x"].Data[3], 1e-4)
}

func TestParseSafetensorsBF16(t *testing.T) {
	header := []byte(`{"x":{"dtype":"BF16","shape":[2],"data_offsets":[0,4]}}`)
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
	buf.Write(header)
	// bfloat16 is the top half of a float32: 1.5 is 0x3fc0, -4 is 0xc080.
	binary.Write(&buf, binary.LittleEndian, []uint16{0x3fc0, 0xc080})
	got, err := checkpoint.ParseSafetensors(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, []float32{1.5, -4}, got["x"].Data)
}

func TestParseSafetensorsErrors(t *testing.T) {
	_, err := checkpoint.ParseSafetensors([]byte{1, 2})
	require.ErrorIs(t, err, checkpoint.ErrCorrupt)

	header := []byte(`{"x":{"dtype":"I64","shape":[1],"data_offsets":[0,8]}}`)
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
	buf.Write(header)
	buf.Write(make([]byte, 8))
	_, err = checkpoint.ParseSafetensors(buf.Bytes())
	require.ErrorIs(t, err, checkpoint.ErrUnsupportedDType)
}

func newModel(t *testing.T, seed uint64) *tinyvit.Model {
	t.Helper()
	cfg, err := tinyvit.Lookup("tiny_vit_test")
	require.NoError(t, err)
	m, err := tinyvit.New(cfg, seed)
	require.NoError(t, err)
	return m
}

func TestApply(t *testing.T) {
	src, dst := newModel(t, 1), newModel(t, 2)
	ts := map[string]tensor.Tensor{}
	for name, p := range src.Params() {
		ts["module."+name] = p.Clone()
	}
	ts["layers.1.blocks.0.attn.attention_bias_idxs"] = tensor.NewZeros(16, 16)
	ts["extra.weight"] = tensor.NewZeros(1)

	rep, err := checkpoint.Apply(dst, ts, true)
	require.NoError(t, err)
	require.Empty(t, rep.Missing)
	require.Equal(t, []string{"extra.weight"}, rep.Unexpected)
	require.Len(t, rep.Loaded, len(src.Params()))

	x := tensor.NewHe(tensor.NewRand(3), 1, 3, 32, 32)
	ya, err := src.Forward(nn.NewPass(), x)
	require.NoError(t, err)
	yb, err := dst.Forward(nn.NewPass(), x)
	require.NoError(t, err)
	require.Equal(t, ya.Data, yb.Data)
}

func TestApplyStrictAndShapes(t *testing.T) {
	m := newModel(t, 1)
	_, err := checkpoint.Apply(m, map[string]tensor.Tensor{"head.bias": tensor.NewZeros(5)}, true)
	require.ErrorIs(t, err, checkpoint.ErrMissingTensor)

	rep, err := checkpoint.Apply(m, map[string]tensor.Tensor{"head.bias": tensor.NewOnes(5)}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"head.bias"}, rep.Loaded)
	require.Equal(t, []float32{1, 1, 1, 1, 1}, m.Head.Bias.Data)

	_, err = checkpoint.Apply(m, map[string]tensor.Tensor{"head.bias": tensor.NewZeros(6)}, false)
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)
}
