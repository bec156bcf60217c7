package cmd_test

import (
	"bytes"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sw965/vitlrp/checkpoint"
	"github.com/sw965/vitlrp/cmd"
	"github.com/sw965/vitlrp/imageio"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("VITLRP_DEBUG", "")
	c := cmd.NewCLI()
	var out, errOut bytes.Buffer
	c.SetOut(&out)
	c.SetErr(&errOut)
	c.SetArgs(args)
	err := c.ExecuteContext(t.Context())
	return out.String(), err
}

func TestVariants(t *testing.T) {
	out, err := run(t, "variants")
	require.NoError(t, err)
	require.Contains(t, out, "tiny_vit_21m_224\n")
	require.Contains(t, out, "tiny_vit_test\n")
}

func TestShow(t *testing.T) {
	out, err := run(t, "show", "--model", "tiny_vit_explain_224")
	require.NoError(t, err)
	require.Contains(t, out, "tiny_vit_explain_224: 224x224 input")
	require.Contains(t, out, "attention")
	require.Contains(t, out, "49")

	_, err = run(t, "show", "--model", "nope")
	require.Error(t, err)
}

func TestExplainAndExport(t *testing.T) {
	dir := t.TempDir()
	src := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			src.SetRGBA(x, y, color.RGBA{R: uint8(10 * x), G: uint8(10 * y), B: 90, A: 255})
		}
	}
	in := filepath.Join(dir, "in.png")
	require.NoError(t, imageio.SavePNG(in, src))

	weights := filepath.Join(dir, "w.safetensors")
	out, err := run(t, "export", weights, "--model", "tiny_vit_test")
	require.NoError(t, err)
	require.Contains(t, out, "wrote")
	ts, err := checkpoint.Load(weights)
	require.NoError(t, err)
	require.Contains(t, ts, "head.weight")

	heat := filepath.Join(dir, "heat.png")
	out, err = run(t, "explain", in, "--model", "tiny_vit_test", "--weights", weights,
		"--method", "grad", "--class", "3", "--out", heat, "--overlay", "0.5")
	require.NoError(t, err)
	require.Contains(t, out, "explained")
	require.Contains(t, out, "transformer_attribution")

	img, err := imageio.Load(heat)
	require.NoError(t, err)
	require.Equal(t, 32, img.Bounds().Dx())

	_, err = run(t, "explain", in, "--model", "tiny_vit_test", "--method", "saliency")
	require.Error(t, err)
}
