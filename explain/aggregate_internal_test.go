package explain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sw965/vitlrp/nn"
	"github.com/sw965/vitlrp/tensor"
	"github.com/sw965/vitlrp/tinyvit"
)

func TestAttentionFlowsAreNonNegative(t *testing.T) {
	cfg := tinyvit.DefaultConfig()
	cfg.Name = "windowed"
	cfg.ImgSize = 64
	cfg.NumClasses = 4
	cfg.EmbedDims = []int{8, 16, 24}
	cfg.Depths = []int{1, 1, 1}
	cfg.NumHeads = []int{1, 2, 3}
	cfg.WindowSizes = []int{2, 2, 2}
	cfg.MLPRatio = 2
	cfg.MBConvExpandRatio = 2
	model, err := tinyvit.New(cfg, 6)
	require.NoError(t, err)

	const batch = 2
	x := tensor.NewHe(tensor.NewRand(9), batch, 3, 64, 64)
	p := nn.NewPass()
	y, err := model.Forward(p, x)
	require.NoError(t, err)
	seed := tensor.NewZerosLike(y)
	for b := 0; b < batch; b++ {
		seed.Data[b*cfg.NumClasses+b] = 1
	}
	grads, err := model.Backward(p, seed)
	require.NoError(t, err)
	_, err = model.Relevance(p, seed, false)
	require.NoError(t, err)

	for _, blk := range model.Blocks() {
		plan, err := blk.Plan()
		require.NoError(t, err)
		n := plan.N()

		flow, err := attentionFlow(p, blk, batch)
		require.NoError(t, err)
		gated, err := gatedAttentionFlow(p, blk, grads, batch)
		require.NoError(t, err)
		for _, m := range []tensor.Tensor{flow, gated} {
			require.Equal(t, []int{batch, n, n}, m.Shape, blk.Attn.Name)
			require.GreaterOrEqual(t, m.Min(), float32(0), blk.Attn.Name)
		}

		// Sample b reads window b·nW of the cached relevance.
		cam, err := blk.Attn.AttentionRelevance(p)
		require.NoError(t, err)
		want, err := cam.Index(plan.Windows())
		require.NoError(t, err)
		want, err = want.ClampMin(0).MeanAxis(0, false)
		require.NoError(t, err)
		got, err := flow.Index(1)
		require.NoError(t, err)
		require.Equal(t, want.Data, got.Data, blk.Attn.Name)
	}
}

func TestFirstWindowsRejectsWrongCount(t *testing.T) {
	model, err := tinyvit.New(mustLookup(t, "tiny_vit_test"), 1)
	require.NoError(t, err)
	blk := model.Blocks()[0]
	_, err = firstWindows(tensor.NewZeros(3, 1, 16, 16), blk, 2)
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func mustLookup(t *testing.T, name string) tinyvit.Config {
	t.Helper()
	cfg, err := tinyvit.Lookup(name)
	require.NoError(t, err)
	return cfg
}
