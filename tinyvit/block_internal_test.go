package tinyvit

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/sw965/vitlrp/nn"
	"github.com/sw965/vitlrp/tensor"
)

func TestBlockSingleWindowMatchesPartition(t *testing.T) {
	rng := tensor.NewRand(5)
	blk := NewTinyViTBlock("blk", 8, 4, 4, 2, 4, 2, 0, 0, 3, rng)
	blk.Attn.Biases = tensor.NewHe(rng, blk.Attn.Biases.Shape...)
	plan, err := blk.Plan()
	require.NoError(t, err)
	require.True(t, plan.Direct())

	x := tensor.NewHe(rng, 2, 16, 8)
	r := tensor.NewHe(rng, 2, 16, 8)
	type outputs struct{ y, rel, cam, dx tensor.Tensor }
	run := func(partition bool) outputs {
		partitionSingleWindow = partition
		defer func() { partitionSingleWindow = false }()
		var o outputs
		p := nn.NewPass()
		var err error
		o.y, err = blk.Forward(p, x)
		require.NoError(t, err)
		o.dx, err = blk.Backward(p, r)
		require.NoError(t, err)
		o.rel, err = blk.Relevance(p, r)
		require.NoError(t, err)
		o.cam, err = blk.Attn.AttentionRelevance(p)
		require.NoError(t, err)
		return o
	}
	direct, partitioned := run(false), run(true)

	tol := cmpopts.EquateApprox(1e-6, 1e-7)
	for _, c := range []struct {
		name string
		a, b tensor.Tensor
	}{
		{"output", direct.y, partitioned.y},
		{"gradient", direct.dx, partitioned.dx},
		{"relevance", direct.rel, partitioned.rel},
		{"attention relevance", direct.cam, partitioned.cam},
	} {
		require.Equal(t, c.a.Shape, c.b.Shape, c.name)
		if diff := cmp.Diff(c.a.Data, c.b.Data, tol); diff != "" {
			t.Errorf("%s differs between direct and partitioned paths:\n%s", c.name, diff)
		}
	}
}
