package explain_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/sw965/vitlrp/explain"
	"github.com/sw965/vitlrp/nn"
	"github.com/sw965/vitlrp/tensor"
	"github.com/sw965/vitlrp/tinyvit"
)

func TestRolloutIdentity(t *testing.T) {
	got, err := explain.Rollout([]tensor.Tensor{tensor.NewZeros(1, 4, 4)}, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := tensor.Eye(4)
	if !slices.Equal(got.Data, want.Data) {
		t.Errorf("rollout of zero matrix = %v, want identity", got.Data)
	}
}

func TestRolloutChain(t *testing.T) {
	rng := tensor.NewRand(1)
	m0 := tensor.NewHe(rng, 2, 3, 3).ClampMin(0)
	m1 := tensor.NewHe(rng, 2, 3, 3).ClampMin(0)
	in0, in1 := m0.Clone(), m1.Clone()

	plusI := func(m tensor.Tensor) tensor.Tensor {
		eye := tensor.Must(tensor.Stack(tensor.Eye(3), tensor.Eye(3)))
		return tensor.Must(tensor.Add(m, eye))
	}
	want, err := tensor.MatMul(plusI(m1), plusI(m0), false, false)
	if err != nil {
		t.Fatal(err)
	}
	got, err := explain.Rollout([]tensor.Tensor{m0, m1}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want.Data, got.Data, cmpopts.EquateApprox(1e-6, 1e-6)); diff != "" {
		t.Errorf("start 0 mismatch (-want +got):\n%s", diff)
	}

	got, err = explain.Rollout([]tensor.Tensor{m0, m1}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(plusI(m1).Data, got.Data) {
		t.Errorf("start 1 = %v, want M1+I", got.Data)
	}

	if !slices.Equal(m0.Data, in0.Data) || !slices.Equal(m1.Data, in1.Data) {
		t.Errorf("rollout modified its inputs")
	}
}

func TestRolloutErrors(t *testing.T) {
	a := tensor.NewZeros(1, 3, 3)
	if _, err := explain.Rollout(nil, 0); !errors.Is(err, explain.ErrStartLayer) {
		t.Errorf("empty list: err = %v", err)
	}
	if _, err := explain.Rollout([]tensor.Tensor{a, a}, 2); !errors.Is(err, explain.ErrStartLayer) {
		t.Errorf("start past end: err = %v", err)
	}
	if _, err := explain.Rollout([]tensor.Tensor{a, tensor.NewZeros(1, 4, 4)}, 0); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("mismatched sizes: err = %v", err)
	}
	if _, err := explain.Rollout([]tensor.Tensor{tensor.NewZeros(3, 4)}, 0); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("rank 2: err = %v", err)
	}
}

func TestParseMethod(t *testing.T) {
	testCases := []struct {
		in   string
		want explain.Method
	}{
		{"full", explain.MethodFull},
		{"rollout", explain.MethodRollout},
		{"transformer_attribution", explain.MethodTransformerAttribution},
		{"grad", explain.MethodTransformerAttribution},
		{" Grad ", explain.MethodTransformerAttribution},
	}
	for _, tc := range testCases {
		got, err := explain.ParseMethod(tc.in)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
	_, err := explain.ParseMethod("lrp")
	require.ErrorIs(t, err, explain.ErrUnknownMethod)
}

func newGenerator(t *testing.T) *explain.Generator {
	t.Helper()
	cfg, err := tinyvit.Lookup("tiny_vit_test")
	require.NoError(t, err)
	model, err := tinyvit.New(cfg, 3)
	require.NoError(t, err)
	return explain.NewGenerator(model)
}

// windowedConfig has 16 windows in layers.1 and 4 in layers.2, all of
// 2x2 tokens.
func windowedConfig() tinyvit.Config {
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
	return cfg
}

func image(g *explain.Generator, batch int) tensor.Tensor {
	cfg := g.Model.Config
	return tensor.NewHe(tensor.NewRand(11), batch, cfg.InChans, cfg.ImgSize, cfg.ImgSize)
}

func TestGenerateShapes(t *testing.T) {
	g := newGenerator(t)
	cfg := g.Model.Config
	x := image(g, 2)
	// Both transformer stages of tiny_vit_test see one 4x4 window.
	n := 16
	testCases := []struct {
		method explain.Method
		shape  []int
	}{
		{explain.MethodFull, []int{2, cfg.ImgSize, cfg.ImgSize}},
		{explain.MethodRollout, []int{2, n - 1}},
		{explain.MethodTransformerAttribution, []int{2, n - 1}},
		{"grad", []int{2, n - 1}},
	}
	for _, tc := range testCases {
		t.Run(string(tc.method), func(t *testing.T) {
			res, err := g.Generate(context.Background(), x, explain.Options{Method: tc.method})
			require.NoError(t, err)
			require.Equal(t, tc.shape, res.Map.Shape)
			require.Equal(t, []int{2, cfg.NumClasses}, res.Logits.Shape)
			require.Equal(t, res.Logits.ArgmaxLast(), res.Class)
			if tc.method != explain.MethodFull {
				require.GreaterOrEqual(t, res.Map.Min(), float32(0))
			}
		})
	}
}

func TestGenerateDeterministic(t *testing.T) {
	g := newGenerator(t)
	x := image(g, 1)
	class := 2
	opts := explain.Options{Method: explain.MethodTransformerAttribution, Class: &class}
	a, err := g.Generate(context.Background(), x, opts)
	require.NoError(t, err)
	b, err := g.Generate(context.Background(), x, opts)
	require.NoError(t, err)
	require.Equal(t, []int{2}, a.Class)
	require.Equal(t, a.Map.Data, b.Map.Data)
}

func TestGenerateRejects(t *testing.T) {
	g := newGenerator(t)
	x := image(g, 1)
	ctx := context.Background()

	class := g.Model.Config.NumClasses
	_, err := g.Generate(ctx, x, explain.Options{Method: explain.MethodRollout, Class: &class})
	require.ErrorIs(t, err, tinyvit.ErrInvalidConfig)

	_, err = g.Generate(ctx, x, explain.Options{Method: "lrp"})
	require.ErrorIs(t, err, explain.ErrUnknownMethod)

	_, err = g.Generate(ctx, x, explain.Options{Method: explain.MethodRollout, StartLayer: len(g.Model.Blocks())})
	require.ErrorIs(t, err, explain.ErrStartLayer)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = g.Generate(cancelled, x, explain.Options{Method: explain.MethodFull})
	require.ErrorIs(t, err, context.Canceled)
}

func TestAggregateStaleGradients(t *testing.T) {
	g := newGenerator(t)
	x := image(g, 1)
	p := nn.NewPass()
	y, err := g.Model.Forward(p, x)
	require.NoError(t, err)
	seed := tensor.NewZerosLike(y)
	seed.Data[0] = 1
	grads, err := g.Model.Backward(p, seed)
	require.NoError(t, err)

	// A second forward invalidates the gradients of the first.
	_, err = g.Model.Forward(p, x)
	require.NoError(t, err)
	_, err = explain.Aggregate(explain.MethodTransformerAttribution, g.Model, p, seed, grads, 0)
	require.ErrorIs(t, err, nn.ErrStaleCache)
}

func TestGenerateManyWindows(t *testing.T) {
	model, err := tinyvit.New(windowedConfig(), 4)
	require.NoError(t, err)
	var windows []int
	for _, blk := range model.Blocks() {
		plan, err := blk.Plan()
		require.NoError(t, err)
		windows = append(windows, plan.Windows())
	}
	require.Equal(t, []int{16, 4}, windows)

	g := explain.NewGenerator(model)
	x := image(g, 2)
	second, err := x.Index(1)
	require.NoError(t, err)
	second, err = second.Reshape(1, 3, 64, 64)
	require.NoError(t, err)

	testCases := []struct {
		method explain.Method
		shape  []int
	}{
		{explain.MethodFull, []int{2, 64, 64}},
		{explain.MethodRollout, []int{2, 3}},
		{explain.MethodTransformerAttribution, []int{2, 3}},
	}
	for _, tc := range testCases {
		t.Run(string(tc.method), func(t *testing.T) {
			res, err := g.Generate(context.Background(), x, explain.Options{Method: tc.method})
			require.NoError(t, err)
			require.Equal(t, tc.shape, res.Map.Shape)
			if tc.method == explain.MethodFull {
				return
			}
			require.GreaterOrEqual(t, res.Map.Min(), float32(0))

			// Each sample is explained from its own windows.
			alone, err := g.Generate(context.Background(), second, explain.Options{Method: tc.method, Class: &res.Class[1]})
			require.NoError(t, err)
			row, err := res.Map.Index(1)
			require.NoError(t, err)
			if diff := cmp.Diff(alone.Map.Data, row.Data, cmpopts.EquateApprox(1e-3, 1e-6)); diff != "" {
				t.Errorf("second sample differs from explaining it alone (-alone +batched):\n%s", diff)
			}
		})
	}
}
