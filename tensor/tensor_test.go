package tensor_test

import (
	"errors"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/seehuhn/mt19937"
	"github.com/sw965/vitlrp/gradcheck"
	"github.com/sw965/vitlrp/tensor"
)

var approx = cmpopts.EquateApprox(1e-4, 1e-5)

func arange(shape ...int) tensor.Tensor {
	t := tensor.NewZeros(shape...)
	for i := range t.Data {
		t.Data[i] = float32(i)
	}
	return t
}

func TestReshape(t *testing.T) {
	x := arange(2, 3, 4)
	y, err := x.Reshape(6, -1)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(y.Shape, []int{6, 4}) {
		t.Errorf("shape = %v", y.Shape)
	}
	if _, err := x.Reshape(5, -1); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("err = %v, want ErrShapeMismatch", err)
	}
	if _, err := x.Reshape(2, 2, 2); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("err = %v, want ErrShapeMismatch", err)
	}
}

func TestPermute(t *testing.T) {
	x := arange(2, 3, 4)
	y, err := x.Permute(2, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(y.Shape, []int{4, 2, 3}) {
		t.Fatalf("shape = %v", y.Shape)
	}
	for a := 0; a < 2; a++ {
		for b := 0; b < 3; b++ {
			for c := 0; c < 4; c++ {
				if got, want := y.Data[y.At(c, a, b)], x.Data[x.At(a, b, c)]; got != want {
					t.Fatalf("y[%d,%d,%d] = %v, want %v", c, a, b, got, want)
				}
			}
		}
	}

	z, err := y.Permute(tensor.InversePermutation([]int{2, 0, 1})...)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(z.Shape, x.Shape) || !slices.Equal(z.Data, x.Data) {
		t.Errorf("inverse permutation did not restore the input")
	}

	if _, err := x.Permute(0, 0, 1); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("err = %v, want ErrShapeMismatch", err)
	}
}

func TestTranspose(t *testing.T) {
	x := arange(2, 3)
	y, err := x.Transpose(0, -1)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{0, 3, 1, 4, 2, 5}
	if !slices.Equal(y.Data, want) {
		t.Errorf("got %v, want %v", y.Data, want)
	}
}

func TestPadEndCrop(t *testing.T) {
	x := arange(1, 3, 3, 2)
	p, err := x.PadEnd(0, 2, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(p.Shape, []int{1, 5, 4, 2}) {
		t.Fatalf("shape = %v", p.Shape)
	}
	if p.Sum() != x.Sum() {
		t.Errorf("padding changed the sum: %v != %v", p.Sum(), x.Sum())
	}
	if v := p.Data[p.At(0, 4, 3, 1)]; v != 0 {
		t.Errorf("padded entry = %v, want 0", v)
	}
	c, err := p.Crop(1, 3, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(c.Data, x.Data) {
		t.Errorf("crop(pad(x)) != x")
	}
}

func TestSafeDivide(t *testing.T) {
	a := tensor.Must(tensor.FromSlice([]float32{1, 2, 3, 4}, 4))
	b := tensor.Must(tensor.FromSlice([]float32{2, 0, -3, 1e-12}, 4))
	got, err := tensor.SafeDivide(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Data[1] != 0 {
		t.Errorf("division by zero = %v, want 0", got.Data[1])
	}
	want := []float32{0.5, 0, -1, 4 / (1e-12 + 1e-9)}
	if diff := cmp.Diff(want, got.Data, approx); diff != "" {
		t.Errorf("SafeDivide mismatch (-want +got):\n%s", diff)
	}
}

func TestSumMeanAxis(t *testing.T) {
	x := arange(2, 3, 2)
	s, err := x.SumAxis(1, false)
	if err != nil {
		t.Fatal(err)
	}
	if want := []float32{6, 9, 24, 27}; !slices.Equal(s.Data, want) {
		t.Errorf("sum = %v, want %v", s.Data, want)
	}
	m, err := x.MeanAxis(-1, true)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(m.Shape, []int{2, 3, 1}) {
		t.Errorf("shape = %v", m.Shape)
	}
	if want := []float32{0.5, 2.5, 4.5, 6.5, 8.5, 10.5}; !slices.Equal(m.Data, want) {
		t.Errorf("mean = %v, want %v", m.Data, want)
	}
}

func naiveMatMul(a, b []float32, m, k, n int) []float32 {
	c := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			for l := 0; l < k; l++ {
				c[i*n+j] += a[i*k+l] * b[l*n+j]
			}
		}
	}
	return c
}

func TestMatMul(t *testing.T) {
	rng := tensor.NewRand(1)
	a := tensor.NewHe(rng, 3, 4, 5)
	b := tensor.NewHe(rng, 3, 5, 2)
	c, err := tensor.MatMul(a, b, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(c.Shape, []int{3, 4, 2}) {
		t.Fatalf("shape = %v", c.Shape)
	}
	for i := 0; i < 3; i++ {
		want := naiveMatMul(a.Data[i*20:(i+1)*20], b.Data[i*10:(i+1)*10], 4, 5, 2)
		if diff := cmp.Diff(want, c.Data[i*8:(i+1)*8], approx); diff != "" {
			t.Errorf("batch %d mismatch (-want +got):\n%s", i, diff)
		}
	}

	bt, err := b.Transpose(-1, -2)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := tensor.MatMul(a, bt, false, true)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c.Data, c2.Data, approx); diff != "" {
		t.Errorf("transposed operand mismatch (-want +got):\n%s", diff)
	}

	if _, err := tensor.MatMul(a, a, false, false); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("err = %v, want ErrShapeMismatch", err)
	}
}

func TestMatMulThreadsDeterministic(t *testing.T) {
	rng := tensor.NewRand(2)
	a := tensor.NewHe(rng, 8, 6, 7)
	b := tensor.NewHe(rng, 8, 7, 6)
	tensor.SetThreads(1)
	serial, err := tensor.MatMul(a, b, false, false)
	if err != nil {
		t.Fatal(err)
	}
	tensor.SetThreads(4)
	defer tensor.SetThreads(1)
	par, err := tensor.MatMul(a, b, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(serial.Data, par.Data) {
		t.Errorf("parallel matmul differs from serial")
	}
}

func naiveConv(x, w tensor.Tensor, spec tensor.ConvSpec) tensor.Tensor {
	b, h, wd := x.Shape[0], x.Shape[2], x.Shape[3]
	o, cg, kh, kw := w.Shape[0], w.Shape[1], w.Shape[2], w.Shape[3]
	og := o / spec.Groups
	oh := tensor.ConvOutputSize(h, kh, spec.Stride, spec.Pad)
	ow := tensor.ConvOutputSize(wd, kw, spec.Stride, spec.Pad)
	y := tensor.NewZeros(b, o, oh, ow)
	for n := 0; n < b; n++ {
		for oc := 0; oc < o; oc++ {
			g := oc / og
			for i := 0; i < oh; i++ {
				for j := 0; j < ow; j++ {
					var s float32
					for ic := 0; ic < cg; ic++ {
						for fi := 0; fi < kh; fi++ {
							for fj := 0; fj < kw; fj++ {
								r := i*spec.Stride - spec.Pad + fi
								q := j*spec.Stride - spec.Pad + fj
								if r < 0 || r >= h || q < 0 || q >= wd {
									continue
								}
								s += x.Data[x.At(n, g*cg+ic, r, q)] * w.Data[w.At(oc, ic, fi, fj)]
							}
						}
					}
					y.Data[y.At(n, oc, i, j)] = s
				}
			}
		}
	}
	return y
}

func TestConv2d(t *testing.T) {
	rng := tensor.NewRand(3)
	testCases := []struct {
		name string
		x    []int
		w    []int
		spec tensor.ConvSpec
	}{
		{"pointwise", []int{2, 4, 5, 5}, []int{6, 4, 1, 1}, tensor.ConvSpec{Stride: 1, Groups: 1}},
		{"stride2", []int{1, 3, 8, 8}, []int{4, 3, 3, 3}, tensor.ConvSpec{Stride: 2, Pad: 1, Groups: 1}},
		{"depthwise", []int{2, 4, 6, 6}, []int{4, 1, 3, 3}, tensor.ConvSpec{Stride: 1, Pad: 1, Groups: 4}},
		{"depthwise stride2", []int{1, 4, 7, 7}, []int{4, 1, 3, 3}, tensor.ConvSpec{Stride: 2, Pad: 1, Groups: 4}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			x := tensor.NewHe(rng, tc.x...)
			w := tensor.NewHe(rng, tc.w...)
			got, err := tensor.Conv2d(x, w, tc.spec)
			if err != nil {
				t.Fatal(err)
			}
			want := naiveConv(x, w, tc.spec)
			if !slices.Equal(got.Shape, want.Shape) {
				t.Fatalf("shape = %v, want %v", got.Shape, want.Shape)
			}
			if diff := cmp.Diff(want.Data, got.Data, approx); diff != "" {
				t.Errorf("conv mismatch (-want +got):\n%s", diff)
			}

			dy := tensor.NewHe(rng, got.Shape...)
			dx, err := tensor.Conv2dInputGrad(dy, w, x.Shape, tc.spec)
			if err != nil {
				t.Fatal(err)
			}
			numeric := gradcheck.NumericalGradient(x.Data, func(xs []float32) float32 {
				y, err := tensor.Conv2d(x, w, tc.spec)
				if err != nil {
					t.Fatal(err)
				}
				return gradcheck.Dot(y.Data, dy.Data)
			})
			if diff := cmp.Diff(numeric, dx.Data, cmpopts.EquateApprox(2e-2, 2e-2)); diff != "" {
				t.Errorf("input gradient mismatch (-numeric +analytic):\n%s", diff)
			}
		})
	}
}

func TestNewTruncNormal(t *testing.T) {
	a := tensor.NewTruncNormal(0.02, tensor.NewRand(7), 64, 64)
	b := tensor.NewTruncNormal(0.02, tensor.NewRand(7), 64, 64)
	if !slices.Equal(a.Data, b.Data) {
		t.Errorf("same seed produced different weights")
	}
	if a.Max() > 2 || a.Min() < -2 {
		t.Errorf("values outside truncation bounds")
	}
}

func TestNewRandIsSeededMersenneTwister(t *testing.T) {
	mt := mt19937.New()
	mt.Seed(7)
	want := rand.New(mt)
	got := tensor.NewRand(7)
	for i := 0; i < 16; i++ {
		if g, w := got.Uint64(), want.Uint64(); g != w {
			t.Fatalf("draw %d = %d, want %d", i, g, w)
		}
	}
	if tensor.NewRand(7).Uint64() == tensor.NewRand(8).Uint64() {
		t.Errorf("seeds 7 and 8 start the same stream")
	}
}
