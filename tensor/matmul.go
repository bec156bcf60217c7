package tensor

import (
	"fmt"
	"runtime"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

var threads atomic.Int64

func init() {
	threads.Store(int64(runtime.GOMAXPROCS(0)))
}

// SetThreads bounds the goroutines used by batched kernels. n < 1 means 1.
func SetThreads(n int) {
	threads.Store(int64(max(n, 1)))
}

func Threads() int {
	return int(threads.Load())
}

// parallel runs f(i) for i in [0, n). Every i writes a disjoint output
// region, so the result does not depend on scheduling.
func parallel(n int, f func(i int)) {
	if n <= 1 || Threads() == 1 {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(Threads())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			f(i)
			return nil
		})
	}
	g.Wait()
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: max(cols, 1), Data: data}
}

func transpose(b bool) blas.Transpose {
	if b {
		return blas.Trans
	}
	return blas.NoTrans
}

// MatMul multiplies the trailing two axes of a and b, batched over equal
// leading axes. transA and transB transpose the respective operand.
func MatMul(a, b Tensor, transA, transB bool) (Tensor, error) {
	if a.Rank() < 2 || a.Rank() != b.Rank() || !slices.Equal(a.Shape[:a.Rank()-2], b.Shape[:b.Rank()-2]) {
		return Tensor{}, fmt.Errorf("%w: matmul %v and %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	ar, ac := a.Dim(-2), a.Dim(-1)
	br, bc := b.Dim(-2), b.Dim(-1)
	m, k := ar, ac
	if transA {
		m, k = ac, ar
	}
	kb, n := br, bc
	if transB {
		kb, n = bc, br
	}
	if k != kb {
		return Tensor{}, fmt.Errorf("%w: matmul %v and %v", ErrShapeMismatch, a.Shape, b.Shape)
	}

	shape := append(slices.Clone(a.Shape[:a.Rank()-2]), m, n)
	out := NewZeros(shape...)
	if m == 0 || n == 0 || k == 0 {
		return out, nil
	}
	batches := numel(a.Shape[:a.Rank()-2])
	aSize, bSize, cSize := ar*ac, br*bc, m*n
	tA, tB := transpose(transA), transpose(transB)
	parallel(batches, func(i int) {
		ag := general(ar, ac, a.Data[i*aSize:(i+1)*aSize])
		bg := general(br, bc, b.Data[i*bSize:(i+1)*bSize])
		cg := general(m, n, out.Data[i*cSize:(i+1)*cSize])
		blas32.Gemm(tA, tB, 1, ag, bg, 0, cg)
	})
	return out, nil
}

// Eye returns the (n, n) identity.
func Eye(n int) Tensor {
	t := NewZeros(n, n)
	for i := 0; i < n; i++ {
		t.Data[i*n+i] = 1
	}
	return t
}
