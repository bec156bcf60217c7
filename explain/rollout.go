package explain

import (
	"errors"
	"fmt"

	"github.com/sw965/vitlrp/tensor"
)

var ErrStartLayer = errors.New("explain: start layer out of range")

// Rollout adds the identity to each (b, N, N) matrix and chains them from
// ms[start] on, left-multiplying each later matrix onto the product:
// (M[k]+I)···(M[start+1]+I)(M[start]+I). The inputs are not modified.
func Rollout(ms []tensor.Tensor, start int) (tensor.Tensor, error) {
	if start < 0 || start >= len(ms) {
		return tensor.Tensor{}, fmt.Errorf("%w: start %d with %d matrices", ErrStartLayer, start, len(ms))
	}
	first := ms[0]
	if first.Rank() != 3 || first.Shape[1] != first.Shape[2] {
		return tensor.Tensor{}, fmt.Errorf("%w: rollout needs (b, N, N) matrices, got %v", tensor.ErrShapeMismatch, first.Shape)
	}
	n := first.Shape[1]
	aug := make([]tensor.Tensor, len(ms))
	for i, m := range ms {
		if !m.SameShape(first) {
			return tensor.Tensor{}, fmt.Errorf("%w: matrix %d is %v, matrix 0 is %v", tensor.ErrShapeMismatch, i, m.Shape, first.Shape)
		}
		a := m.Clone()
		for b := 0; b < a.Shape[0]; b++ {
			for j := 0; j < n; j++ {
				a.Data[(b*n+j)*n+j]++
			}
		}
		aug[i] = a
	}

	joint := aug[start]
	for _, m := range aug[start+1:] {
		var err error
		if joint, err = tensor.MatMul(m, joint, false, false); err != nil {
			return tensor.Tensor{}, err
		}
	}
	return joint, nil
}

// firstRow returns x[:, 0, 1:] of a (b, N, N) product: the flow from every
// token into token 0.
func firstRow(x tensor.Tensor) tensor.Tensor {
	b, n := x.Shape[0], x.Shape[1]
	out := tensor.NewZeros(b, n-1)
	for i := 0; i < b; i++ {
		copy(out.Data[i*(n-1):(i+1)*(n-1)], x.Data[i*n*n+1:i*n*n+n])
	}
	return out
}
