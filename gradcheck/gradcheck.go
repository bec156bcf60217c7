// Package gradcheck estimates gradients by central differences.
package gradcheck

import (
	"golang.org/x/exp/constraints"
)

// DefaultStep suits float32 models whose activations are of order one.
const DefaultStep = 1e-2

func NumericalGradient[X constraints.Float](xs []X, f func([]X) X) []X {
	return NumericalGradientStep(xs, X(DefaultStep), f)
}

// NumericalGradientStep perturbs xs in place one entry at a time and
// restores it before returning.
func NumericalGradientStep[X constraints.Float](xs []X, h X, f func([]X) X) []X {
	n := len(xs)
	grad := make([]X, n)
	for i := 0; i < n; i++ {
		tmp := xs[i]
		xs[i] = tmp + h
		y1 := f(xs)

		xs[i] = tmp - h
		y2 := f(xs)

		grad[i] = (y1 - y2) / (h * 2)
		xs[i] = tmp
	}
	return grad
}

// Dot is the scalar objective sum(a*b) used to turn a vector-valued
// function into a scalar one for checking.
func Dot[X constraints.Float](a, b []X) X {
	var s X
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
