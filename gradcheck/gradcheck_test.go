package gradcheck_test

import (
	"math"
	"testing"

	"github.com/sw965/vitlrp/gradcheck"
)

func TestNumericalGradient(t *testing.T) {
	xs := []float64{1, -2, 0.5}
	f := func(xs []float64) float64 {
		return xs[0]*xs[0] + 3*xs[1] + math.Sin(xs[2])
	}
	got := gradcheck.NumericalGradientStep(xs, 1e-5, f)
	want := []float64{2, 3, math.Cos(0.5)}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-6 {
			t.Errorf("grad[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if xs[0] != 1 || xs[1] != -2 || xs[2] != 0.5 {
		t.Errorf("inputs were not restored: %v", xs)
	}
}
