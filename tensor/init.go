package tensor

import (
	"math"
	"math/rand/v2"

	"github.com/seehuhn/mt19937"
	"gonum.org/v1/gonum/stat/distuv"
)

// NewRand returns a Mersenne Twister seeded with seed, for weight
// initialization.
func NewRand(seed uint64) *rand.Rand {
	mt := mt19937.New()
	mt.Seed(int64(seed))
	return rand.New(mt)
}

// NewTruncNormal samples N(0, std²) truncated to [-2, 2].
func NewTruncNormal(std float64, rng *rand.Rand, shape ...int) Tensor {
	t := NewZeros(shape...)
	dist := distuv.Normal{Mu: 0, Sigma: std, Src: rng}
	for i := range t.Data {
		v := dist.Rand()
		for v < -2 || v > 2 {
			v = dist.Rand()
		}
		t.Data[i] = float32(v)
	}
	return t
}

// NewHe samples with std sqrt(2/fanIn), fanIn being the product of every
// axis but the first.
func NewHe(rng *rand.Rand, shape ...int) Tensor {
	t := NewZeros(shape...)
	fanIn := 1
	if len(shape) > 1 {
		fanIn = numel(shape[1:])
	}
	std := float32(math.Sqrt(2.0 / float64(max(fanIn, 1))))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64()) * std
	}
	return t
}
