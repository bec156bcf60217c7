package tinyvit

import (
	"slices"
	"testing"

	"github.com/sw965/vitlrp/tensor"
)

func TestSplitMergeQKV(t *testing.T) {
	a := NewAttention("attn", 6, 2, 2, tensor.NewRand(1))
	x := tensor.NewZeros(2, 4, 3*6)
	for i := range x.Data {
		x.Data[i] = float32(i)
	}
	q, k, v, err := a.splitQKV(x)
	if err != nil {
		t.Fatal(err)
	}
	if want := []int{2, 2, 4, 3}; !slices.Equal(q.Shape, want) {
		t.Fatalf("q shape = %v, want %v", q.Shape, want)
	}
	// qkv[b, n, s*H*d + h*d + i] lands at part s, [b, h, n, i].
	if got, want := k.Data[k.At(1, 1, 2, 0)], x.Data[x.At(1, 2, 1*6+1*3+0)]; got != want {
		t.Errorf("k[1,1,2,0] = %v, want %v", got, want)
	}
	if got, want := v.Data[v.At(0, 0, 3, 2)], x.Data[x.At(0, 3, 2*6+0*3+2)]; got != want {
		t.Errorf("v[0,0,3,2] = %v, want %v", got, want)
	}
	back, err := a.mergeQKV(q, k, v)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(back.Shape, x.Shape) || !slices.Equal(back.Data, x.Data) {
		t.Errorf("merge(split(x)) != x")
	}

	heads, err := a.splitHeads(x)
	if err != nil {
		t.Fatal(err)
	}
	merged, err := mergeHeads(heads)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(merged.Data, x.Data) {
		t.Errorf("mergeHeads(splitHeads(x)) != x")
	}
}
