package tinyvit_test

import (
	"slices"
	"testing"

	"github.com/sw965/vitlrp/tensor"
	"github.com/sw965/vitlrp/tinyvit"
)

func TestWindowPartitionRoundTrip(t *testing.T) {
	testCases := []struct {
		name      string
		h, w, win int
		windows   int
	}{
		{"exact tiling", 4, 4, 2, 4},
		{"padded", 5, 5, 2, 9},
		{"uneven padding", 3, 5, 2, 6},
		{"window larger than grid", 2, 2, 4, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := tinyvit.NewWindowPlan(tc.h, tc.w, tc.win)
			if err != nil {
				t.Fatal(err)
			}
			if plan.Windows() != tc.windows {
				t.Errorf("windows = %d, want %d", plan.Windows(), tc.windows)
			}
			x := tensor.NewHe(tensor.NewRand(1), 2, tc.h*tc.w, 3)
			part, err := plan.Partition(x)
			if err != nil {
				t.Fatal(err)
			}
			if want := []int{2 * tc.windows, tc.win * tc.win, 3}; !slices.Equal(part.Shape, want) {
				t.Fatalf("partition shape = %v, want %v", part.Shape, want)
			}
			back, err := plan.Reverse(part)
			if err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(back.Shape, x.Shape) || !slices.Equal(back.Data, x.Data) {
				t.Errorf("reverse(partition(x)) != x")
			}
		})
	}
}

func TestWindowPartitionPlacesTokens(t *testing.T) {
	plan, err := tinyvit.NewWindowPlan(3, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	x := tensor.NewZeros(1, 9, 1)
	for i := range x.Data {
		x.Data[i] = float32(i + 1)
	}
	part, err := plan.Partition(x)
	if err != nil {
		t.Fatal(err)
	}
	// Windows in row-major order; each window row-major; padding is zero.
	want := []float32{
		1, 2, 4, 5,
		3, 0, 6, 0,
		7, 8, 0, 0,
		9, 0, 0, 0,
	}
	if !slices.Equal(part.Data, want) {
		t.Errorf("partition = %v, want %v", part.Data, want)
	}
}

func TestWindowPlanDirect(t *testing.T) {
	plan, err := tinyvit.NewWindowPlan(4, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Direct() {
		t.Fatal("4x4 grid with window 4 should be direct")
	}
	x := tensor.NewHe(tensor.NewRand(2), 3, 16, 5)
	part, err := plan.Partition(x)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(part.Shape, x.Shape) || !slices.Equal(part.Data, x.Data) {
		t.Errorf("single-window partition differs from the sequence itself")
	}
}

func TestNewWindowPlanRejectsZeroWindow(t *testing.T) {
	if _, err := tinyvit.NewWindowPlan(4, 4, 0); err == nil {
		t.Error("expected error for window 0")
	}
}

func TestAttentionBiasIndex(t *testing.T) {
	for _, w := range []int{1, 2, 3, 7} {
		idxs, offsets := tinyvit.AttentionBiasIndex(w)
		n := w * w
		if offsets != n {
			t.Errorf("window %d: %d offsets, want %d", w, offsets, n)
		}
		if len(idxs) != n*n {
			t.Fatalf("window %d: %d indices, want %d", w, len(idxs), n*n)
		}
		for i := 0; i < n; i++ {
			if idxs[i*n+i] != 0 {
				t.Errorf("window %d: self offset of %d = %d, want 0", w, i, idxs[i*n+i])
			}
			for j := 0; j < n; j++ {
				if idxs[i*n+j] != idxs[j*n+i] {
					t.Fatalf("window %d: index not symmetric at (%d, %d)", w, i, j)
				}
			}
		}
		// The first point meets every offset first, in row-major order.
		for j := 0; j < n; j++ {
			if idxs[j] != j {
				t.Errorf("window %d: first row %v", w, idxs[:n])
				break
			}
		}
	}
}
