package tinyvit

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/vitlrp/nn"
	"github.com/sw965/vitlrp/tensor"
)

// PatchMerging halves the grid with a stride-2 depthwise convolution and
// changes the width from Dim to OutDim. It accepts grid or sequence layout
// and always emits sequence layout.
type PatchMerging struct {
	H, W   int
	Dim    int
	OutDim int
	Conv1  *nn.Conv2dBN
	Act1   *nn.GELU
	Conv2  *nn.Conv2dBN
	Act2   *nn.GELU
	Conv3  *nn.Conv2dBN
}

func NewPatchMerging(h, w, dim, outDim int, rng *rand.Rand) *PatchMerging {
	return &PatchMerging{
		H:      h,
		W:      w,
		Dim:    dim,
		OutDim: outDim,
		Conv1:  nn.NewConv2dBN(dim, outDim, 1, 1, 0, 1, 1, rng),
		Act1:   nn.NewGELU(),
		Conv2:  nn.NewConv2dBN(outDim, outDim, 3, 2, 1, outDim, 1, rng),
		Act2:   nn.NewGELU(),
		Conv3:  nn.NewConv2dBN(outDim, outDim, 1, 1, 0, 1, 1, rng),
	}
}

func (pm *PatchMerging) Params() map[string]tensor.Tensor {
	ps := map[string]tensor.Tensor{}
	nn.CollectParams(ps, "conv1", pm.Conv1)
	nn.CollectParams(ps, "conv2", pm.Conv2)
	nn.CollectParams(ps, "conv3", pm.Conv3)
	return ps
}

// OutputResolution is the grid side after the stride-2 convolution.
func (pm *PatchMerging) OutputResolution() (h, w int) {
	return tensor.ConvOutputSize(pm.H, 3, 2, 1), tensor.ConvOutputSize(pm.W, 3, 2, 1)
}

func (pm *PatchMerging) seq() nn.Sequential {
	return nn.Sequential{pm.Conv1, pm.Act1, pm.Conv2, pm.Act2, pm.Conv3}
}

func (pm *PatchMerging) layoutSlot() nn.Slot {
	return nn.Slot{Owner: pm, Name: "sequence_input"}
}

func (pm *PatchMerging) toGridInput(p *nn.Pass, x tensor.Tensor) (tensor.Tensor, error) {
	switch {
	case x.Rank() == 3:
		p.Save(pm.layoutSlot(), true)
		return toGrid(x, pm.H, pm.W)
	case x.Rank() == 4 && x.Shape[2] == pm.H && x.Shape[3] == pm.W:
		p.Save(pm.layoutSlot(), false)
		return x, nil
	}
	return tensor.Tensor{}, fmt.Errorf("%w: patch merging over %dx%d got %v", tensor.ErrShapeMismatch, pm.H, pm.W, x.Shape)
}

// fromGridInput undoes toGridInput for an input-shaped gradient or
// relevance, using the layout recorded by Forward.
func (pm *PatchMerging) fromGridInput(p *nn.Pass, g tensor.Tensor) (tensor.Tensor, error) {
	seq, err := nn.Load[bool](p, pm.layoutSlot())
	if err != nil {
		return tensor.Tensor{}, err
	}
	if !seq {
		return g, nil
	}
	return toSequence(g)
}

// fromSequenceOutput maps (B, H'·W', OutDim) back to (B, OutDim, H', W').
func (pm *PatchMerging) fromSequenceOutput(r tensor.Tensor) (tensor.Tensor, error) {
	oh, ow := pm.OutputResolution()
	if r.Rank() != 3 || r.Shape[1] != oh*ow || r.Shape[2] != pm.OutDim {
		return tensor.Tensor{}, fmt.Errorf("%w: patch merging output %v, want (B, %d, %d)", tensor.ErrShapeMismatch, r.Shape, oh*ow, pm.OutDim)
	}
	return toGrid(r, oh, ow)
}

func (pm *PatchMerging) Forward(p *nn.Pass, x tensor.Tensor) (tensor.Tensor, error) {
	g, err := pm.toGridInput(p, x)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if g, err = pm.seq().Forward(p, g); err != nil {
		return tensor.Tensor{}, err
	}
	return toSequence(g)
}

func (pm *PatchMerging) Relevance(p *nn.Pass, r tensor.Tensor) (tensor.Tensor, error) {
	g, err := pm.fromSequenceOutput(r)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if g, err = pm.seq().Relevance(p, g); err != nil {
		return tensor.Tensor{}, err
	}
	return pm.fromGridInput(p, g)
}

func (pm *PatchMerging) Backward(p *nn.Pass, dy tensor.Tensor) (tensor.Tensor, error) {
	g, err := pm.fromSequenceOutput(dy)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if g, err = pm.seq().Backward(p, g); err != nil {
		return tensor.Tensor{}, err
	}
	return pm.fromGridInput(p, g)
}
