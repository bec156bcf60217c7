package tinyvit

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/vitlrp/nn"
	"github.com/sw965/vitlrp/tensor"
)

// PatchEmbed is the stride-4 convolutional stem, (B, 3, S, S) to
// (B, C, S/4, S/4).
type PatchEmbed struct {
	InChans  int
	EmbedDim int
	Seq      nn.Sequential
}

func NewPatchEmbed(inChans, embedDim int, rng *rand.Rand) *PatchEmbed {
	return &PatchEmbed{
		InChans:  inChans,
		EmbedDim: embedDim,
		Seq: nn.Sequential{
			nn.NewConv2dBN(inChans, embedDim/2, 3, 2, 1, 1, 1, rng),
			nn.NewGELU(),
			nn.NewConv2dBN(embedDim/2, embedDim, 3, 2, 1, 1, 1, rng),
		},
	}
}

func (pe *PatchEmbed) Params() map[string]tensor.Tensor {
	ps := map[string]tensor.Tensor{}
	nn.CollectParams(ps, "seq", pe.Seq)
	return ps
}

func (pe *PatchEmbed) Forward(p *nn.Pass, x tensor.Tensor) (tensor.Tensor, error) {
	return pe.Seq.Forward(p, x)
}

func (pe *PatchEmbed) Backward(p *nn.Pass, dy tensor.Tensor) (tensor.Tensor, error) {
	return pe.Seq.Backward(p, dy)
}

func (pe *PatchEmbed) Relevance(p *nn.Pass, r tensor.Tensor) (tensor.Tensor, error) {
	return pe.Seq.Relevance(p, r)
}

// MBConv is an inverted residual block: pointwise expansion, depthwise 3×3
// and pointwise projection, added to the input.
type MBConv struct {
	InChans     int
	HiddenChans int
	Clone       *nn.Clone
	Conv1       *nn.Conv2dBN
	Act1        *nn.GELU
	Conv2       *nn.Conv2dBN
	Act2        *nn.GELU
	Conv3       *nn.Conv2dBN
	DropPath    *nn.DropPath
	Add         *nn.Add
	Act3        *nn.GELU
}

func NewMBConv(chs int, expandRatio, dropPath float32, rng *rand.Rand) *MBConv {
	hidden := int(float32(chs) * expandRatio)
	return &MBConv{
		InChans:     chs,
		HiddenChans: hidden,
		Clone:       nn.NewClone(),
		Conv1:       nn.NewConv2dBN(chs, hidden, 1, 1, 0, 1, 1, rng),
		Act1:        nn.NewGELU(),
		Conv2:       nn.NewConv2dBN(hidden, hidden, 3, 1, 1, hidden, 1, rng),
		Act2:        nn.NewGELU(),
		Conv3:       nn.NewConv2dBN(hidden, chs, 1, 1, 0, 1, 0, rng),
		DropPath:    nn.NewDropPath(dropPath),
		Add:         nn.NewAdd(),
		Act3:        nn.NewGELU(),
	}
}

func (mb *MBConv) Params() map[string]tensor.Tensor {
	ps := map[string]tensor.Tensor{}
	nn.CollectParams(ps, "conv1", mb.Conv1)
	nn.CollectParams(ps, "conv2", mb.Conv2)
	nn.CollectParams(ps, "conv3", mb.Conv3)
	return ps
}

func (mb *MBConv) branch() nn.Sequential {
	return nn.Sequential{mb.Conv1, mb.Act1, mb.Conv2, mb.Act2, mb.Conv3, mb.DropPath}
}

func (mb *MBConv) Forward(p *nn.Pass, x tensor.Tensor) (tensor.Tensor, error) {
	xs := mb.Clone.Forward(p, x, 2)
	x1, err := mb.branch().Forward(p, xs[0])
	if err != nil {
		return tensor.Tensor{}, err
	}
	if x, err = mb.Add.Forward(p, x1, xs[1]); err != nil {
		return tensor.Tensor{}, err
	}
	return mb.Act3.Forward(p, x)
}

func (mb *MBConv) Relevance(p *nn.Pass, r tensor.Tensor) (tensor.Tensor, error) {
	r, err := mb.Act3.Relevance(p, r)
	if err != nil {
		return tensor.Tensor{}, err
	}
	r1, r2 := mb.Add.Relevance(p, r)
	if r1, err = mb.branch().Relevance(p, r1); err != nil {
		return tensor.Tensor{}, err
	}
	return mb.Clone.Relevance(p, []tensor.Tensor{r1, r2})
}

func (mb *MBConv) Backward(p *nn.Pass, dy tensor.Tensor) (tensor.Tensor, error) {
	g, err := mb.Act3.Backward(p, dy)
	if err != nil {
		return tensor.Tensor{}, err
	}
	g1, g2 := mb.Add.Backward(p, g)
	if g1, err = mb.branch().Backward(p, g1); err != nil {
		return tensor.Tensor{}, err
	}
	return mb.Clone.Backward(p, []tensor.Tensor{g1, g2})
}

// ConvLayer is the first stage: MBConv blocks on the grid, then an
// optional PatchMerging.
type ConvLayer struct {
	Dim        int
	Resolution int
	Blocks     []*MBConv
	Downsample *PatchMerging
}

func (cl *ConvLayer) Params() map[string]tensor.Tensor {
	ps := map[string]tensor.Tensor{}
	for i, blk := range cl.Blocks {
		nn.CollectParams(ps, fmt.Sprintf("blocks.%d", i), blk)
	}
	if cl.Downsample != nil {
		nn.CollectParams(ps, "downsample", cl.Downsample)
	}
	return ps
}

func (cl *ConvLayer) Forward(p *nn.Pass, x tensor.Tensor) (tensor.Tensor, error) {
	var err error
	for _, blk := range cl.Blocks {
		if x, err = blk.Forward(p, x); err != nil {
			return tensor.Tensor{}, err
		}
	}
	if cl.Downsample != nil {
		return cl.Downsample.Forward(p, x)
	}
	return x, nil
}

func (cl *ConvLayer) Relevance(p *nn.Pass, r tensor.Tensor) (tensor.Tensor, error) {
	var err error
	if cl.Downsample != nil {
		if r, err = cl.Downsample.Relevance(p, r); err != nil {
			return tensor.Tensor{}, err
		}
	}
	for i := len(cl.Blocks) - 1; i >= 0; i-- {
		if r, err = cl.Blocks[i].Relevance(p, r); err != nil {
			return tensor.Tensor{}, err
		}
	}
	return r, nil
}

func (cl *ConvLayer) Backward(p *nn.Pass, dy tensor.Tensor) (tensor.Tensor, error) {
	var err error
	if cl.Downsample != nil {
		if dy, err = cl.Downsample.Backward(p, dy); err != nil {
			return tensor.Tensor{}, err
		}
	}
	for i := len(cl.Blocks) - 1; i >= 0; i-- {
		if dy, err = cl.Blocks[i].Backward(p, dy); err != nil {
			return tensor.Tensor{}, err
		}
	}
	return dy, nil
}
