package tinyvit

import (
	"fmt"

	"github.com/sw965/vitlrp/nn"
	"github.com/sw965/vitlrp/tensor"
)

// BasicLayer is a transformer stage: TinyViT blocks on the token sequence,
// then an optional PatchMerging.
type BasicLayer struct {
	Dim        int
	Resolution int
	Blocks     []*TinyViTBlock
	Downsample *PatchMerging
}

func (bl *BasicLayer) Params() map[string]tensor.Tensor {
	ps := map[string]tensor.Tensor{}
	for i, blk := range bl.Blocks {
		nn.CollectParams(ps, fmt.Sprintf("blocks.%d", i), blk)
	}
	if bl.Downsample != nil {
		nn.CollectParams(ps, "downsample", bl.Downsample)
	}
	return ps
}

func (bl *BasicLayer) Forward(p *nn.Pass, x tensor.Tensor) (tensor.Tensor, error) {
	var err error
	for _, blk := range bl.Blocks {
		if x, err = blk.Forward(p, x); err != nil {
			return tensor.Tensor{}, err
		}
	}
	if bl.Downsample != nil {
		return bl.Downsample.Forward(p, x)
	}
	return x, nil
}

// Relevance inverts the downsampler, then the blocks from last to first.
func (bl *BasicLayer) Relevance(p *nn.Pass, r tensor.Tensor) (tensor.Tensor, error) {
	var err error
	if bl.Downsample != nil {
		if r, err = bl.Downsample.Relevance(p, r); err != nil {
			return tensor.Tensor{}, err
		}
	}
	for i := len(bl.Blocks) - 1; i >= 0; i-- {
		if r, err = bl.Blocks[i].Relevance(p, r); err != nil {
			return tensor.Tensor{}, err
		}
	}
	return r, nil
}

func (bl *BasicLayer) Backward(p *nn.Pass, dy tensor.Tensor) (tensor.Tensor, error) {
	var err error
	if bl.Downsample != nil {
		if dy, err = bl.Downsample.Backward(p, dy); err != nil {
			return tensor.Tensor{}, err
		}
	}
	for i := len(bl.Blocks) - 1; i >= 0; i-- {
		if dy, err = bl.Blocks[i].Backward(p, dy); err != nil {
			return tensor.Tensor{}, err
		}
	}
	return dy, nil
}
