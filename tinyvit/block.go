package tinyvit

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/vitlrp/nn"
	"github.com/sw965/vitlrp/tensor"
)

type Mlp struct {
	Norm  *nn.LayerNorm
	FC1   *nn.Linear
	Act   *nn.GELU
	Drop1 *nn.Dropout
	FC2   *nn.Linear
	Drop2 *nn.Dropout
}

func NewMlp(dim, hidden int, drop float32, rng *rand.Rand) *Mlp {
	return &Mlp{
		Norm:  nn.NewLayerNorm(dim),
		FC1:   nn.NewLinear(dim, hidden, true, rng),
		Act:   nn.NewGELU(),
		Drop1: nn.NewDropout(drop),
		FC2:   nn.NewLinear(hidden, dim, true, rng),
		Drop2: nn.NewDropout(drop),
	}
}

func (m *Mlp) seq() nn.Sequential {
	return nn.Sequential{m.Norm, m.FC1, m.Act, m.Drop1, m.FC2, m.Drop2}
}

func (m *Mlp) Params() map[string]tensor.Tensor {
	ps := map[string]tensor.Tensor{}
	nn.CollectParams(ps, "norm", m.Norm)
	nn.CollectParams(ps, "fc1", m.FC1)
	nn.CollectParams(ps, "fc2", m.FC2)
	return ps
}

func (m *Mlp) Forward(p *nn.Pass, x tensor.Tensor) (tensor.Tensor, error) {
	return m.seq().Forward(p, x)
}

func (m *Mlp) Backward(p *nn.Pass, dy tensor.Tensor) (tensor.Tensor, error) {
	return m.seq().Backward(p, dy)
}

func (m *Mlp) Relevance(p *nn.Pass, r tensor.Tensor) (tensor.Tensor, error) {
	return m.seq().Relevance(p, r)
}

// TinyViTBlock is windowed attention, a depthwise local convolution and an
// MLP, with residual connections around attention and MLP.
type TinyViTBlock struct {
	Dim       int
	H, W      int
	Window    int
	Clone1    *nn.Clone
	Attn      *Attention
	DropPath1 *nn.DropPath
	Add1      *nn.Add
	LocalConv *nn.Conv2dBN
	Clone2    *nn.Clone
	MLP       *Mlp
	DropPath2 *nn.DropPath
	Add2      *nn.Add
}

func NewTinyViTBlock(name string, dim, h, w, heads, window int, mlpRatio, drop, dropPath float32, localConv int, rng *rand.Rand) *TinyViTBlock {
	return &TinyViTBlock{
		Dim:       dim,
		H:         h,
		W:         w,
		Window:    window,
		Clone1:    nn.NewClone(),
		Attn:      NewAttention(name+".attn", dim, heads, window, rng),
		DropPath1: nn.NewDropPath(dropPath),
		Add1:      nn.NewAdd(),
		LocalConv: nn.NewConv2dBN(dim, dim, localConv, 1, localConv/2, dim, 1, rng),
		Clone2:    nn.NewClone(),
		MLP:       NewMlp(dim, int(float32(dim)*mlpRatio), drop, rng),
		DropPath2: nn.NewDropPath(dropPath),
		Add2:      nn.NewAdd(),
	}
}

func (blk *TinyViTBlock) Params() map[string]tensor.Tensor {
	ps := map[string]tensor.Tensor{}
	nn.CollectParams(ps, "attn", blk.Attn)
	nn.CollectParams(ps, "local_conv", blk.LocalConv)
	nn.CollectParams(ps, "mlp", blk.MLP)
	return ps
}

func (blk *TinyViTBlock) Plan() (WindowPlan, error) {
	return NewWindowPlan(blk.H, blk.W, blk.Window)
}

func (blk *TinyViTBlock) check(x tensor.Tensor) error {
	if x.Rank() != 3 || x.Shape[1] != blk.H*blk.W || x.Shape[2] != blk.Dim {
		return fmt.Errorf("%w: block over %dx%d tokens of width %d got %v: %w",
			ErrInvalidConfig, blk.H, blk.W, blk.Dim, x.Shape, tensor.ErrShapeMismatch)
	}
	return nil
}

// partitionSingleWindow sends single-window grids through Partition and
// Reverse as well.
var partitionSingleWindow bool

// windowed runs f on the windows of x, or on x itself when the grid is a
// single unpadded window. Forward, gradient and relevance all route through
// here so the partition is always undone by its exact inverse.
func (blk *TinyViTBlock) windowed(x tensor.Tensor, f func(tensor.Tensor) (tensor.Tensor, error)) (tensor.Tensor, error) {
	plan, err := blk.Plan()
	if err != nil {
		return tensor.Tensor{}, err
	}
	if plan.Direct() && !partitionSingleWindow {
		return f(x)
	}
	w, err := plan.Partition(x)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if w, err = f(w); err != nil {
		return tensor.Tensor{}, err
	}
	return plan.Reverse(w)
}

// localConv runs f on x converted to grid layout and converts back.
func (blk *TinyViTBlock) localConv(x tensor.Tensor, f func(tensor.Tensor) (tensor.Tensor, error)) (tensor.Tensor, error) {
	g, err := toGrid(x, blk.H, blk.W)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if g, err = f(g); err != nil {
		return tensor.Tensor{}, err
	}
	return toSequence(g)
}

func (blk *TinyViTBlock) Forward(p *nn.Pass, x tensor.Tensor) (tensor.Tensor, error) {
	if err := blk.check(x); err != nil {
		return tensor.Tensor{}, err
	}
	branches := blk.Clone1.Forward(p, x, 2)
	a, err := blk.windowed(branches[1], func(w tensor.Tensor) (tensor.Tensor, error) {
		return blk.Attn.Forward(p, w)
	})
	if err != nil {
		return tensor.Tensor{}, err
	}
	if a, err = blk.DropPath1.Forward(p, a); err != nil {
		return tensor.Tensor{}, err
	}
	if x, err = blk.Add1.Forward(p, branches[0], a); err != nil {
		return tensor.Tensor{}, err
	}
	if x, err = blk.localConv(x, func(g tensor.Tensor) (tensor.Tensor, error) {
		return blk.LocalConv.Forward(p, g)
	}); err != nil {
		return tensor.Tensor{}, err
	}
	branches = blk.Clone2.Forward(p, x, 2)
	m, err := blk.MLP.Forward(p, branches[1])
	if err != nil {
		return tensor.Tensor{}, err
	}
	if m, err = blk.DropPath2.Forward(p, m); err != nil {
		return tensor.Tensor{}, err
	}
	return blk.Add2.Forward(p, branches[0], m)
}

func (blk *TinyViTBlock) Relevance(p *nn.Pass, r tensor.Tensor) (tensor.Tensor, error) {
	if err := blk.check(r); err != nil {
		return tensor.Tensor{}, err
	}
	r1, r2 := blk.Add2.Relevance(p, r)
	r2, err := blk.DropPath2.Relevance(p, r2)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if r2, err = blk.MLP.Relevance(p, r2); err != nil {
		return tensor.Tensor{}, err
	}
	if r, err = blk.Clone2.Relevance(p, []tensor.Tensor{r1, r2}); err != nil {
		return tensor.Tensor{}, err
	}
	if r, err = blk.localConv(r, func(g tensor.Tensor) (tensor.Tensor, error) {
		return blk.LocalConv.Relevance(p, g)
	}); err != nil {
		return tensor.Tensor{}, err
	}
	rRes, rAttn := blk.Add1.Relevance(p, r)
	if rAttn, err = blk.DropPath1.Relevance(p, rAttn); err != nil {
		return tensor.Tensor{}, err
	}
	if rAttn, err = blk.windowed(rAttn, func(w tensor.Tensor) (tensor.Tensor, error) {
		return blk.Attn.Relevance(p, w)
	}); err != nil {
		return tensor.Tensor{}, err
	}
	return blk.Clone1.Relevance(p, []tensor.Tensor{rRes, rAttn})
}

func (blk *TinyViTBlock) Backward(p *nn.Pass, dy tensor.Tensor) (tensor.Tensor, error) {
	if err := blk.check(dy); err != nil {
		return tensor.Tensor{}, err
	}
	g1, g2 := blk.Add2.Backward(p, dy)
	g2, err := blk.DropPath2.Backward(p, g2)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if g2, err = blk.MLP.Backward(p, g2); err != nil {
		return tensor.Tensor{}, err
	}
	g, err := blk.Clone2.Backward(p, []tensor.Tensor{g1, g2})
	if err != nil {
		return tensor.Tensor{}, err
	}
	if g, err = blk.localConv(g, func(x tensor.Tensor) (tensor.Tensor, error) {
		return blk.LocalConv.Backward(p, x)
	}); err != nil {
		return tensor.Tensor{}, err
	}
	gRes, gAttn := blk.Add1.Backward(p, g)
	if gAttn, err = blk.DropPath1.Backward(p, gAttn); err != nil {
		return tensor.Tensor{}, err
	}
	if gAttn, err = blk.windowed(gAttn, func(w tensor.Tensor) (tensor.Tensor, error) {
		return blk.Attn.Backward(p, w)
	}); err != nil {
		return tensor.Tensor{}, err
	}
	return blk.Clone1.Backward(p, []tensor.Tensor{gRes, gAttn})
}
