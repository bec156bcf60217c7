package tinyvit

import (
	"fmt"
	"log/slog"

	"github.com/sw965/vitlrp/nn"
	"github.com/sw965/vitlrp/tensor"
)

type Model struct {
	Config     Config
	PatchEmbed *PatchEmbed
	ConvLayer  *ConvLayer
	// Layers are the transformer stages, layers.1 onwards.
	Layers   []*BasicLayer
	Pool     *nn.TokenAvgPool
	NormHead *nn.LayerNorm
	// Head is nil when NumClasses is zero.
	Head *nn.Linear
}

// New builds a model with deterministic random weights for seed.
func New(cfg Config, seed uint64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := tensor.NewRand(seed)
	dpr := cfg.DropPathRates()
	m := &Model{
		Config:     cfg.clone(),
		PatchEmbed: NewPatchEmbed(cfg.InChans, cfg.EmbedDims[0], rng),
		Pool:       nn.NewTokenAvgPool(),
		NormHead:   nn.NewLayerNorm(cfg.EmbedDims[len(cfg.EmbedDims)-1]),
	}

	last := cfg.Stages() - 1
	next := 0
	for i := 0; i < cfg.Stages(); i++ {
		res, dim := cfg.Resolution(i), cfg.EmbedDims[i]
		var down *PatchMerging
		if i < last {
			down = NewPatchMerging(res, res, dim, cfg.OutDim(i), rng)
		}
		rates := dpr[next : next+cfg.Depths[i]]
		next += cfg.Depths[i]

		if i == 0 {
			cl := &ConvLayer{Dim: dim, Resolution: res, Downsample: down}
			for _, rate := range rates {
				cl.Blocks = append(cl.Blocks, NewMBConv(dim, cfg.MBConvExpandRatio, rate, rng))
			}
			m.ConvLayer = cl
			slog.Debug("stage", "index", i, "kind", "conv", "dim", dim, "depth", cfg.Depths[i], "resolution", res)
			continue
		}

		bl := &BasicLayer{Dim: dim, Resolution: res, Downsample: down}
		for j, rate := range rates {
			name := fmt.Sprintf("layers.%d.blocks.%d", i, j)
			bl.Blocks = append(bl.Blocks, NewTinyViTBlock(name, dim, res, res, cfg.NumHeads[i], cfg.WindowSizes[i],
				cfg.MLPRatio, cfg.DropRate, rate, cfg.LocalConvSize, rng))
		}
		m.Layers = append(m.Layers, bl)
		slog.Debug("stage", "index", i, "kind", "attention", "dim", dim, "depth", cfg.Depths[i],
			"heads", cfg.NumHeads[i], "window", cfg.WindowSizes[i], "resolution", res)
	}

	if cfg.NumClasses > 0 {
		m.Head = nn.NewLinear(cfg.EmbedDims[last], cfg.NumClasses, true, rng)
	}
	return m, nil
}

// Blocks returns every attention block in forward order.
func (m *Model) Blocks() []*TinyViTBlock {
	var blocks []*TinyViTBlock
	for _, l := range m.Layers {
		blocks = append(blocks, l.Blocks...)
	}
	return blocks
}

// Params returns every parameter and buffer under its state dict name.
func (m *Model) Params() map[string]tensor.Tensor {
	ps := map[string]tensor.Tensor{}
	nn.CollectParams(ps, "patch_embed", m.PatchEmbed)
	nn.CollectParams(ps, "layers.0", m.ConvLayer)
	for i, l := range m.Layers {
		nn.CollectParams(ps, fmt.Sprintf("layers.%d", i+1), l)
	}
	nn.CollectParams(ps, "norm_head", m.NormHead)
	if m.Head != nil {
		nn.CollectParams(ps, "head", m.Head)
	}
	return ps
}

// Forward resets p and runs the network on x (B, InChans, S, S). It returns
// logits (B, NumClasses), pooled features when there is no head, or the
// token sequence (B, L, C) when DropHead is set.
func (m *Model) Forward(p *nn.Pass, x tensor.Tensor) (tensor.Tensor, error) {
	cfg := m.Config
	if x.Rank() != 4 || x.Shape[1] != cfg.InChans || x.Shape[2] != cfg.ImgSize || x.Shape[3] != cfg.ImgSize {
		return tensor.Tensor{}, fmt.Errorf("%w: input %v, want (B, %d, %d, %d)",
			tensor.ErrShapeMismatch, x.Shape, cfg.InChans, cfg.ImgSize, cfg.ImgSize)
	}
	p.Reset()

	x, err := m.PatchEmbed.Forward(p, x)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("patch_embed: %w", err)
	}
	if x, err = m.ConvLayer.Forward(p, x); err != nil {
		return tensor.Tensor{}, fmt.Errorf("layers.0: %w", err)
	}
	for i, l := range m.Layers {
		if x, err = l.Forward(p, x); err != nil {
			return tensor.Tensor{}, fmt.Errorf("layers.%d: %w", i+1, err)
		}
	}
	if cfg.DropHead {
		return x, nil
	}
	if x, err = m.Pool.Forward(p, x); err != nil {
		return tensor.Tensor{}, err
	}
	if x, err = m.NormHead.Forward(p, x); err != nil {
		return tensor.Tensor{}, err
	}
	if m.Head == nil {
		return x, nil
	}
	return m.Head.Forward(p, x)
}

// head maps relevance, or a gradient, of the network output back to the
// token sequence entering the head.
func (m *Model) head(p *nn.Pass, r tensor.Tensor, relevance bool) (tensor.Tensor, error) {
	if m.Config.DropHead {
		return r, nil
	}
	step := func(mod nn.Module, r tensor.Tensor) (tensor.Tensor, error) {
		if relevance {
			return mod.Relevance(p, r)
		}
		return mod.Backward(p, r)
	}
	var err error
	if m.Head != nil {
		if r, err = step(m.Head, r); err != nil {
			return tensor.Tensor{}, fmt.Errorf("head: %w", err)
		}
	}
	if r, err = step(m.NormHead, r); err != nil {
		return tensor.Tensor{}, fmt.Errorf("norm_head: %w", err)
	}
	return step(m.Pool, r)
}

// Relevance propagates r from the output back through the transformer
// stages. With throughStem it continues through the convolutional stage
// and the stem to the input image, (B, InChans, S, S); otherwise it stops
// at the input of layers.1.
func (m *Model) Relevance(p *nn.Pass, r tensor.Tensor, throughStem bool) (tensor.Tensor, error) {
	r, err := m.head(p, r, true)
	if err != nil {
		return tensor.Tensor{}, err
	}
	for i := len(m.Layers) - 1; i >= 0; i-- {
		if r, err = m.Layers[i].Relevance(p, r); err != nil {
			return tensor.Tensor{}, fmt.Errorf("layers.%d: %w", i+1, err)
		}
	}
	if !throughStem {
		return r, nil
	}
	if r, err = m.ConvLayer.Relevance(p, r); err != nil {
		return tensor.Tensor{}, fmt.Errorf("layers.0: %w", err)
	}
	if r, err = m.PatchEmbed.Relevance(p, r); err != nil {
		return tensor.Tensor{}, fmt.Errorf("patch_embed: %w", err)
	}
	return r, nil
}

// Backward differentiates the objective whose gradient with respect to the
// output is dy, down through the transformer stages, and returns the
// gradient of every captured attention weighting.
func (m *Model) Backward(p *nn.Pass, dy tensor.Tensor) (nn.Gradients, error) {
	g, err := m.head(p, dy, false)
	if err != nil {
		return nn.Gradients{}, err
	}
	for i := len(m.Layers) - 1; i >= 0; i-- {
		if g, err = m.Layers[i].Backward(p, g); err != nil {
			return nn.Gradients{}, fmt.Errorf("layers.%d: %w", i+1, err)
		}
	}
	return p.Gradients()
}

// InputGradient differentiates all the way to the image. It is used to
// check the gradient path end to end.
func (m *Model) InputGradient(p *nn.Pass, dy tensor.Tensor) (tensor.Tensor, error) {
	g, err := m.head(p, dy, false)
	if err != nil {
		return tensor.Tensor{}, err
	}
	for i := len(m.Layers) - 1; i >= 0; i-- {
		if g, err = m.Layers[i].Backward(p, g); err != nil {
			return tensor.Tensor{}, fmt.Errorf("layers.%d: %w", i+1, err)
		}
	}
	if g, err = m.ConvLayer.Backward(p, g); err != nil {
		return tensor.Tensor{}, fmt.Errorf("layers.0: %w", err)
	}
	return m.PatchEmbed.Backward(p, g)
}
