package tinyvit

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/sw965/vitlrp/nn"
	"github.com/sw965/vitlrp/tensor"
)

// AttentionBiasIndex numbers the distinct (|Δrow|, |Δcol|) offsets between
// the points of a window×window grid in first-seen order over row-major
// point pairs, and returns the N×N offset index of every pair.
func AttentionBiasIndex(window int) (idxs []int, offsets int) {
	type offset struct{ dr, dc int }
	seen := map[offset]int{}
	n := window * window
	idxs = make([]int, 0, n*n)
	for p1 := 0; p1 < n; p1++ {
		for p2 := 0; p2 < n; p2++ {
			o := offset{abs(p1/window - p2/window), abs(p1%window - p2%window)}
			id, ok := seen[o]
			if !ok {
				id = len(seen)
				seen[o] = id
			}
			idxs = append(idxs, id)
		}
	}
	return idxs, len(seen)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Attention is multi-head self attention over the tokens of one window
// with a learned relative position bias.
type Attention struct {
	Name    string
	Dim     int
	Heads   int
	KeyDim  int
	Window  int
	Scale   float32
	Norm    *nn.LayerNorm
	QKV     *nn.Linear
	MatMul1 *nn.MatMul
	Softmax *nn.Softmax
	MatMul2 *nn.MatMul
	Proj    *nn.Linear
	// Biases is (Heads, offsets); BiasIdxs maps each of the N×N token
	// pairs to its offset.
	Biases   tensor.Tensor
	BiasIdxs []int
}

func NewAttention(name string, dim, heads, window int, rng *rand.Rand) *Attention {
	keyDim := dim / heads
	idxs, offsets := AttentionBiasIndex(window)
	return &Attention{
		Name:     name,
		Dim:      dim,
		Heads:    heads,
		KeyDim:   keyDim,
		Window:   window,
		Scale:    float32(1 / math.Sqrt(float64(keyDim))),
		Norm:     nn.NewLayerNorm(dim),
		QKV:      nn.NewLinear(dim, 3*heads*keyDim, true, rng),
		MatMul1:  nn.NewMatMul(true),
		Softmax:  nn.NewSoftmax(),
		MatMul2:  nn.NewMatMul(false),
		Proj:     nn.NewLinear(heads*keyDim, dim, true, rng),
		Biases:   tensor.NewZeros(heads, offsets),
		BiasIdxs: idxs,
	}
}

func (a *Attention) Params() map[string]tensor.Tensor {
	ps := map[string]tensor.Tensor{"attention_biases": a.Biases}
	nn.CollectParams(ps, "norm", a.Norm)
	nn.CollectParams(ps, "qkv", a.QKV)
	nn.CollectParams(ps, "proj", a.Proj)
	return ps
}

// bias expands the bias table to (Heads, N, N).
func (a *Attention) bias() tensor.Tensor {
	pairs := len(a.BiasIdxs)
	offsets := a.Biases.Shape[1]
	out := tensor.NewZeros(a.Heads, a.Window*a.Window, a.Window*a.Window)
	for h := 0; h < a.Heads; h++ {
		for i, id := range a.BiasIdxs {
			out.Data[h*pairs+i] = a.Biases.Data[h*offsets+id]
		}
	}
	return out
}

// splitQKV maps (B, N, 3·H·d) to q, k, v of shape (B, H, N, d), reading
// the last axis as (qkv, head, d).
func (a *Attention) splitQKV(x tensor.Tensor) (q, k, v tensor.Tensor, err error) {
	b, n := x.Shape[0], x.Shape[1]
	t, err := x.Reshape(b, n, 3, a.Heads, a.KeyDim)
	if err != nil {
		return
	}
	if t, err = t.Permute(2, 0, 3, 1, 4); err != nil {
		return
	}
	parts, err := t.Unstack()
	if err != nil {
		return
	}
	return parts[0], parts[1], parts[2], nil
}

// mergeQKV is the exact inverse of splitQKV.
func (a *Attention) mergeQKV(q, k, v tensor.Tensor) (tensor.Tensor, error) {
	t, err := tensor.Stack(q, k, v)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if t, err = t.Permute(1, 3, 0, 2, 4); err != nil {
		return tensor.Tensor{}, err
	}
	return t.Reshape(q.Shape[0], q.Shape[2], 3*a.Heads*a.KeyDim)
}

// splitHeads maps (B, N, H·d) to (B, H, N, d).
func (a *Attention) splitHeads(x tensor.Tensor) (tensor.Tensor, error) {
	t, err := x.Reshape(x.Shape[0], x.Shape[1], a.Heads, -1)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return t.Permute(0, 2, 1, 3)
}

// mergeHeads maps (B, H, N, d) to (B, N, H·d).
func mergeHeads(x tensor.Tensor) (tensor.Tensor, error) {
	t, err := x.Permute(0, 2, 1, 3)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return t.Reshape(t.Shape[0], t.Shape[1], -1)
}

func (a *Attention) Forward(p *nn.Pass, x tensor.Tensor) (tensor.Tensor, error) {
	n := a.Window * a.Window
	if x.Rank() != 3 || x.Shape[1] != n || x.Shape[2] != a.Dim {
		return tensor.Tensor{}, fmt.Errorf("%w: attention over %d tokens of width %d got %v", tensor.ErrShapeMismatch, n, a.Dim, x.Shape)
	}
	h, err := a.Norm.Forward(p, x)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if h, err = a.QKV.Forward(p, h); err != nil {
		return tensor.Tensor{}, err
	}
	q, k, v, err := a.splitQKV(h)
	if err != nil {
		return tensor.Tensor{}, err
	}
	p.Save(nn.Slot{Owner: a, Name: "v"}, v)

	scores, err := a.MatMul1.Forward(p, q, k)
	if err != nil {
		return tensor.Tensor{}, err
	}
	scores = scores.Scal(a.Scale)
	bias := a.bias()
	per := bias.N()
	for off := 0; off < scores.N(); off += per {
		dst := scores.Data[off : off+per]
		for i, bv := range bias.Data {
			dst[i] += bv
		}
	}
	attn, err := a.Softmax.Forward(p, scores)
	if err != nil {
		return tensor.Tensor{}, err
	}
	p.Save(nn.Slot{Owner: a, Name: "attn"}, attn)
	p.Capture(a.Name, attn)

	out, err := a.MatMul2.Forward(p, attn, v)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if out, err = mergeHeads(out); err != nil {
		return tensor.Tensor{}, err
	}
	return a.Proj.Forward(p, out)
}

func (a *Attention) Relevance(p *nn.Pass, r tensor.Tensor) (tensor.Tensor, error) {
	r, err := a.Proj.Relevance(p, r)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if r, err = a.splitHeads(r); err != nil {
		return tensor.Tensor{}, err
	}
	rAttn, rV, err := a.MatMul2.Relevance(p, r)
	if err != nil {
		return tensor.Tensor{}, err
	}
	p.Save(nn.Slot{Owner: a, Name: "v_cam"}, rV)
	p.Save(nn.Slot{Owner: a, Name: "attn_cam"}, rAttn)

	if rAttn, err = a.Softmax.Relevance(p, rAttn); err != nil {
		return tensor.Tensor{}, err
	}
	rQ, rK, err := a.MatMul1.Relevance(p, rAttn)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if r, err = a.mergeQKV(rQ, rK, rV); err != nil {
		return tensor.Tensor{}, err
	}
	if r, err = a.QKV.Relevance(p, r); err != nil {
		return tensor.Tensor{}, err
	}
	return a.Norm.Relevance(p, r)
}

func (a *Attention) Backward(p *nn.Pass, dy tensor.Tensor) (tensor.Tensor, error) {
	g, err := a.Proj.Backward(p, dy)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if g, err = a.splitHeads(g); err != nil {
		return tensor.Tensor{}, err
	}
	gAttn, gV, err := a.MatMul2.Backward(p, g)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if err := p.RecordGrad(a.Name, gAttn); err != nil {
		return tensor.Tensor{}, err
	}
	gScores, err := a.Softmax.Backward(p, gAttn)
	if err != nil {
		return tensor.Tensor{}, err
	}
	gQ, gK, err := a.MatMul1.Backward(p, gScores.Scal(a.Scale))
	if err != nil {
		return tensor.Tensor{}, err
	}
	if g, err = a.mergeQKV(gQ, gK, gV); err != nil {
		return tensor.Tensor{}, err
	}
	if g, err = a.QKV.Backward(p, g); err != nil {
		return tensor.Tensor{}, err
	}
	return a.Norm.Backward(p, g)
}

// AttentionWeights returns the post-softmax weights of the last forward
// pass, (B·nW, Heads, N, N).
func (a *Attention) AttentionWeights(p *nn.Pass) (tensor.Tensor, error) {
	return nn.Load[tensor.Tensor](p, nn.Slot{Owner: a, Name: "attn"})
}

// Values returns the value array of the last forward pass.
func (a *Attention) Values(p *nn.Pass) (tensor.Tensor, error) {
	return nn.Load[tensor.Tensor](p, nn.Slot{Owner: a, Name: "v"})
}

// AttentionRelevance returns the halved relevance of the attention weights
// from the last relevance pass.
func (a *Attention) AttentionRelevance(p *nn.Pass) (tensor.Tensor, error) {
	return nn.Load[tensor.Tensor](p, nn.Slot{Owner: a, Name: "attn_cam"})
}

// ValueRelevance returns the halved relevance of the values.
func (a *Attention) ValueRelevance(p *nn.Pass) (tensor.Tensor, error) {
	return nn.Load[tensor.Tensor](p, nn.Slot{Owner: a, Name: "v_cam"})
}
