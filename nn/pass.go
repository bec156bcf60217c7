package nn

import (
	"errors"
	"fmt"
	"sync/atomic"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/sw965/vitlrp/tensor"
)

var ErrStaleCache = errors.New("nn: stale or missing pass cache")

var generations atomic.Uint64

// Slot addresses one cached value of one module instance.
type Slot struct {
	Owner any
	Name  string
}

// Pass carries everything one forward, gradient and relevance sequence
// caches. Modules keep only parameters. A Pass must not be shared between
// goroutines.
type Pass struct {
	Rule Rule

	generation uint64
	states     map[Slot]any
	captures   *orderedmap.OrderedMap[string, tensor.Tensor]
	grads      map[string]tensor.Tensor
}

func NewPass() *Pass {
	p := &Pass{Rule: DefaultRule()}
	p.Reset()
	return p
}

// Reset drops every cached value and starts a new generation.
func (p *Pass) Reset() {
	p.generation = generations.Add(1)
	p.states = map[Slot]any{}
	p.captures = orderedmap.New[string, tensor.Tensor]()
	p.grads = map[string]tensor.Tensor{}
}

func (p *Pass) Generation() uint64 {
	return p.generation
}

func (p *Pass) Save(key Slot, v any) {
	p.states[key] = v
}

func Load[T any](p *Pass, key Slot) (T, error) {
	var zero T
	v, ok := p.states[key]
	if !ok {
		return zero, fmt.Errorf("%w: %T %q", ErrStaleCache, key.Owner, key.Name)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %T %q holds %T", ErrStaleCache, key.Owner, key.Name, v)
	}
	return t, nil
}

// Capture records a gradient-capturable intermediate under name, in
// forward order. Capturing the same name twice overwrites the value and
// keeps its first position.
func (p *Pass) Capture(name string, t tensor.Tensor) {
	p.captures.Set(name, t)
}

func (p *Pass) Captures() *orderedmap.OrderedMap[string, tensor.Tensor] {
	return p.captures
}

// RecordGrad stores d(objective)/d(capture) for a captured name.
func (p *Pass) RecordGrad(name string, g tensor.Tensor) error {
	c, ok := p.captures.Get(name)
	if !ok {
		return fmt.Errorf("%w: gradient for uncaptured %q", ErrStaleCache, name)
	}
	if !c.SameShape(g) {
		return fmt.Errorf("%w: gradient %v for capture %q %v", tensor.ErrShapeMismatch, g.Shape, name, c.Shape)
	}
	p.grads[name] = g
	return nil
}

// Gradients returns the recorded gradients of every capture in forward order.
func (p *Pass) Gradients() (Gradients, error) {
	out := Gradients{Generation: p.generation, Values: orderedmap.New[string, tensor.Tensor]()}
	for pair := p.captures.Oldest(); pair != nil; pair = pair.Next() {
		g, ok := p.grads[pair.Key]
		if !ok {
			return Gradients{}, fmt.Errorf("%w: no gradient for %q", ErrStaleCache, pair.Key)
		}
		out.Values.Set(pair.Key, g)
	}
	return out, nil
}

// Gradients maps capture names to gradients, in forward order, tagged with
// the generation of the pass that produced them.
type Gradients struct {
	Generation uint64
	Values     *orderedmap.OrderedMap[string, tensor.Tensor]
}

// Lookup returns the gradient for name, checking that it was produced by
// the current generation of p.
func (g Gradients) Lookup(p *Pass, name string) (tensor.Tensor, error) {
	if g.Values == nil || g.Generation != p.Generation() {
		return tensor.Tensor{}, fmt.Errorf("%w: gradients from generation %d, pass is at %d", ErrStaleCache, g.Generation, p.Generation())
	}
	t, ok := g.Values.Get(name)
	if !ok {
		return tensor.Tensor{}, fmt.Errorf("%w: no gradient for %q", ErrStaleCache, name)
	}
	return t, nil
}
