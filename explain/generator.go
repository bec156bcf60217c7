// Package explain turns relevance propagated through a TinyViT model into
// attribution maps.
package explain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sw965/vitlrp/nn"
	"github.com/sw965/vitlrp/tensor"
	"github.com/sw965/vitlrp/tinyvit"
)

type Options struct {
	Method Method
	// Class is explained for every sample. Nil picks each sample's
	// highest-scoring class.
	Class      *int
	StartLayer int
}

type Result struct {
	Method Method
	Class  []int
	Logits tensor.Tensor
	Map    tensor.Tensor
}

// Generator runs explanations against a shared model. The model is only
// read, so one Generator may serve concurrent calls.
type Generator struct {
	Model  *tinyvit.Model
	Rule   nn.Rule
	Logger *slog.Logger
}

func NewGenerator(model *tinyvit.Model) *Generator {
	return &Generator{Model: model, Rule: nn.DefaultRule(), Logger: slog.Default()}
}

func (g *Generator) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

// Generate explains x (B, InChans, S, S). Cancellation is observed between
// the forward, gradient and relevance phases.
func (g *Generator) Generate(ctx context.Context, x tensor.Tensor, opts Options) (Result, error) {
	cfg := g.Model.Config
	if cfg.DropHead || cfg.NumClasses == 0 {
		return Result{}, fmt.Errorf("%w: explaining %s needs a classification head", tinyvit.ErrInvalidConfig, cfg.Name)
	}
	method, err := ParseMethod(string(opts.Method))
	if err != nil {
		return Result{}, err
	}
	if err := g.Rule.Validate(); err != nil {
		return Result{}, err
	}
	if opts.Class != nil && (*opts.Class < 0 || *opts.Class >= cfg.NumClasses) {
		return Result{}, fmt.Errorf("%w: class %d of %d", tinyvit.ErrInvalidConfig, *opts.Class, cfg.NumClasses)
	}
	start := time.Now()

	p := nn.NewPass()
	p.Rule = g.Rule
	logits, err := g.Model.Forward(p, x)
	if err != nil {
		return Result{}, fmt.Errorf("forward: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	classes := logits.ArgmaxLast()
	if opts.Class != nil {
		for i := range classes {
			classes[i] = *opts.Class
		}
	}
	oneHot := tensor.NewZerosLike(logits)
	for b, c := range classes {
		oneHot.Data[b*cfg.NumClasses+c] = 1
	}

	var grads nn.Gradients
	if method.NeedsGradients() {
		if grads, err = g.Model.Backward(p, oneHot); err != nil {
			return Result{}, fmt.Errorf("gradient: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
	}

	m, err := Aggregate(method, g.Model, p, oneHot, grads, opts.StartLayer)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", method, err)
	}
	g.logger().Debug("explained", "model", cfg.Name, "method", method, "class", classes,
		"shape", m.Shape, "elapsed", time.Since(start))
	return Result{Method: method, Class: classes, Logits: logits, Map: m}, nil
}
