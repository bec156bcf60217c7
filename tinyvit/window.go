package tinyvit

import (
	"fmt"

	"github.com/sw965/vitlrp/tensor"
)

// WindowPlan describes how an H×W token grid is padded at the bottom and
// right and cut into non-overlapping Window×Window tiles. It is a pure
// function of its inputs and is recomputed wherever it is needed.
type WindowPlan struct {
	H, W   int
	Window int
	PadB   int
	PadR   int
	NH, NW int
}

func NewWindowPlan(h, w, window int) (WindowPlan, error) {
	if h <= 0 || w <= 0 || window <= 0 {
		return WindowPlan{}, fmt.Errorf("%w: window %d over %dx%d grid", ErrInvalidConfig, window, h, w)
	}
	wp := WindowPlan{H: h, W: w, Window: window}
	wp.PadB = (window - h%window) % window
	wp.PadR = (window - w%window) % window
	wp.NH = (h + wp.PadB) / window
	wp.NW = (w + wp.PadR) / window
	return wp, nil
}

// Direct reports whether the grid is exactly one window, in which case
// attention runs on the sequence as is.
func (wp WindowPlan) Direct() bool {
	return wp.H == wp.Window && wp.W == wp.Window
}

// N is the number of tokens per window.
func (wp WindowPlan) N() int {
	return wp.Window * wp.Window
}

func (wp WindowPlan) Windows() int {
	return wp.NH * wp.NW
}

// Partition maps (B, H·W, C) to (B·NH·NW, Window², C).
func (wp WindowPlan) Partition(x tensor.Tensor) (tensor.Tensor, error) {
	if x.Rank() != 3 || x.Shape[1] != wp.H*wp.W {
		return tensor.Tensor{}, fmt.Errorf("%w: partition %v into %dx%d grid", tensor.ErrShapeMismatch, x.Shape, wp.H, wp.W)
	}
	b, c, ws := x.Shape[0], x.Shape[2], wp.Window
	g, err := x.Reshape(b, wp.H, wp.W, c)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if g, err = g.PadEnd(0, wp.PadB, wp.PadR, 0); err != nil {
		return tensor.Tensor{}, err
	}
	if g, err = g.Reshape(b, wp.NH, ws, wp.NW, ws, c); err != nil {
		return tensor.Tensor{}, err
	}
	if g, err = g.Transpose(2, 3); err != nil {
		return tensor.Tensor{}, err
	}
	return g.Reshape(b*wp.NH*wp.NW, ws*ws, c)
}

// Reverse maps (B·NH·NW, Window², C) back to (B, H·W, C), dropping the
// padded rows and columns.
func (wp WindowPlan) Reverse(x tensor.Tensor) (tensor.Tensor, error) {
	ws := wp.Window
	if x.Rank() != 3 || x.Shape[1] != ws*ws || x.Shape[0]%wp.Windows() != 0 {
		return tensor.Tensor{}, fmt.Errorf("%w: reverse %v from %dx%d windows of %d", tensor.ErrShapeMismatch, x.Shape, wp.NH, wp.NW, ws)
	}
	b, c := x.Shape[0]/wp.Windows(), x.Shape[2]
	g, err := x.Reshape(b, wp.NH, wp.NW, ws, ws, c)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if g, err = g.Transpose(2, 3); err != nil {
		return tensor.Tensor{}, err
	}
	if g, err = g.Reshape(b, wp.NH*ws, wp.NW*ws, c); err != nil {
		return tensor.Tensor{}, err
	}
	if g, err = g.Crop(b, wp.H, wp.W, c); err != nil {
		return tensor.Tensor{}, err
	}
	return g.Reshape(b, wp.H*wp.W, c)
}

// toGrid converts (B, H·W, C) to (B, C, H, W).
func toGrid(x tensor.Tensor, h, w int) (tensor.Tensor, error) {
	if x.Rank() != 3 || x.Shape[1] != h*w {
		return tensor.Tensor{}, fmt.Errorf("%w: sequence %v is not a %dx%d grid", tensor.ErrShapeMismatch, x.Shape, h, w)
	}
	g, err := x.Transpose(1, 2)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return g.Reshape(x.Shape[0], x.Shape[2], h, w)
}

// toSequence converts (B, C, H, W) to (B, H·W, C).
func toSequence(x tensor.Tensor) (tensor.Tensor, error) {
	if x.Rank() != 4 {
		return tensor.Tensor{}, fmt.Errorf("%w: grid %v", tensor.ErrShapeMismatch, x.Shape)
	}
	s, err := x.Reshape(x.Shape[0], x.Shape[1], -1)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return s.Transpose(1, 2)
}
