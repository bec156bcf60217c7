package imageio

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/draw"

	"github.com/sw965/vitlrp/tensor"
)

// Grid returns sample b of an attribution map as an (h, w) plane. Pixel
// maps (B, H, W) are taken as they are. Token maps (B, L) cover a square
// window, either whole (L = n²) or without its first token (L = n²-1), in
// which case the first cell takes the lowest score of the rest.
func Grid(m tensor.Tensor, b int) (tensor.Tensor, error) {
	plane, err := m.Index(b)
	if err != nil {
		return tensor.Tensor{}, err
	}
	switch plane.Rank() {
	case 2:
		return plane, nil
	case 1:
		l := plane.N()
		side := int(math.Ceil(math.Sqrt(float64(l))))
		switch side * side {
		case l:
			return plane.Reshape(side, side)
		case l + 1:
			g := tensor.NewZeros(side, side)
			g.Data[0] = plane.Min()
			copy(g.Data[1:], plane.Data)
			return g, nil
		}
		return tensor.Tensor{}, fmt.Errorf("%w: %d tokens do not cover a square grid", tensor.ErrShapeMismatch, l)
	}
	return tensor.Tensor{}, fmt.Errorf("%w: attribution map %v", tensor.ErrShapeMismatch, m.Shape)
}

// Normalize min-max scales a plane into [0, 1]. A constant plane maps to
// zeros.
func Normalize(plane tensor.Tensor) tensor.Tensor {
	lo, hi := plane.Min(), plane.Max()
	if hi <= lo {
		return tensor.NewZerosLike(plane)
	}
	return plane.Map(func(v float32) float32 { return (v - lo) / (hi - lo) })
}

// jet maps v in [0, 1] to a blue-cyan-yellow-red ramp.
func jet(v float32) color.RGBA {
	ch := func(center float32) uint8 {
		d := 4 * v
		return clampUint8(255 * min(max(1.5-abs(d-center), 0), 1))
	}
	return color.RGBA{R: ch(3), G: ch(2), B: ch(1), A: 255}
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// Heatmap renders a plane as a jet colored image of size w×h, upsampled
// with nearest neighbour so token cells stay visible.
func Heatmap(plane tensor.Tensor, w, h int) (*image.RGBA, error) {
	if plane.Rank() != 2 {
		return nil, fmt.Errorf("%w: heatmap of %v", tensor.ErrShapeMismatch, plane.Shape)
	}
	rows, cols := plane.Shape[0], plane.Shape[1]
	n := Normalize(plane)
	small := image.NewRGBA(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			small.SetRGBA(x, y, jet(n.Data[y*cols+x]))
		}
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), small, small.Bounds(), draw.Src, nil)
	return dst, nil
}

// Overlay blends heat over base with the given heat opacity in [0, 1].
func Overlay(base image.Image, heat *image.RGBA, opacity float32) *image.RGBA {
	b := heat.Bounds()
	dst := image.NewRGBA(b)
	draw.BiLinear.Scale(dst, b, base, base.Bounds(), draw.Src, nil)
	for i := 0; i+3 < len(dst.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := (1-opacity)*float32(dst.Pix[i+c]) + opacity*float32(heat.Pix[i+c])
			dst.Pix[i+c] = clampUint8(v)
		}
	}
	return dst
}

func WritePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}

func SavePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
