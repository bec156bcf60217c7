package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

type ConvSpec struct {
	Stride int
	Pad    int
	Groups int
}

func ConvOutputSize(in, k, stride, pad int) int {
	return (in+2*pad-k)/stride + 1
}

type convGeom struct {
	batches, chs, rows, cols int
	outChs, kRows, kCols     int
	outRows, outCols         int
	groups, chsG, outChsG    int
	stride, pad              int
}

func newConvGeom(xShape, wShape []int, spec ConvSpec) (convGeom, error) {
	if len(xShape) != 4 || len(wShape) != 4 {
		return convGeom{}, fmt.Errorf("%w: conv input %v weight %v", ErrShapeMismatch, xShape, wShape)
	}
	g := convGeom{
		batches: xShape[0], chs: xShape[1], rows: xShape[2], cols: xShape[3],
		outChs: wShape[0], kRows: wShape[2], kCols: wShape[3],
		groups: max(spec.Groups, 1), stride: max(spec.Stride, 1), pad: spec.Pad,
	}
	if g.chs%g.groups != 0 || g.outChs%g.groups != 0 || wShape[1] != g.chs/g.groups {
		return convGeom{}, fmt.Errorf("%w: conv input %v weight %v groups %d", ErrShapeMismatch, xShape, wShape, g.groups)
	}
	g.chsG = g.chs / g.groups
	g.outChsG = g.outChs / g.groups
	g.outRows = ConvOutputSize(g.rows, g.kRows, g.stride, g.pad)
	g.outCols = ConvOutputSize(g.cols, g.kCols, g.stride, g.pad)
	if g.outRows <= 0 || g.outCols <= 0 {
		return convGeom{}, fmt.Errorf("%w: conv input %v kernel %dx%d", ErrShapeMismatch, xShape, g.kRows, g.kCols)
	}
	return g, nil
}

func (g convGeom) colCols() int {
	return g.chsG * g.kRows * g.kCols
}

// toCol lays out the receptive fields of one image group as rows of a
// (outRows*outCols, chsG*kRows*kCols) matrix. Out of bounds reads are zero.
func (g convGeom) toCol(img []float32, c0 int) blas32.General {
	cols := g.colCols()
	data := make([]float32, g.outRows*g.outCols*cols)
	idx := 0
	for or := 0; or < g.outRows; or++ {
		for oc := 0; oc < g.outCols; oc++ {
			for ch := c0; ch < c0+g.chsG; ch++ {
				for fr := 0; fr < g.kRows; fr++ {
					row := or*g.stride - g.pad + fr
					for fc := 0; fc < g.kCols; fc++ {
						col := oc*g.stride - g.pad + fc
						if row >= 0 && row < g.rows && col >= 0 && col < g.cols {
							data[idx] = img[(ch*g.rows+row)*g.cols+col]
						}
						idx++
					}
				}
			}
		}
	}
	return general(g.outRows*g.outCols, cols, data)
}

// col2Im scatters and accumulates a column matrix back into one image group.
func (g convGeom) col2Im(m blas32.General, img []float32, c0 int) {
	if m.Rows != g.outRows*g.outCols || m.Cols != g.colCols() {
		panic("Col2Im: unexpected number of rows")
	}
	idx := 0
	for or := 0; or < g.outRows; or++ {
		for oc := 0; oc < g.outCols; oc++ {
			for ch := c0; ch < c0+g.chsG; ch++ {
				for fr := 0; fr < g.kRows; fr++ {
					row := or*g.stride - g.pad + fr
					for fc := 0; fc < g.kCols; fc++ {
						col := oc*g.stride - g.pad + fc
						if row >= 0 && row < g.rows && col >= 0 && col < g.cols {
							img[(ch*g.rows+row)*g.cols+col] += m.Data[idx]
						}
						idx++
					}
				}
			}
		}
	}
}

// Conv2d convolves x (B, C, H, W) with w (O, C/groups, kH, kW) without bias.
func Conv2d(x, w Tensor, spec ConvSpec) (Tensor, error) {
	g, err := newConvGeom(x.Shape, w.Shape, spec)
	if err != nil {
		return Tensor{}, err
	}
	outArea := g.outRows * g.outCols
	y := NewZeros(g.batches, g.outChs, g.outRows, g.outCols)
	imgSize := g.chs * g.rows * g.cols
	wSize := g.outChsG * g.colCols()
	parallel(g.batches, func(b int) {
		img := x.Data[b*imgSize : (b+1)*imgSize]
		for grp := 0; grp < g.groups; grp++ {
			col := g.toCol(img, grp*g.chsG)
			wg := general(g.outChsG, g.colCols(), w.Data[grp*wSize:(grp+1)*wSize])
			off := (b*g.outChs + grp*g.outChsG) * outArea
			yg := general(g.outChsG, outArea, y.Data[off:off+g.outChsG*outArea])
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, wg, col, 0, yg)
		}
	})
	return y, nil
}

// Conv2dInputGrad returns d(loss)/dx of Conv2d given dy and the input shape.
func Conv2dInputGrad(dy, w Tensor, xShape []int, spec ConvSpec) (Tensor, error) {
	g, err := newConvGeom(xShape, w.Shape, spec)
	if err != nil {
		return Tensor{}, err
	}
	outArea := g.outRows * g.outCols
	want := []int{g.batches, g.outChs, g.outRows, g.outCols}
	if numel(want) != dy.N() || dy.Rank() != 4 || dy.Shape[1] != g.outChs {
		return Tensor{}, fmt.Errorf("%w: conv gradient %v, want %v", ErrShapeMismatch, dy.Shape, want)
	}
	dx := NewZeros(xShape...)
	imgSize := g.chs * g.rows * g.cols
	wSize := g.outChsG * g.colCols()
	parallel(g.batches, func(b int) {
		img := dx.Data[b*imgSize : (b+1)*imgSize]
		for grp := 0; grp < g.groups; grp++ {
			off := (b*g.outChs + grp*g.outChsG) * outArea
			dyg := general(g.outChsG, outArea, dy.Data[off:off+g.outChsG*outArea])
			wg := general(g.outChsG, g.colCols(), w.Data[grp*wSize:(grp+1)*wSize])
			dcol := general(outArea, g.colCols(), make([]float32, outArea*g.colCols()))
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, dyg, wg, 0, dcol)
			g.col2Im(dcol, img, grp*g.chsG)
		}
	})
	return dx, nil
}
