// Package imageio converts images to model input tensors and attribution
// maps back to images.
package imageio

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/sw965/vitlrp/tensor"
)

var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads any registered format: png, jpeg, gif, bmp or webp.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("imageio: decode: %w", err)
	}
	return img, nil
}

// Resize scales img to size×size with bilinear filtering, ignoring the
// aspect ratio.
func Resize(img image.Image, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ToTensor returns img as a (1, 3, H, W) tensor of (v/255 - mean) / std.
func ToTensor(img image.Image, mean, std [3]float32) tensor.Tensor {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	t := tensor.NewZeros(1, 3, h, w)
	area := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			base := y*w + x
			for c, v := range [3]uint32{r, g, bl} {
				t.Data[c*area+base] = (float32(v>>8)/255 - mean[c]) / std[c]
			}
		}
	}
	return t
}

// Preprocess resizes and normalizes img for a model of input size size.
func Preprocess(img image.Image, size int) tensor.Tensor {
	return ToTensor(Resize(img, size), ImageNetMean, ImageNetStd)
}

func clampUint8(v float32) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
