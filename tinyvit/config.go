package tinyvit

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidConfig = errors.New("tinyvit: invalid config")

type Config struct {
	Name              string  `json:"name"`
	ImgSize           int     `json:"img_size"`
	InChans           int     `json:"in_chans"`
	NumClasses        int     `json:"num_classes"`
	EmbedDims         []int   `json:"embed_dims"`
	Depths            []int   `json:"depths"`
	NumHeads          []int   `json:"num_heads"`
	WindowSizes       []int   `json:"window_sizes"`
	MLPRatio          float32 `json:"mlp_ratio"`
	MBConvExpandRatio float32 `json:"mbconv_expand_ratio"`
	LocalConvSize     int     `json:"local_conv_size"`
	DropRate          float32 `json:"drop_rate"`
	DropPathRate      float32 `json:"drop_path_rate"`
	DropHead          bool    `json:"drop_head"`
}

// DefaultConfig holds the constructor defaults shared by every variant.
func DefaultConfig() Config {
	return Config{
		ImgSize:           224,
		InChans:           3,
		NumClasses:        1000,
		EmbedDims:         []int{96, 192, 384, 768},
		Depths:            []int{2, 2, 6, 2},
		NumHeads:          []int{3, 6, 12, 24},
		WindowSizes:       []int{7, 7, 14, 7},
		MLPRatio:          4,
		MBConvExpandRatio: 4,
		LocalConvSize:     3,
		DropPathRate:      0.1,
	}
}

func (c Config) Stages() int {
	return len(c.Depths)
}

// PatchesResolution is the side of the stem output grid.
func (c Config) PatchesResolution() int {
	return c.ImgSize / 4
}

// Resolution is the side of the feature grid entering stage i.
func (c Config) Resolution(i int) int {
	return c.PatchesResolution() >> i
}

// OutDim is the channel width produced by the downsampler of stage i.
func (c Config) OutDim(i int) int {
	return c.EmbedDims[min(i+1, len(c.EmbedDims)-1)]
}

// DropPathRates spreads DropPathRate linearly over all blocks.
func (c Config) DropPathRates() []float32 {
	total := 0
	for _, d := range c.Depths {
		total += d
	}
	rates := make([]float32, total)
	for i := range rates {
		if total > 1 {
			rates[i] = c.DropPathRate * float32(i) / float32(total-1)
		}
	}
	return rates
}

func (c Config) Validate() error {
	var errs []string
	n := c.Stages()
	if n < 2 {
		errs = append(errs, fmt.Sprintf("need at least 2 stages, got %d", n))
	}
	if len(c.EmbedDims) != n || len(c.NumHeads) != n || len(c.WindowSizes) != n {
		errs = append(errs, fmt.Sprintf("embed_dims %v, num_heads %v and window_sizes %v must have one entry per depth %v",
			c.EmbedDims, c.NumHeads, c.WindowSizes, c.Depths))
	}
	if c.InChans <= 0 {
		errs = append(errs, "in_chans must be positive")
	}
	if c.NumClasses < 0 {
		errs = append(errs, "num_classes must not be negative")
	}
	if c.ImgSize <= 0 || n > 0 && c.ImgSize%(4<<(n-1)) != 0 {
		errs = append(errs, fmt.Sprintf("img_size %d must be divisible by %d", c.ImgSize, 4<<max(n-1, 0)))
	}
	if c.MLPRatio <= 0 || c.MBConvExpandRatio <= 0 {
		errs = append(errs, "mlp_ratio and mbconv_expand_ratio must be positive")
	}
	if c.LocalConvSize <= 0 || c.LocalConvSize%2 == 0 {
		errs = append(errs, fmt.Sprintf("local_conv_size %d must be odd and positive", c.LocalConvSize))
	}
	if len(errs) == 0 {
		for i := 0; i < n; i++ {
			if c.Depths[i] <= 0 || c.EmbedDims[i] <= 0 {
				errs = append(errs, fmt.Sprintf("stage %d: depth and embed dim must be positive", i))
			}
			if i == 0 {
				continue
			}
			if c.NumHeads[i] <= 0 || c.EmbedDims[i]%c.NumHeads[i] != 0 {
				errs = append(errs, fmt.Sprintf("stage %d: embed dim %d not divisible by %d heads", i, c.EmbedDims[i], c.NumHeads[i]))
			}
			if c.WindowSizes[i] <= 0 {
				errs = append(errs, fmt.Sprintf("stage %d: window size must be positive", i))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
