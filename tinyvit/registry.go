package tinyvit

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

type registry struct {
	mu       sync.RWMutex
	variants map[string]Config
}

var variants = &registry{variants: map[string]Config{}}

// Register adds or replaces a named variant.
func Register(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: variant without name", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("variant %s: %w", cfg.Name, err)
	}
	variants.mu.Lock()
	defer variants.mu.Unlock()
	variants.variants[cfg.Name] = cfg.clone()
	return nil
}

func Lookup(name string) (Config, error) {
	variants.mu.RLock()
	defer variants.mu.RUnlock()
	cfg, ok := variants.variants[name]
	if !ok {
		return Config{}, fmt.Errorf("%w: unknown variant %q", ErrInvalidConfig, name)
	}
	return cfg.clone(), nil
}

func Names() []string {
	variants.mu.RLock()
	defer variants.mu.RUnlock()
	names := make([]string, 0, len(variants.variants))
	for name := range variants.variants {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (c Config) clone() Config {
	c.EmbedDims = slices.Clone(c.EmbedDims)
	c.Depths = slices.Clone(c.Depths)
	c.NumHeads = slices.Clone(c.NumHeads)
	c.WindowSizes = slices.Clone(c.WindowSizes)
	return c
}

const checkpointURLFormat = "https://github.com/wkcn/TinyViT-model-zoo/releases/download/checkpoints/%s.pth"

// CheckpointURL returns the published checkpoint for a released variant.
// pretrainedType is one of 22kto1k_distill, 1k or 22k_distill.
func CheckpointURL(cfg Config, pretrainedType string) (string, error) {
	switch pretrainedType {
	case "22kto1k_distill", "1k", "22k_distill":
	default:
		return "", fmt.Errorf("%w: pretrained type %q", ErrInvalidConfig, pretrainedType)
	}
	parts := strings.Split(cfg.Name, "_")
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: variant name %q has no image size suffix", ErrInvalidConfig, cfg.Name)
	}
	if cfg.ImgSize != 224 {
		pretrainedType = strings.Replace(pretrainedType, "_", fmt.Sprintf("_%d_", cfg.ImgSize), 1)
	}
	return fmt.Sprintf(checkpointURLFormat, strings.Join(parts[:len(parts)-1], "_")+"_"+pretrainedType), nil
}

func variant(name string, imgSize int, dims, heads, windows []int, dropPath float32) Config {
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.ImgSize = imgSize
	cfg.EmbedDims = dims
	cfg.NumHeads = heads
	cfg.WindowSizes = windows
	cfg.DropPathRate = dropPath
	return cfg
}

func init() {
	for _, cfg := range []Config{
		variant("tiny_vit_5m_224", 224, []int{64, 128, 160, 320}, []int{2, 4, 5, 10}, []int{7, 7, 14, 7}, 0),
		variant("tiny_vit_11m_224", 224, []int{64, 128, 256, 448}, []int{2, 4, 8, 14}, []int{7, 7, 14, 7}, 0.1),
		variant("tiny_vit_21m_224", 224, []int{96, 192, 384, 576}, []int{3, 6, 12, 18}, []int{7, 7, 14, 7}, 0.2),
		variant("tiny_vit_21m_384", 384, []int{96, 192, 384, 576}, []int{3, 6, 12, 18}, []int{12, 12, 24, 12}, 0.1),
		variant("tiny_vit_21m_512", 512, []int{96, 192, 384, 576}, []int{3, 6, 12, 18}, []int{16, 16, 32, 16}, 0.1),
		// Every transformer block sees 49 tokens per window, so the
		// per-sample attention maps of all stages chain.
		variant("tiny_vit_explain_224", 224, []int{96, 192, 384, 576}, []int{3, 6, 12, 18}, []int{7, 7, 7, 7}, 0.2),
	} {
		if err := Register(cfg); err != nil {
			panic(err)
		}
	}

	test := DefaultConfig()
	test.Name = "tiny_vit_test"
	test.ImgSize = 32
	test.NumClasses = 5
	test.EmbedDims = []int{8, 16, 24}
	test.Depths = []int{1, 2, 1}
	test.NumHeads = []int{1, 2, 3}
	test.WindowSizes = []int{2, 4, 4}
	test.MLPRatio = 2
	test.MBConvExpandRatio = 2
	if err := Register(test); err != nil {
		panic(err)
	}
}
