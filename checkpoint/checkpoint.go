// Package checkpoint reads TinyViT weights from safetensors and torch.save
// files and copies them into a model by state dict name.
package checkpoint

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sw965/vitlrp/tensor"
)

var (
	ErrUnsupportedDType = errors.New("checkpoint: unsupported dtype")
	ErrMissingTensor    = errors.New("checkpoint: missing tensor")
	ErrCorrupt          = errors.New("checkpoint: corrupt file")
)

// Keys with these suffixes are derived buffers that the model rebuilds
// itself.
var ignoredSuffixes = []string{"attention_bias_idxs", "num_batches_tracked"}

func ignored(name string) bool {
	for _, s := range ignoredSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// Load picks the reader by file extension.
func Load(path string) (map[string]tensor.Tensor, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".safetensors":
		return LoadSafetensors(path)
	case ".pth", ".pt", ".bin":
		return LoadTorch(path)
	default:
		return nil, fmt.Errorf("checkpoint: unknown extension %q", ext)
	}
}

// Target is anything exposing its parameters by state dict name, such as
// *tinyvit.Model.
type Target interface {
	Params() map[string]tensor.Tensor
}

type Report struct {
	Loaded     []string
	Missing    []string
	Unexpected []string
}

// Apply copies ts into the parameters of m. A "module." prefix left by
// data parallel training is stripped. Shapes must match exactly. With
// strict set, any parameter left unset is an error.
func Apply(m Target, ts map[string]tensor.Tensor, strict bool) (Report, error) {
	params := m.Params()
	var rep Report
	seen := make(map[string]bool, len(ts))
	for name, t := range ts {
		if ignored(name) {
			continue
		}
		key := strings.TrimPrefix(name, "module.")
		dst, ok := params[key]
		if !ok {
			rep.Unexpected = append(rep.Unexpected, name)
			continue
		}
		if !slices.Equal(dst.Shape, t.Shape) {
			return Report{}, fmt.Errorf("%w: %s is %v in the checkpoint, %v in the model", tensor.ErrShapeMismatch, key, t.Shape, dst.Shape)
		}
		copy(dst.Data, t.Data)
		seen[key] = true
		rep.Loaded = append(rep.Loaded, key)
	}
	for name := range params {
		if !seen[name] {
			rep.Missing = append(rep.Missing, name)
		}
	}
	slices.Sort(rep.Loaded)
	slices.Sort(rep.Missing)
	slices.Sort(rep.Unexpected)
	if strict && len(rep.Missing) > 0 {
		return rep, fmt.Errorf("%w: %s", ErrMissingTensor, strings.Join(rep.Missing, ", "))
	}
	return rep, nil
}
