package checkpoint

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/sw965/vitlrp/tensor"
)

// LoadTorch reads a torch.save archive holding either a state dict or a
// dict with the state dict under "model".
func LoadTorch(path string) (map[string]tensor.Tensor, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	entries, err := dictEntries(obj)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, e := range entries {
		if key, ok := e.key.(string); ok && key == "model" {
			if entries, err = dictEntries(e.value); err != nil {
				return nil, fmt.Errorf("%s: model: %w", path, err)
			}
			break
		}
	}

	out := make(map[string]tensor.Tensor, len(entries))
	for _, e := range entries {
		name, ok := e.key.(string)
		if !ok {
			continue
		}
		if ignored(name) {
			continue
		}
		pt, ok := e.value.(*pytorch.Tensor)
		if !ok {
			continue
		}
		t, err := fromTorch(pt)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, name, err)
		}
		out[name] = t
	}
	return out, nil
}

type entry struct {
	key, value any
}

func dictEntries(obj any) ([]entry, error) {
	switch d := obj.(type) {
	case *types.OrderedDict:
		var out []entry
		for e := d.List.Front(); e != nil; e = e.Next() {
			oe := e.Value.(*types.OrderedDictEntry)
			out = append(out, entry{oe.Key, oe.Value})
		}
		return out, nil
	case *types.Dict:
		var out []entry
		for _, k := range d.Keys() {
			out = append(out, entry{k, d.MustGet(k)})
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: top level object is %T, want a dict", ErrCorrupt, obj)
}

func fromTorch(pt *pytorch.Tensor) (tensor.Tensor, error) {
	var data []float32
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		data = s.Data
	case *pytorch.HalfStorage:
		data = s.Data
	case *pytorch.BFloat16Storage:
		data = s.Data
	default:
		return tensor.Tensor{}, fmt.Errorf("%w: storage %T", ErrUnsupportedDType, pt.Source)
	}
	t := tensor.NewZeros(pt.Size...)
	if len(pt.Size) == 0 {
		t = tensor.NewZeros(1)
	}
	if len(pt.Stride) != len(pt.Size) {
		return tensor.Tensor{}, fmt.Errorf("%w: %d strides for %d dims", ErrCorrupt, len(pt.Stride), len(pt.Size))
	}

	// Gather through the strides so views and non-contiguous saves load
	// the same as contiguous ones.
	idx := make([]int, len(pt.Size))
	for i := range t.Data {
		off := pt.StorageOffset
		for d, j := range idx {
			off += j * pt.Stride[d]
		}
		if off < 0 || off >= len(data) {
			return tensor.Tensor{}, fmt.Errorf("%w: element %d at storage offset %d of %d", ErrCorrupt, i, off, len(data))
		}
		t.Data[i] = data[off]
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < pt.Size[d] {
				break
			}
			idx[d] = 0
		}
	}
	return t, nil
}
