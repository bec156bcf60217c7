package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/x448/float16"

	"github.com/sw965/vitlrp/tensor"
)

type tensorInfo struct {
	DType   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets [2]int `json:"data_offsets"`
}

// LoadSafetensors reads every F32, F16 and BF16 tensor of a safetensors
// file as float32.
func LoadSafetensors(path string) (map[string]tensor.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ts, err := ParseSafetensors(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ts, nil
}

func ParseSafetensors(data []byte) (map[string]tensor.Tensor, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorrupt, len(data))
	}
	n := binary.LittleEndian.Uint64(data[:8])
	if n > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header of %d bytes in a %d byte file", ErrCorrupt, n, len(data))
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+n], &header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	payload := data[8+n:]

	out := make(map[string]tensor.Tensor, len(header))
	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
		}
		t, err := decode(info, payload)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

func decode(info tensorInfo, payload []byte) (tensor.Tensor, error) {
	var width int
	switch info.DType {
	case "F32":
		width = 4
	case "F16", "BF16":
		width = 2
	default:
		return tensor.Tensor{}, fmt.Errorf("%w: %s", ErrUnsupportedDType, info.DType)
	}
	t := tensor.NewZeros(info.Shape...)
	begin, end := info.Offsets[0], info.Offsets[1]
	if begin < 0 || end > len(payload) || end-begin != t.N()*width {
		return tensor.Tensor{}, fmt.Errorf("%w: offsets %v for %d %s values", ErrCorrupt, info.Offsets, t.N(), info.DType)
	}
	buf := payload[begin:end]
	for i := range t.Data {
		switch info.DType {
		case "F32":
			t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		case "F16":
			t.Data[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
		case "BF16":
			t.Data[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[2*i:])) << 16)
		}
	}
	return t, nil
}

// WriteSafetensors writes ts as F32, or as F16 when half is set, in name
// order.
func WriteSafetensors(w io.Writer, ts map[string]tensor.Tensor, half bool) error {
	names := make([]string, 0, len(ts))
	for name := range ts {
		names = append(names, name)
	}
	slices.Sort(names)

	dtype, width := "F32", 4
	if half {
		dtype, width = "F16", 2
	}
	header := make(map[string]tensorInfo, len(ts))
	var payload bytes.Buffer
	for _, name := range names {
		t := ts[name]
		begin := payload.Len()
		for _, v := range t.Data {
			if half {
				binary.Write(&payload, binary.LittleEndian, float16.Fromfloat32(v).Bits())
			} else {
				binary.Write(&payload, binary.LittleEndian, math.Float32bits(v))
			}
		}
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		header[name] = tensorInfo{DType: dtype, Shape: shape, Offsets: [2]int{begin, begin + t.N()*width}}
	}
	raw, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// Pad the header with spaces so the payload starts 8-byte aligned.
	if pad := (8 - len(raw)%8) % 8; pad > 0 {
		raw = append(raw, bytes.Repeat([]byte(" "), pad)...)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(raw))); err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	_, err = payload.WriteTo(w)
	return err
}

func SaveSafetensors(path string, ts map[string]tensor.Tensor, half bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteSafetensors(f, ts, half); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
