package explain

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownMethod = errors.New("explain: unknown method")

// Method selects how per-block attention relevance is combined into one
// map.
type Method string

const (
	// MethodFull propagates relevance down to the pixels and sums over
	// channels.
	MethodFull Method = "full"
	// MethodRollout chains the head-averaged attention relevance of every
	// block.
	MethodRollout Method = "rollout"
	// MethodTransformerAttribution gates attention relevance by the
	// attention gradient before chaining.
	MethodTransformerAttribution Method = "transformer_attribution"
)

var Methods = []Method{MethodFull, MethodRollout, MethodTransformerAttribution}

// ParseMethod accepts the method names and the alias "grad".
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodFull, MethodRollout, MethodTransformerAttribution:
		return m, nil
	case "grad":
		return MethodTransformerAttribution, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

func (m Method) NeedsGradients() bool {
	return m == MethodTransformerAttribution
}
