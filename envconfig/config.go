// Package envconfig reads the VITLRP_* environment variables.
package envconfig

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/sw965/vitlrp/explain"
)

const (
	defaultModel = "tiny_vit_explain_224"
	defaultPort  = "11435"
)

// LevelTrace is below Debug and enables per-layer timing.
const LevelTrace slog.Level = -8

// Var returns an environment variable with surrounding spaces and quotes
// removed.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel reads VITLRP_DEBUG: 0 or false is Info, 1 or true is Debug,
// larger integers go further down in steps of 4 (2 is Trace).
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("VITLRP_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// NewLogger returns a text logger at LogLevel writing to w.
func NewLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: LogLevel(),
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.LevelKey && attr.Value.Any() == LevelTrace {
				attr.Value = slog.StringValue("TRACE")
			}
			return attr
		},
	}))
}

// Model is the variant name, VITLRP_MODEL.
func Model() string {
	if s := Var("VITLRP_MODEL"); s != "" {
		return s
	}
	return defaultModel
}

// Weights is an optional checkpoint path, VITLRP_WEIGHTS.
var Weights = String("VITLRP_WEIGHTS")

// Method is the aggregation method, VITLRP_METHOD.
func Method() explain.Method {
	if s := Var("VITLRP_METHOD"); s != "" {
		m, err := explain.ParseMethod(s)
		if err == nil {
			return m
		}
		slog.Warn("invalid environment variable, using default", "key", "VITLRP_METHOD", "value", s, "default", explain.MethodTransformerAttribution)
	}
	return explain.MethodTransformerAttribution
}

// Alpha is the alpha of the alpha-beta rule, VITLRP_ALPHA. It must be at
// least 1.
func Alpha() float32 {
	if s := Var("VITLRP_ALPHA"); s != "" {
		f, err := strconv.ParseFloat(s, 32)
		if err == nil && f >= 1 {
			return float32(f)
		}
		slog.Warn("invalid environment variable, using default", "key", "VITLRP_ALPHA", "value", s, "default", 1)
	}
	return 1
}

// Host is the listen address of the server, VITLRP_HOST. A missing port
// gets the default port.
func Host() string {
	s := Var("VITLRP_HOST")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "http://"), "https://")
	if s == "" {
		return net.JoinHostPort("127.0.0.1", defaultPort)
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return net.JoinHostPort(strings.Trim(s, "[]"), defaultPort)
	}
	if n, err := strconv.ParseUint(port, 10, 16); err != nil || n == 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}
	return net.JoinHostPort(host, port)
}

// Threads bounds intra-op parallelism, VITLRP_THREADS.
func Threads() int {
	return int(Uint("VITLRP_THREADS", uint(runtime.GOMAXPROCS(0)))())
}

// Seed seeds random weights when no checkpoint is given, VITLRP_SEED.
var Seed = Uint64("VITLRP_SEED", 0)

func String(key string) func() string {
	return func() string {
		return Var(key)
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil || n == 0 {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"VITLRP_DEBUG":   {"VITLRP_DEBUG", LogLevel(), "Show additional debug information (e.g. VITLRP_DEBUG=1)"},
		"VITLRP_MODEL":   {"VITLRP_MODEL", Model(), "Model variant (default " + defaultModel + ")"},
		"VITLRP_WEIGHTS": {"VITLRP_WEIGHTS", Weights(), "Checkpoint file (.safetensors or .pth)"},
		"VITLRP_METHOD":  {"VITLRP_METHOD", Method(), "Aggregation method: full, rollout, transformer_attribution"},
		"VITLRP_ALPHA":   {"VITLRP_ALPHA", Alpha(), "Alpha of the alpha-beta relevance rule (default 1)"},
		"VITLRP_HOST":    {"VITLRP_HOST", Host(), "Listen address of the server (default 127.0.0.1:" + defaultPort + ")"},
		"VITLRP_THREADS": {"VITLRP_THREADS", Threads(), "Goroutines per tensor op (default GOMAXPROCS)"},
		"VITLRP_SEED":    {"VITLRP_SEED", Seed(), "Seed for random weights when no checkpoint is given"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
