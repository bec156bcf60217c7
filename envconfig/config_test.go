package envconfig_test

import (
	"bytes"
	"log/slog"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sw965/vitlrp/envconfig"
	"github.com/sw965/vitlrp/explain"
)

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"0":     slog.LevelInfo,
		"false": slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     envconfig.LevelTrace,
	}
	for v, want := range cases {
		t.Setenv("VITLRP_DEBUG", v)
		require.Equal(t, want, envconfig.LogLevel(), "VITLRP_DEBUG=%q", v)
	}
}

func TestNewLoggerTrace(t *testing.T) {
	t.Setenv("VITLRP_DEBUG", "2")
	var buf bytes.Buffer
	envconfig.NewLogger(&buf).Log(t.Context(), envconfig.LevelTrace, "deep")
	require.Contains(t, buf.String(), "level=TRACE")
	require.Contains(t, buf.String(), "msg=deep")
}

func TestHost(t *testing.T) {
	cases := map[string]string{
		"":                    "127.0.0.1:11435",
		"0.0.0.0":             "0.0.0.0:11435",
		"localhost:8080":      "localhost:8080",
		"http://[::1]:9000":   "[::1]:9000",
		"'example.com:70000'": "example.com:11435",
	}
	for v, want := range cases {
		t.Setenv("VITLRP_HOST", v)
		require.Equal(t, want, envconfig.Host(), "VITLRP_HOST=%q", v)
	}
}

func TestFallbacks(t *testing.T) {
	t.Setenv("VITLRP_METHOD", "grad")
	require.Equal(t, explain.MethodTransformerAttribution, envconfig.Method())
	t.Setenv("VITLRP_METHOD", "rollout")
	require.Equal(t, explain.MethodRollout, envconfig.Method())
	t.Setenv("VITLRP_METHOD", "saliency")
	require.Equal(t, explain.MethodTransformerAttribution, envconfig.Method())

	t.Setenv("VITLRP_ALPHA", "2")
	require.Equal(t, float32(2), envconfig.Alpha())
	t.Setenv("VITLRP_ALPHA", "0.5")
	require.Equal(t, float32(1), envconfig.Alpha())

	t.Setenv("VITLRP_THREADS", "3")
	require.Equal(t, 3, envconfig.Threads())
	t.Setenv("VITLRP_THREADS", "many")
	require.Equal(t, runtime.GOMAXPROCS(0), envconfig.Threads())

	t.Setenv("VITLRP_SEED", "42")
	require.Equal(t, uint64(42), envconfig.Seed())
	t.Setenv("VITLRP_SEED", "-1")
	require.Equal(t, uint64(0), envconfig.Seed())

	t.Setenv("VITLRP_MODEL", "")
	require.Equal(t, "tiny_vit_explain_224", envconfig.Model())
	t.Setenv("VITLRP_WEIGHTS", "\"w.safetensors\"")
	require.Equal(t, "w.safetensors", envconfig.Weights())

	require.Contains(t, envconfig.Values(), "VITLRP_HOST")
}
