package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func restoreLogger(t *testing.T) {
	t.Helper()
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})
}

func TestInitLogger_JSON(t *testing.T) {
	restoreLogger(t)
	var buf bytes.Buffer
	require.NoError(t, InitLogger(Settings{Level: "warn", Format: "json"}, &buf))

	log.Info().Msg("hidden")
	log.Warn().Str("component", "test").Msg("shown")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"component":"test"`)
	require.Contains(t, out, `"level":"warn"`)
}

func TestInitLogger_ConsoleWithCaller(t *testing.T) {
	restoreLogger(t)
	var buf bytes.Buffer
	require.NoError(t, InitLogger(Settings{Level: "debug", WithCaller: true}, &buf))
	log.Debug().Msg("hello")
	require.Contains(t, buf.String(), "hello")
	require.Contains(t, buf.String(), "logging_test.go")
}

func TestInitLogger_Rejects(t *testing.T) {
	restoreLogger(t)
	require.Error(t, InitLogger(Settings{Level: "loud"}, &bytes.Buffer{}))
	require.Error(t, InitLogger(Settings{Format: "xml"}, &bytes.Buffer{}))
}

func TestInitLoggerFromCobra(t *testing.T) {
	restoreLogger(t)
	cmd := &cobra.Command{Use: "x"}
	AddFlags(cmd.Flags())
	require.NoError(t, cmd.Flags().Parse([]string{"--log-level", "error"}))
	require.NoError(t, InitLoggerFromCobra(cmd))
	require.Equal(t, zerolog.ErrorLevel, zerolog.GlobalLevel())
}
