// Package logging configures the global zerolog logger from command line flags.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type Settings struct {
	Level      string
	Format     string
	WithCaller bool
}

// AddFlags registers --log-level, --log-format and --with-caller.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	fs.String("log-format", "console", "Log format (console, json)")
	fs.Bool("with-caller", false, "Log caller information")
}

// InitLoggerFromCobra reads the logging flags of cmd and initializes the global logger.
func InitLoggerFromCobra(cmd *cobra.Command) error {
	f := cmd.Flags()
	level, _ := f.GetString("log-level")
	format, _ := f.GetString("log-format")
	withCaller, _ := f.GetBool("with-caller")
	return InitLogger(Settings{Level: level, Format: format, WithCaller: withCaller}, os.Stderr)
}

// InitLogger sets the global level and replaces log.Logger with a logger writing to w.
func InitLogger(s Settings, w io.Writer) error {
	if s.Level == "" {
		s.Level = "info"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(s.Level))
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", s.Level)
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer
	switch strings.ToLower(s.Format) {
	case "", "console":
		cw := zerolog.ConsoleWriter{Out: w}
		if f, ok := w.(*os.File); ok {
			cw.NoColor = !isatty.IsTerminal(f.Fd())
		} else {
			cw.NoColor = true
		}
		out = cw
	case "json":
		out = w
	default:
		return errors.Errorf("invalid log format %q", s.Format)
	}

	ctx := zerolog.New(out).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return nil
}
