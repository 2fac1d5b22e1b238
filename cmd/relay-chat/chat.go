package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"

	"github.com/go-go-golems/relaychat/pkg/client"
	"github.com/go-go-golems/relaychat/pkg/protocol"
)

type chatSettings struct {
	Server      string
	Session     string
	File        string
	Framing     string
	Output      string
	Theme       string
	StatePath   string
	Copy        bool
	Stats       bool
	IdleTimeout time.Duration
}

func newChatCmd() *cobra.Command {
	s := &chatSettings{}
	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Send a message to the relay and render the streamed answer",
		Long: "Send a message to the relay and render the streamed answer.\n" +
			"Without a message and with a terminal on stdin, chat starts an interactive loop " +
			"(/attach <path>, /delete, /quit).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, s, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&s.Server, "server", "http://localhost:3000", "Relay base URL")
	f.StringVar(&s.Session, "session", "", "Session id (default: the stored one)")
	f.StringVar(&s.File, "file", "", "File to attach to the message")
	f.StringVar(&s.Framing, "framing", string(protocol.FramingSentinel), "Response framing: sentinel or sse")
	f.StringVar(&s.Output, "output", string(client.OutputText), "Output: text, html or glamour")
	f.StringVar(&s.Theme, "theme", "", "Theme for glamour output: dark or light (stored)")
	f.StringVar(&s.StatePath, "state", "", "Client state file (default: user config dir)")
	f.BoolVar(&s.Copy, "copy", false, "Copy the answer to the clipboard")
	f.BoolVar(&s.Stats, "stats", false, "Print answer statistics")
	f.DurationVar(&s.IdleTimeout, "idle-timeout", 2*time.Minute, "Give up when the stream is silent this long (0 disables)")
	return cmd
}

// chatSession carries what one chat invocation needs between turns.
type chatSession struct {
	settings *chatSettings
	client   *client.Client
	store    *client.StateStore
	state    *client.LocalState
	painter  *client.TerminalPainter
	errOut   io.Writer
}

func runChat(cmd *cobra.Command, s *chatSettings, args []string) error {
	mode, err := client.ParseOutputMode(s.Output)
	if err != nil {
		return err
	}
	store, st, err := loadState(s.StatePath)
	if err != nil {
		return err
	}
	if s.Theme != "" && s.Theme != st.Theme {
		st.Theme = s.Theme
		if err := store.Save(st); err != nil {
			return err
		}
	}
	if s.Session != "" {
		st.SessionID = s.Session
	}

	c, err := client.New(client.Options{BaseURL: s.Server, Framing: protocol.Framing(s.Framing)})
	if err != nil {
		return err
	}

	cs := &chatSession{
		settings: s,
		client:   c,
		store:    store,
		state:    st,
		painter:  client.NewTerminalPainter(os.Stdout, os.Stderr, mode, st.Theme),
		errOut:   cmd.ErrOrStderr(),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if len(args) > 0 || s.File != "" {
		res := cs.send(ctx, strings.Join(args, " "), s.File)
		if res.State != client.Completed {
			return errors.New("chat failed")
		}
		return nil
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return errors.Wrap(err, "read message from stdin")
		}
		res := cs.send(ctx, string(b), "")
		if res.State != client.Completed {
			return errors.New("chat failed")
		}
		return nil
	}
	return cs.loop(ctx)
}

// loop reads messages from the terminal until /quit or end of input.
func (cs *chatSession) loop(ctx context.Context) error {
	ui := &input.UI{
		Writer: os.Stderr,
		Reader: os.Stdin,
	}
	_, _ = fmt.Fprintf(cs.errOut, "session %s (/attach <path>, /delete, /quit)\n", cs.state.SessionID)

	attachment := ""
	for {
		if ctx.Err() != nil {
			return nil
		}
		prompt := "\n>"
		if attachment != "" {
			prompt = fmt.Sprintf("\n[%s] >", filepath.Base(attachment))
		}
		line, err := ui.Ask(prompt, &input.Options{
			Required:    false,
			HideOrder:   true,
			HideDefault: true,
		})
		if err != nil {
			if errors.Is(err, input.ErrInterrupted) || errors.Is(err, io.EOF) {
				return nil
			}
			log.Debug().Err(err).Str("component", "chat").Msg("input ended")
			return nil
		}

		switch cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " "); cmd {
		case "/quit", "/exit":
			return nil
		case "/delete":
			if err := cs.deleteHistory(ctx); err != nil {
				_, _ = fmt.Fprintln(cs.errOut, err)
			}
			continue
		case "/attach":
			arg = strings.TrimSpace(arg)
			if _, err := os.Stat(arg); err != nil {
				_, _ = fmt.Fprintf(cs.errOut, "cannot attach %q: %v\n", arg, err)
				continue
			}
			attachment = arg
			continue
		case "":
			if attachment == "" {
				continue
			}
		}

		cs.send(ctx, line, attachment)
		attachment = ""
	}
}

// send runs one exchange and prints what was asked for.
func (cs *chatSession) send(ctx context.Context, message, file string) client.Result {
	req := client.Request{SessionID: cs.state.SessionID, Message: message}
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			cs.painter.Fail(fmt.Sprintf("cannot open %s: %v", file, err))
			return client.Result{State: client.Failed, Err: err}
		}
		defer func() { _ = f.Close() }()
		req.File = f
		req.FileName = filepath.Base(file)
	}

	var opts []client.ConsumerOption
	if cs.settings.IdleTimeout > 0 {
		opts = append(opts, client.WithIdleTimeout(cs.settings.IdleTimeout))
	}
	res := cs.client.Chat(ctx, req, client.NewConsumer(cs.painter, opts...))
	if res.Err != nil {
		log.Debug().Err(res.Err).Str("component", "chat").Str("state", res.State.String()).Msg("exchange ended")
	}
	if res.State != client.Completed {
		return res
	}

	if cs.settings.Copy {
		if err := clipboard.WriteAll(res.Text); err != nil {
			_, _ = fmt.Fprintf(cs.errOut, "error copying to clipboard: %v\n", err)
		} else {
			_, _ = fmt.Fprintln(cs.errOut, "Answer copied to clipboard.")
		}
	}
	if cs.settings.Stats {
		stats, err := client.ComputeStats(res.Text)
		if err != nil {
			log.Warn().Err(err).Str("component", "chat").Msg("token count unavailable")
		}
		stats.Print(cs.errOut)
	}
	return res
}

func (cs *chatSession) deleteHistory(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res, err := cs.client.DeleteHistory(ctx, cs.state.SessionID)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cs.errOut, res.Message)
	if err := cs.store.Rotate(cs.state); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cs.errOut, "new session: %s\n", cs.state.SessionID)
	return nil
}

func loadState(path string) (*client.StateStore, *client.LocalState, error) {
	if path == "" {
		p, err := client.DefaultStatePath()
		if err != nil {
			return nil, nil, err
		}
		path = p
	}
	store := client.NewStateStore(path)
	st, err := store.Load()
	if err != nil {
		return nil, nil, err
	}
	return store, st, nil
}

func withTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, d)
}
