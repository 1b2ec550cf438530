package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/campuscompanion/companion/internal/client"
)

const defaultServer = "http://localhost:8080"

type askOptions struct {
	server   string
	token    string
	context  string
	session  string
	noStream bool
	verbose  bool
}

func newAskCmd() *cobra.Command {
	opts := askOptions{
		server: envOr("COMPANION_SERVER", defaultServer),
		token:  os.Getenv("COMPANION_TOKEN"),
	}

	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Ask the assistant a question",
		Long: "Sends a message to the chat endpoint. The reply is printed as it streams; " +
			"if streaming fails the command retries once without streaming.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, opts, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", opts.server, "server base URL (env COMPANION_SERVER)")
	cmd.Flags().StringVar(&opts.token, "token", opts.token, "bearer token (env COMPANION_TOKEN)")
	cmd.Flags().StringVar(&opts.context, "context", "", "extra context for the question")
	cmd.Flags().StringVar(&opts.session, "session", "", "conversation session id")
	cmd.Flags().BoolVar(&opts.noStream, "no-stream", false, "wait for the whole reply")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log transport details to stderr")
	return cmd
}

func runAsk(cmd *cobra.Command, opts askOptions, message string) error {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

	level := slog.LevelError
	if opts.verbose {
		level = slog.LevelDebug
	}
	consumer := client.New(client.Config{
		BaseURL: opts.server,
		Token:   opts.token,
		Logger:  slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level})),
	})
	req := client.Request{
		Message:   message,
		Context:   opts.context,
		SessionID: opts.session,
	}

	if opts.noStream {
		reply := consumer.AskOnce(cmd.Context(), req)
		if _, err := fmt.Fprintln(out, reply.Text); err != nil {
			return err
		}
		return printMeta(errOut, reply)
	}

	p := &partialPrinter{w: out}
	reply := consumer.Ask(cmd.Context(), req, client.ObserverFuncs{
		OnPartial: p.partial,
		OnDiscard: func() {
			p.discard()
			fmt.Fprintln(errOut, "(stream interrupted, retrying)")
		},
	})
	if err := p.finish(reply.Text); err != nil {
		return err
	}
	return printMeta(errOut, reply)
}

// partialPrinter writes only the growth of each partial text.
type partialPrinter struct {
	w       io.Writer
	printed string
	err     error
}

func (p *partialPrinter) partial(text string) {
	if p.err != nil || !strings.HasPrefix(text, p.printed) {
		return
	}
	_, p.err = io.WriteString(p.w, text[len(p.printed):])
	p.printed = text
}

func (p *partialPrinter) discard() {
	if p.printed != "" && p.err == nil {
		_, p.err = io.WriteString(p.w, "\n")
	}
	p.printed = ""
}

func (p *partialPrinter) finish(final string) error {
	if p.err != nil {
		return p.err
	}
	var err error
	if strings.HasPrefix(final, p.printed) {
		_, err = io.WriteString(p.w, final[len(p.printed):]+"\n")
	} else {
		_, err = io.WriteString(p.w, "\n"+final+"\n")
	}
	return err
}

func printMeta(w io.Writer, reply client.Reply) error {
	meta := "[" + string(reply.ProcessingType)
	if reply.Routing != nil && reply.Routing.SelectedAgent != "" {
		meta += fmt.Sprintf(" %s %.2f", reply.Routing.SelectedAgent, reply.Routing.Confidence)
	}
	meta += "]"
	_, err := fmt.Fprintln(w, meta)
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
