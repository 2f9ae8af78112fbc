package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/servitor/pkg/chat"
	"github.com/go-go-golems/servitor/pkg/config"
	"github.com/go-go-golems/servitor/pkg/conversation"
	"github.com/go-go-golems/servitor/pkg/gateway"
	"github.com/go-go-golems/servitor/pkg/ui"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const retryBackoff = time.Second

// addSessionFlags registers the per-session flags and returns flag name to
// session key.
func addSessionFlags(cmd *cobra.Command, defaults config.SessionSettings) map[string]string {
	cmd.Flags().String("system-prompt", defaults.SystemPrompt, "System prompt prepended to every request")
	cmd.Flags().Int("word-budget", defaults.WordBudget, "Words of conversation sent to the model")
	cmd.Flags().String("format", defaults.Format, "Turn format (llama2, role-tags, template)")
	cmd.Flags().String("format-template", defaults.FormatTemplate, "Go template rendering one turn, for --format template")
	cmd.Flags().String("reply-cue", defaults.ReplyCue, "Text opening the assistant answer, for --format template")
	cmd.Flags().String("reply-delimiter", defaults.ReplyDelimiter, "Marker before the reply in the model output, for --format template")
	cmd.Flags().Int("top-k", defaults.TopK, "top_k sent with every request")
	cmd.Flags().Int("max-length", defaults.MaxLength, "max_length sent with every request")
	return map[string]string{
		"system-prompt":   "system-prompt",
		"word-budget":     "word-budget",
		"format":          "format",
		"format-template": "format-template",
		"reply-cue":       "reply-cue",
		"reply-delimiter": "reply-delimiter",
		"top-k":           "top-k",
		"max-length":      "max-length",
	}
}

func newChatCommand() *cobra.Command {
	c := config.Defaults().Chat

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a served predictor",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().String("model-url", c.ModelURL, "Predict URL of the chat model")
	cmd.Flags().String("history-file", c.HistoryFile, "Load the conversation from and save it to this file")
	cmd.Flags().Int("retries", c.Retries, "Retries of unavailable responses")
	cmd.Flags().Duration("timeout", c.Timeout, "Request timeout")
	cmd.Flags().Bool("line-mode", false, "Plain line based chat even on a terminal")

	keys := map[string]string{}
	for _, name := range []string{"model-url", "history-file", "retries", "timeout"} {
		keys[name] = "chat." + name
	}
	for name, key := range addSessionFlags(cmd, c.Session) {
		keys[name] = "chat.session." + key
	}

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd.Flags(), keys)
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		lineMode, err := cmd.Flags().GetBool("line-mode")
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		session, err := openSession(s.Chat)
		if err != nil {
			return err
		}
		client := newChatClient(s.Chat)

		if !lineMode && isTerminal(os.Stdout) && isTerminal(os.Stdin) {
			return runChatUI(ctx, client, session, s.Chat.HistoryFile)
		}
		return runLineChat(ctx, client, session, s.Chat.HistoryFile, os.Stdin, os.Stdout)
	}
	return cmd
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func newChatClient(c config.ChatSettings) *chat.Client {
	handler := gateway.NewRemoteHandler(c.ModelURL,
		gateway.WithHTTPClient(&http.Client{Timeout: c.Timeout}))
	return chat.NewClient(handler,
		chat.WithParams(c.Session.Params()),
		chat.WithRetry(c.Retries, retryBackoff),
	)
}

// openSession restores the history file when it exists and starts a fresh
// session otherwise.
func openSession(c config.ChatSettings) (*conversation.Session, error) {
	opts, err := sessionOptions(c.Session)
	if err != nil {
		return nil, err
	}
	if c.HistoryFile != "" {
		if _, err := os.Stat(c.HistoryFile); err == nil {
			session, err := conversation.LoadFromFile(c.HistoryFile)
			if err != nil {
				return nil, errors.Wrapf(err, "could not load history %s", c.HistoryFile)
			}
			log.Info().Str("file", c.HistoryFile).Int("turns", session.Len()).Msg("Restored conversation")
			return session, nil
		}
	}
	return conversation.NewSession(opts...), nil
}

func saveHistory(session *conversation.Session, path string) {
	if path == "" {
		return
	}
	if err := session.SaveToFile(path); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("Could not save conversation")
	}
}

func runLineChat(
	ctx context.Context,
	client *chat.Client,
	session *conversation.Session,
	historyFile string,
	in io.Reader,
	out io.Writer,
) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		_, _ = fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		reply, err := client.Turn(ctx, session, text)
		saveHistory(session, historyFile)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			_, _ = fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		_, _ = fmt.Fprintln(out, conversation.StripMarkers(reply))
	}
	_, _ = fmt.Fprintln(out)
	return scanner.Err()
}

func runChatUI(ctx context.Context, client *chat.Client, session *conversation.Session, historyFile string) error {
	p := tea.NewProgram(
		ui.InitialModel(ctx, client, session, ui.WithHistoryFile(historyFile)),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
