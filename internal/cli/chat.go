package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harun/parley/internal/config"
	"github.com/spf13/cobra"
)

var chatFlags struct {
	prompt   string
	model    string
	provider string
	resume   string
	yolo     bool
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the model",
	Long: `Start an interactive conversation, or send a single prompt with -p.

Inside the conversation:
  /model [id]   show or change the active model
  /compress     summarize older history now
  /session      print the session id
  /exit         leave (Ctrl-D works too)

Ctrl-C interrupts a running reply; pressed while idle it exits.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatFlags.prompt, "prompt", "p", "", "send one prompt and exit")
	chatCmd.Flags().StringVar(&chatFlags.model, "model", "", "model id (overrides model.active)")
	chatCmd.Flags().StringVar(&chatFlags.provider, "provider", "", "provider: gemini, anthropic or openai (overrides model.provider)")
	chatCmd.Flags().StringVar(&chatFlags.resume, "resume", "", "resume a saved session by id")
	chatCmd.Flags().BoolVar(&chatFlags.yolo, "yolo", false, "run tools without asking for confirmation")
	rootCmd.AddCommand(chatCmd)
}

// applyChatFlags overrides model selection from the command line
func applyChatFlags(cfg *config.Config, providerName, model string) {
	if providerName != "" && providerName != cfg.Model.Provider {
		cfg.Model.Provider = providerName
		cfg.Model.Active, cfg.Model.Fallback = config.DefaultModels(providerName)
	}
	if model != "" {
		cfg.Model.Active = model
	}
	if cfg.Model.Fallback == cfg.Model.Active {
		cfg.Model.Fallback = ""
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyChatFlags(cfg, chatFlags.provider, chatFlags.model)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w (run `parley configure`)", err)
	}

	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if chatFlags.resume != "" {
		if err := sessionExists(rt.store, chatFlags.resume); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	in := bufio.NewReader(cmd.InOrStdin())
	interactive := chatFlags.prompt == ""

	conv, err := openConversation(ctx, rt, conversationOptions{
		ResumeID:    chatFlags.resume,
		AutoApprove: chatFlags.yolo,
		Interactive: interactive,
	}, in, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer conv.close()

	stop := handleInterrupts(ctx, cancel, conv)
	defer stop()

	if !interactive {
		_, err := conv.send(ctx, chatFlags.prompt)
		return err
	}

	err = repl(ctx, conv, in, cmd.OutOrStdout())
	if len(conv.conv.Chat.History(false)) > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "Resume with: parley chat --resume %s\n", conv.id)
	}
	return err
}

// handleInterrupts aborts a running reply on Ctrl-C and cancels ctx when idle
func handleInterrupts(ctx context.Context, cancel context.CancelFunc, conv *conversation) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				if sig == os.Interrupt && conv.runner.IsRunning(conv.id) {
					conv.runner.Abort(conv.id)
					continue
				}
				cancel()
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// lineReader reads stdin lines without blocking cancellation. Only one read is
// outstanding at a time so confirmation prompts can share the reader between lines.
type lineReader struct {
	in      *bufio.Reader
	pending chan lineResult
}

type lineResult struct {
	line string
	err  error
}

func (r *lineReader) next(ctx context.Context) (string, error) {
	if r.pending == nil {
		ch := make(chan lineResult, 1)
		r.pending = ch
		go func() {
			line, err := r.in.ReadString('\n')
			ch <- lineResult{line: line, err: err}
		}()
	}

	select {
	case res := <-r.pending:
		r.pending = nil
		if res.err != nil && (res.line == "" || !errors.Is(res.err, io.EOF)) {
			return "", res.err
		}
		return strings.TrimRight(res.line, "\r\n"), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func repl(ctx context.Context, conv *conversation, in *bufio.Reader, out io.Writer) error {
	reader := &lineReader{in: in}
	fmt.Fprintf(out, "parley %s (%s). /exit to quit.\n", version, conv.model.Get())

	for {
		fmt.Fprint(out, "\n> ")
		line, err := reader.next(ctx)
		if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
			fmt.Fprintln(out)
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := command(ctx, conv, line, out)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if _, err := conv.send(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

// command runs a slash command. It reports true when the REPL should end.
func command(ctx context.Context, conv *conversation, line string, out io.Writer) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/exit", "/quit":
		return true, nil

	case "/model":
		if len(fields) == 1 {
			fmt.Fprintln(out, conv.model.Get())
			return false, nil
		}
		conv.model.Set(fields[1])
		fmt.Fprintf(out, "model set to %s\n", conv.model.Get())
		return false, nil

	case "/compress":
		info, err := conv.conv.Chat.TryCompress(ctx, true)
		if err != nil {
			return false, err
		}
		if info == nil {
			fmt.Fprintln(out, "nothing to compress")
			return false, nil
		}
		fmt.Fprintf(out, "history compressed: %d -> %d tokens\n", info.OriginalTokenCount, info.NewTokenCount)
		return false, nil

	case "/session":
		fmt.Fprintln(out, conv.id)
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}
