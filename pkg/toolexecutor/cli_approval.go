package toolexecutor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// CLIApprovalHandler asks for confirmation on a terminal. Answers: y (once), a (always
// for this tool), anything else cancels.
type CLIApprovalHandler struct {
	reader *bufio.Reader
	writer io.Writer
}

// NewCLIApprovalHandler creates a CLI handler. Pass the same *bufio.Reader the REPL uses
// so buffered input is not lost between prompts.
func NewCLIApprovalHandler(reader io.Reader, writer io.Writer) *CLIApprovalHandler {
	br, ok := reader.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(reader)
	}
	return &CLIApprovalHandler{reader: br, writer: writer}
}

// Confirm implements ConfirmationHandler
func (c *CLIApprovalHandler) Confirm(ctx context.Context, details ConfirmationDetails) (ConfirmationOutcome, error) {
	c.displayRequest(details)

	outcomeChan := make(chan ConfirmationOutcome, 1)
	errorChan := make(chan error, 1)

	go func() {
		outcome, err := c.readUserInput(details)
		if err != nil {
			errorChan <- err
		} else {
			outcomeChan <- outcome
		}
	}()

	select {
	case outcome := <-outcomeChan:
		return outcome, nil

	case err := <-errorChan:
		return OutcomeCancel, err

	case <-ctx.Done():
		c.displayTimeout()
		return OutcomeCancel, ctx.Err()
	}
}

func (c *CLIApprovalHandler) displayRequest(details ConfirmationDetails) {
	title := details.Title
	if title == "" {
		title = "Confirm tool call"
	}

	fmt.Fprintln(c.writer, "")
	fmt.Fprintf(c.writer, "  ── %s ──\n", title)
	fmt.Fprintf(c.writer, "  Tool:       %s\n", details.ToolName)

	if details.Command != "" {
		fmt.Fprintf(c.writer, "  Command:    %s\n", details.Command)
	}
	if details.Cwd != "" {
		fmt.Fprintf(c.writer, "  Directory:  %s\n", details.Cwd)
	}
	if details.Command == "" && len(details.Params) > 0 {
		keys := make([]string, 0, len(details.Params))
		for k := range details.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(c.writer, "  Arguments:")
		for _, k := range keys {
			fmt.Fprintf(c.writer, "    %s: %v\n", k, details.Params[k])
		}
	}

	fmt.Fprintln(c.writer, "")
	fmt.Fprint(c.writer, "  Run it? [y]es / [a]lways / [N]o: ")
}

func (c *CLIApprovalHandler) readUserInput(details ConfirmationDetails) (ConfirmationOutcome, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return OutcomeCancel, fmt.Errorf("failed to read input: %w", err)
	}

	input := strings.TrimSpace(strings.ToLower(line))

	switch input {
	case "y", "yes":
		fmt.Fprintln(c.writer, "  Approved")
		log.Info().Str("tool", details.ToolName).Msg("Tool call approved via CLI")
		return OutcomeProceedOnce, nil

	case "a", "always":
		fmt.Fprintf(c.writer, "  Approved for the rest of this session (%s)\n", details.ToolName)
		log.Info().Str("tool", details.ToolName).Msg("Tool call approved for session via CLI")
		return OutcomeProceedAlways, nil

	case "n", "no", "":
		fmt.Fprintln(c.writer, "  Cancelled")
		log.Info().Str("tool", details.ToolName).Msg("Tool call denied via CLI")
		return OutcomeCancel, nil

	default:
		fmt.Fprintf(c.writer, "  Invalid input: %s (cancelling)\n", input)
		log.Warn().Str("tool", details.ToolName).Str("input", input).Msg("Invalid input for confirmation")
		return OutcomeCancel, nil
	}
}

func (c *CLIApprovalHandler) displayTimeout() {
	fmt.Fprintln(c.writer, "")
	fmt.Fprintln(c.writer, "  Confirmation timed out")
}
