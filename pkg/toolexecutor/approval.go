package toolexecutor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ConfirmationOutcome is the user's answer to a confirmation request
type ConfirmationOutcome string

const (
	OutcomeProceedOnce   ConfirmationOutcome = "proceed_once"
	OutcomeProceedAlways ConfirmationOutcome = "proceed_always"
	OutcomeCancel        ConfirmationOutcome = "cancel"
)

// Proceed reports whether the call may run
func (o ConfirmationOutcome) Proceed() bool {
	return o == OutcomeProceedOnce || o == OutcomeProceedAlways
}

// ConfirmationHandler asks the user about a pending tool call
type ConfirmationHandler interface {
	Confirm(ctx context.Context, details ConfirmationDetails) (ConfirmationOutcome, error)
}

// ApprovalManager runs confirmation requests against a handler with a timeout.
// Requests are asked one at a time.
type ApprovalManager struct {
	handler        ConfirmationHandler
	defaultTimeout time.Duration

	// prompting is held while a request is in front of the user
	prompting sync.Mutex
}

// NewApprovalManager creates a new approval manager
func NewApprovalManager(handler ConfirmationHandler) *ApprovalManager {
	return &ApprovalManager{
		handler:        handler,
		defaultTimeout: 60 * time.Second,
	}
}

// Confirm requests confirmation for a call. A timeout or handler failure cancels the call
// and returns an error.
func (am *ApprovalManager) Confirm(ctx context.Context, details ConfirmationDetails) (ConfirmationOutcome, error) {
	if am.handler == nil {
		return OutcomeCancel, fmt.Errorf("no confirmation handler configured")
	}

	am.prompting.Lock()
	defer am.prompting.Unlock()

	timeout := details.Timeout
	if timeout == 0 {
		timeout = am.defaultTimeout
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Info().
		Str("tool", details.ToolName).
		Str("command", details.Command).
		Msg("Requesting confirmation")

	outcomeChan := make(chan ConfirmationOutcome, 1)
	errorChan := make(chan error, 1)

	go func() {
		outcome, err := am.handler.Confirm(timeoutCtx, details)
		if err != nil {
			errorChan <- err
		} else {
			outcomeChan <- outcome
		}
	}()

	select {
	case outcome := <-outcomeChan:
		if outcome.Proceed() {
			log.Info().
				Str("tool", details.ToolName).
				Str("outcome", string(outcome)).
				Msg("Confirmation granted")
		} else {
			log.Warn().
				Str("tool", details.ToolName).
				Msg("Confirmation denied")
		}
		return outcome, nil

	case err := <-errorChan:
		log.Error().
			Err(err).
			Str("tool", details.ToolName).
			Msg("Confirmation request failed")
		return OutcomeCancel, fmt.Errorf("confirmation request failed: %w", err)

	case <-timeoutCtx.Done():
		log.Warn().
			Str("tool", details.ToolName).
			Dur("timeout", timeout).
			Msg("Confirmation request timed out")
		return OutcomeCancel, fmt.Errorf("confirmation request timed out after %v", timeout)
	}
}

// SetDefaultTimeout sets the default timeout for confirmation requests
func (am *ApprovalManager) SetDefaultTimeout(timeout time.Duration) {
	am.defaultTimeout = timeout
}

// GetDefaultTimeout returns the default timeout
func (am *ApprovalManager) GetDefaultTimeout() time.Duration {
	return am.defaultTimeout
}

// SetHandler sets the confirmation handler
func (am *ApprovalManager) SetHandler(handler ConfirmationHandler) {
	am.handler = handler
}
