package toolexecutor

import "context"

// AutoApproveHandler approves every request without user interaction.
type AutoApproveHandler struct{}

// Confirm implements ConfirmationHandler.
func (AutoApproveHandler) Confirm(_ context.Context, _ ConfirmationDetails) (ConfirmationOutcome, error) {
	return OutcomeProceedOnce, nil
}
