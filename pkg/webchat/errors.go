package webchat

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/go-go-golems/relaychat/pkg/provider"
	"github.com/go-go-golems/relaychat/pkg/upload"
)

const (
	msgMissingSession = "Missing session id."
	msgMissingContent = "Missing message or file."
	msgUploadTooLarge = "Attached file is too large."
	msgProviderFailed = "The provider request failed."
	msgTimedOut       = "The exchange timed out."
	msgInternal       = "Internal server error."
	msgStreamFailed   = "provider stream failed"
	msgStreamTimedOut = "exchange timed out"
)

// ValidationError is a client mistake detected before any streaming started.
type ValidationError struct {
	Status  int
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func newValidationError(msg string) *ValidationError {
	return &ValidationError{Status: http.StatusBadRequest, Message: msg}
}

// ProviderError is an upstream failure observed before the first fragment was written.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string { return "provider: " + e.Err.Error() }

func (e *ProviderError) Unwrap() error { return e.Err }

// errorResponse maps a pre-stream failure to the HTTP status and client message.
func errorResponse(err error) (int, string) {
	var ve *ValidationError
	if stderrors.As(err, &ve) {
		return ve.Status, ve.Message
	}
	if stderrors.Is(err, upload.ErrTooLarge) {
		return http.StatusRequestEntityTooLarge, msgUploadTooLarge
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, msgTimedOut
	}
	var pe *ProviderError
	if stderrors.As(err, &pe) || provider.IsError(err) {
		return http.StatusBadGateway, msgProviderFailed
	}
	return http.StatusInternalServerError, msgInternal
}

// streamFailureMessage is the in-band message for a failure after headers were committed.
func streamFailureMessage(err error) string {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return msgStreamTimedOut
	}
	return msgStreamFailed
}
