package kis

import "fmt"

// APIError classifies broker transport failures.
type APIError struct {
	Type    string // "network", "rate_limit", "provider", "parse", "not_found", "exhausted"
	TRID    string
	Message string
	Cause   error
}

func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error (tr_id %s): %s (%v)", e.Type, e.TRID, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error (tr_id %s): %s", e.Type, e.TRID, e.Message)
}

func (e *APIError) Unwrap() error { return e.Cause }

func newNetworkError(trID, message string, cause error) *APIError {
	return &APIError{Type: "network", TRID: trID, Message: message, Cause: cause}
}

func newProviderError(trID, message string) *APIError {
	return &APIError{Type: "provider", TRID: trID, Message: message}
}

func newNotFoundError(trID, message string) *APIError {
	return &APIError{Type: "not_found", TRID: trID, Message: message}
}

func newExhaustedError(trID string, attempts int) *APIError {
	return &APIError{Type: "exhausted", TRID: trID, Message: fmt.Sprintf("gave up after %d attempts", attempts)}
}
