package transfer

import "fmt"

// TransferError is returned when fetching the bytes of an item does not
// complete with a success status. Nothing is written to the store.
type TransferError struct {
	URL        string // URL that was fetched
	StatusCode int    // HTTP status code (0 when the transfer failed before a response)
	Err        error  // Underlying error, if any
}

func (e *TransferError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transfer of %s failed with HTTP %d", e.URL, e.StatusCode)
	}

	return fmt.Sprintf("transfer of %s failed: %v", e.URL, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// NetworkError represents network failures and server errors including 5xx
// responses, connection failures and timeouts.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "update_progress", "get_progress")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the server or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents authentication and authorization failures
// including 401 Unauthorized and 403 Forbidden responses.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// RejectedError is an application-level refusal: the server answered but
// would not apply the request, for example because the item no longer
// exists remotely. Rejected progress is not retried automatically.
type RejectedError struct {
	Operation string // The operation that was rejected
	ItemID    string // Item the request was about
	Reason    string // Server-provided reason
	Err       error  // Underlying error, if any
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s for item %s rejected: %s", e.Operation, e.ItemID, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}
