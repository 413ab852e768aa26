package llm

import "fmt"

// BackendError is a failed exchange with the upstream model endpoint.
// Retryable marks rate limits and transient upstream failures; fatal
// errors (bad request, auth) abort the current stream.
type BackendError struct {
	Status    int
	Retryable bool
	Body      string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Status, e.Body)
}

// newBackendError classifies an upstream HTTP status.
func newBackendError(status int, body string) *BackendError {
	return &BackendError{
		Status:    status,
		Retryable: status == 429 || status >= 500,
		Body:      body,
	}
}
