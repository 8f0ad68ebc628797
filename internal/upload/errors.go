package upload

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized means the device rejected the upload credential. It aborts the session.
var ErrUnauthorized = errors.New("upload credential rejected")

// TransferError is a non-200 answer to a file transfer.
type TransferError struct {
	StatusCode int
	Body       string
}

func (e *TransferError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.StatusCode)
	}

	return fmt.Sprintf("status %d - %s", e.StatusCode, e.Body)
}

// Unwrap exposes ErrUnauthorized for 401 and 403 answers.
func (e *TransferError) Unwrap() error {
	if IsAuthStatus(e.StatusCode) {
		return ErrUnauthorized
	}

	return nil
}

func IsAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// StatusCode extracts the HTTP status from a transfer error, 0 when there is none.
func StatusCode(err error) int {
	var te *TransferError
	if errors.As(err, &te) {
		return te.StatusCode
	}

	return 0
}
