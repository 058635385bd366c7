package fetch

import "fmt"

// IntegrityError is returned when a downloaded file does not match its
// declared size or arrived empty.
type IntegrityError struct {
	// URL is the download location.
	URL string
	// Expected is the declared size in bytes; 0 means only non-emptiness
	// was required.
	Expected int64
	// Actual is the number of bytes received.
	Actual int64
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	if e.Expected == 0 {
		return fmt.Sprintf("fetch %s: downloaded file is empty", e.URL)
	}

	return fmt.Sprintf("fetch %s: size mismatch: expected %d bytes, got %d", e.URL, e.Expected, e.Actual)
}

// Error is returned when a download failed for good: either the retry
// budget is exhausted or the failure is not retryable.
type Error struct {
	// URL is the download location.
	URL string
	// Attempts is how many attempts were made.
	Attempts int
	// Err is the failure of the last attempt.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("fetch %s: giving up after %d attempts: %v", e.URL, e.Attempts, e.Err)
	}

	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

// Unwrap exposes the last attempt's failure for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}
