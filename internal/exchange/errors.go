package exchange

import "fmt"

// APIError is a non-2xx response from the exchange. Rate limits and server
// errors are transient; other client errors are terminal for the order.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("exchange api error: status %d code %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange api error: status %d: %s", e.Status, e.Message)
}

func (e *APIError) Transient() bool {
	return e.Status == 429 || e.Status >= 500
}

// TransportError wraps a network-level failure. Always transient.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("exchange transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Transient() bool { return true }
