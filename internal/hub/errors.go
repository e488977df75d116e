package hub

import "fmt"

// DomainError is an error with an HTTP status and a stable machine-readable
// code. Handlers map anything else to a 500.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func badRequest(code, message string) *DomainError {
	return &DomainError{Status: 400, Code: code, Message: message}
}

func forbidden(code, message string) *DomainError {
	return &DomainError{Status: 403, Code: code, Message: message}
}

func conflict(code, message string) *DomainError {
	return &DomainError{Status: 409, Code: code, Message: message}
}
