package app

import "fmt"

// DomainError is the API's error contract. Status becomes the HTTP
// response code; Code is the stable identifier clients switch on
// (UNKNOWN_DOC_TYPE, CONFLICT_NOT_FOUND, ...), while Message is free to
// change between releases.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
