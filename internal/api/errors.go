package api

import (
	"fmt"
	"net/http"
	"strings"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	// Reason explains a refused credential, see auth.Reason.
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(code int) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    lower(http.StatusText(code)),
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound)
}

func NewInternalServerError(err error) *ApiError {
	e := newApiError(http.StatusInternalServerError)
	e.Err = err
	return e
}

func NewUnauthorizedError(reason string) *ApiError {
	e := newApiError(http.StatusUnauthorized)
	e.Reason = reason
	return e
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden)
}

func NewServiceUnavailableError(err error) *ApiError {
	e := newApiError(http.StatusServiceUnavailable)
	e.Err = err
	return e
}
