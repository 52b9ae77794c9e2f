package api

import (
	"fmt"
	"net/http"
	"strings"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
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

func newApiError(statusCode int) *ApiError {
	return &ApiError{
		StatusCode: statusCode,
		Message:    lower(http.StatusText(statusCode)),
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

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden)
}

// NewFreeChatLimitError is returned when a guest session has used up its
// free chats for the day.
func NewFreeChatLimitError(limit int) *ApiError {
	e := newApiError(http.StatusForbidden)
	e.Message = fmt.Sprintf("free chat limit of %d per day reached", limit)
	return e
}

// NewTooManyRequestsError is returned when a process-wide daily quota is
// exhausted.
func NewTooManyRequestsError(limit int) *ApiError {
	e := newApiError(http.StatusTooManyRequests)
	e.Message = fmt.Sprintf("daily limit of %d requests across all users reached, try again tomorrow", limit)
	return e
}

func NewServiceUnavailableError(err error) *ApiError {
	e := newApiError(http.StatusServiceUnavailable)
	e.Err = err
	return e
}
