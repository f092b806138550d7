package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/roomchat/internal/database"
	"github.com/npezzotti/roomchat/internal/messagelog"
	"github.com/npezzotti/roomchat/internal/registry"
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

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized)
}

func NewConflictError(msg string) *ApiError {
	return &ApiError{
		StatusCode: http.StatusConflict,
		Message:    msg,
	}
}

func NewInternalServerError(err error) *ApiError {
	e := newApiError(http.StatusInternalServerError)
	e.Err = err
	return e
}

// errorFor maps store and registry errors to a response.
func errorFor(err error) *ApiError {
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, registry.ErrNotFound),
		errors.Is(err, messagelog.ErrRoomNotFound):
		return NewNotFoundError()
	case errors.Is(err, database.ErrDuplicate), errors.Is(err, registry.ErrDuplicateName):
		return NewConflictError("already exists")
	case errors.Is(err, registry.ErrInvalidCapacity), errors.Is(err, registry.ErrInvalidName):
		e := NewBadRequestError()
		e.Message = err.Error()
		return e
	}
	return NewInternalServerError(err)
}
