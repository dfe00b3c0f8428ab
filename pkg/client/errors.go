package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	ErrBadRequest   = &APIError{StatusCode: http.StatusBadRequest, Message: "invalid request"}
	ErrUnauthorized = &APIError{StatusCode: http.StatusUnauthorized, Message: "unauthorized"}
	ErrNotFound     = &APIError{StatusCode: http.StatusNotFound, Message: "sandbox not found"}
	ErrConflict     = &APIError{StatusCode: http.StatusConflict, Message: "conflicting sandbox state"}
	ErrPrecondition = &APIError{StatusCode: http.StatusPreconditionFailed, Message: "precondition failed"}
	ErrUnavailable  = &APIError{StatusCode: http.StatusServiceUnavailable, Message: "service is draining"}
)

// APIError is a non-2xx answer of the status API. errors.Is matches on
// the status code, so errors.Is(err, ErrNotFound) works for any 404.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.StatusCode == t.StatusCode
}

func (e *APIError) Unwrap() error {
	return e.Err
}

type errorResponse struct {
	Error string `json:"error"`
}

func handleErrorResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode), Err: err}
	}
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
