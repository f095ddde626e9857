package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"threadkx/internal/domain"
)

// StatusError is returned for non-2xx responses. It unwraps to the domain
// sentinel matching the status code.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string

	kind error
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("relay %s %s: %d %s", strings.ToLower(e.Method), e.Path, e.Code, http.StatusText(e.Code))
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *StatusError) Unwrap() error { return e.kind }

func newStatusError(method, path string, resp *http.Response) *StatusError {
	e := &StatusError{Method: method, Path: path, Code: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	switch {
	case json.Unmarshal(b, &body) == nil && body.Error != "":
		e.Message = body.Error
	case body.Message != "":
		e.Message = body.Message
	default:
		e.Message = strings.TrimSpace(string(b))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.kind = domain.ErrThrottled
	case resp.StatusCode >= 500:
		e.kind = domain.ErrNetwork
	default:
		e.kind = domain.ErrServerRejected
	}
	return e
}

// remapStatus replaces the sentinel of a StatusError with the given code.
func remapStatus(err error, code int, kind error) error {
	var se *StatusError
	if errors.As(err, &se) && se.Code == code {
		se.kind = kind
	}
	return err
}
