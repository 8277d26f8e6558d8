package perrors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/lib/pq"
)

type ErrCode struct {
	Code string `json:"code"`
}

var (
	ErrCodeUnsupportedProjection  ErrCode = ErrCode{"unsupported_projection"}
	ErrCodeUnknownProjectionKey           = ErrCode{"unknown_projection_key"}
	ErrCodeConstraintViolation            = ErrCode{"constraint_violation"}
	ErrCodeMalformedConfiguration         = ErrCode{"malformed_configuration"}
	ErrCodeInternal                       = ErrCode{"internal_error"}
)

// sqliteConstraint is SQLITE_CONSTRAINT; extended codes keep it in the low byte.
const sqliteConstraint = 19

type Err struct {
	Message    string                   `json:"-"`
	Err        string                   `json:"error"`
	Code       ErrCode                  `json:"-"`
	Cause      error                    `json:"-"`
	Stacktrace []string                 `json:"-"`
	Args       []map[string]interface{} `json:"args"`
}

func (e Err) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.Err)
}

func (e Err) Unwrap() error {
	return e.Cause
}

func (e Err) Print(ctx context.Context) {
	args := []any{slog.String("code", e.Code.Code), slog.Any("error", e.Err)}
	if len(e.Args) > 0 {
		for k, v := range e.Args[0] {
			args = append(args, slog.Any(k, v))
		}
	}
	args = append(args, slog.Any("stacktrace", e.Stacktrace))
	slog.ErrorContext(ctx, e.Message, args...)
}

func New(code ErrCode, msg string, err error, args ...map[string]interface{}) error {
	pc := make([]uintptr, 20)
	count := runtime.Callers(2, pc)
	frames := runtime.CallersFrames(pc[:count])

	var stacktrace []string
	for frame, hasMore := frames.Next(); hasMore; frame, hasMore = frames.Next() {
		stacktrace = append(stacktrace, fmt.Sprintf("%s:%d", frame.File, frame.Line))
	}

	errString := "error missing"
	if err != nil {
		errString = err.Error()
	}

	return Err{
		Code:       code,
		Message:    msg,
		Err:        errString,
		Cause:      err,
		Stacktrace: stacktrace,
		Args:       args,
	}
}

// FromDB wraps a driver error, classifying integrity failures as
// constraint violations. Errors that already carry a code pass through.
func FromDB(msg string, err error, args ...map[string]interface{}) error {
	if err == nil {
		return nil
	}

	var perr Err
	if errors.As(err, &perr) {
		return err
	}

	code := ErrCodeInternal
	if IsConstraintViolation(err) {
		code = ErrCodeConstraintViolation
	}

	return New(code, msg, err, args...)
}

// IsConstraintViolation reports whether err is an integrity constraint
// failure from postgres (SQLSTATE class 23) or sqlite.
func IsConstraintViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "23"
	}

	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		return coded.Code()&0xff == sqliteConstraint
	}

	return false
}

// HasCode reports whether err carries code anywhere in its chain.
func HasCode(err error, code ErrCode) bool {
	var perr Err
	if errors.As(err, &perr) {
		return perr.Code == code
	}
	return false
}

func NewErrUnsupportedProjection(msg string, err error, args ...map[string]interface{}) error {
	return New(ErrCodeUnsupportedProjection, msg, err, args...)
}

func NewErrUnknownProjectionKey(msg string, err error, args ...map[string]interface{}) error {
	return New(ErrCodeUnknownProjectionKey, msg, err, args...)
}

func NewErrConstraintViolation(msg string, err error, args ...map[string]interface{}) error {
	return New(ErrCodeConstraintViolation, msg, err, args...)
}

func NewErrMalformedConfiguration(msg string, err error, args ...map[string]interface{}) error {
	return New(ErrCodeMalformedConfiguration, msg, err, args...)
}
