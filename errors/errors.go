package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Category classifies error types for targeted handling and monitoring.
type Category string

const (
	CategoryInput     Category = "input"
	CategoryForbidden Category = "forbidden"
	CategoryNotFound  Category = "not_found"
	CategoryUpstream  Category = "upstream"
	CategoryDecode    Category = "decode"
	CategoryEncode    Category = "encode"
	CategoryPipeline  Category = "pipeline"
	CategoryStorage   Category = "storage"
	CategoryConfig    Category = "config"
	CategoryTransient Category = "transient"
	CategoryCanceled  Category = "canceled"
	CategoryInternal  Category = "internal"
)

// ProcessingError is the structured error type used throughout the module.
//
// Message is the short, client-safe description. Err carries the underlying
// cause and is only ever logged.
type ProcessingError struct {
	Category  Category
	Op        string // operation name
	Code      string // stable machine code, e.g. IPX_FORBIDDEN_HOST
	Message   string
	Status    int // 0 = derived from Category
	Err       error
	Retryable bool
}

func (e *ProcessingError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("[%s] %s: %s: %v", e.Category, e.Op, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("[%s] %s: %s", e.Category, e.Op, e.Message)
	default:
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
	}
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// HTTPStatus returns the status code a response for this error should carry.
func (e *ProcessingError) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return categoryStatus(e.Category)
}

// New creates a non-retryable ProcessingError.
func New(category Category, op string, err error) *ProcessingError {
	return &ProcessingError{Category: category, Op: op, Err: err}
}

// Transient creates a retryable ProcessingError.
func Transient(op string, err error) *ProcessingError {
	return &ProcessingError{Category: CategoryTransient, Op: op, Err: err, Retryable: true}
}

// Wrap wraps an existing error with context. Errors that already carry a
// category are returned untouched so the innermost classification wins.
func Wrap(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return err
	}
	return New(category, op, err)
}

// ── HTTP-facing constructors ─────────────────────────────────────────────────

// BadRequest reports a malformed id, modifier or argument (400).
func BadRequest(op, code, message string) *ProcessingError {
	return &ProcessingError{Category: CategoryInput, Op: op, Code: code, Message: message}
}

// Forbidden reports a path traversal or disallowed host (403).
func Forbidden(op, code, message string) *ProcessingError {
	return &ProcessingError{Category: CategoryForbidden, Op: op, Code: code, Message: message}
}

// NotFound reports an absent resource (404).
func NotFound(op, code, message string) *ProcessingError {
	return &ProcessingError{Category: CategoryNotFound, Op: op, Code: code, Message: message}
}

// Upstream reports a non-2xx response from a remote origin. The upstream
// status is propagated; anything outside 4xx/5xx becomes 502.
func Upstream(op string, status int, statusText string) *ProcessingError {
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	return &ProcessingError{
		Category: CategoryUpstream,
		Op:       op,
		Code:     "IPX_FETCH_ERROR",
		Message:  "Fetch error",
		Status:   status,
		Err:      fmt.Errorf("upstream responded %d %s", status, statusText),
	}
}

// StatusClientClosedRequest is reported when the caller went away before the
// response was ready. It is not a server failure.
const StatusClientClosedRequest = 499

// Canceled reports a request abandoned by its caller (499).
func Canceled(op string, err error) *ProcessingError {
	return &ProcessingError{
		Category: CategoryCanceled,
		Op:       op,
		Code:     "IPX_REQUEST_CANCELED",
		Message:  "Request canceled",
		Err:      err,
	}
}

// Internal wraps an unexpected failure (500).
func Internal(op string, err error) *ProcessingError {
	return &ProcessingError{Category: CategoryInternal, Op: op, Err: err}
}

// ── Inspection helpers ───────────────────────────────────────────────────────

// IsRetryable reports whether err represents a transient failure.
func IsRetryable(err error) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, cat Category) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Category == cat
	}
	return false
}

// CategoryOf returns the category of err, CategoryInternal for foreign errors.
func CategoryOf(err error) Category {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return CategoryInternal
}

// StatusOf maps err to an HTTP status code. Unknown errors are 500.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// CodeOf returns the machine code attached to err, or IPX_ERROR.
func CodeOf(err error) string {
	var pe *ProcessingError
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code
	}
	return "IPX_ERROR"
}

// PublicMessage returns the text that may be shown to a client. The
// underlying cause is included only when verbose is set and the error is a
// server-side failure.
func PublicMessage(err error, verbose bool) string {
	status := StatusOf(err)
	var pe *ProcessingError
	if errors.As(err, &pe) && pe.Message != "" && status < 500 {
		return pe.Message
	}
	if verbose && err != nil {
		return err.Error()
	}
	if errors.As(err, &pe) && pe.Message != "" && pe.Category == CategoryUpstream {
		return pe.Message
	}
	return fmt.Sprintf("IPX Error (%d)", status)
}

func categoryStatus(c Category) int {
	switch c {
	case CategoryInput:
		return http.StatusBadRequest
	case CategoryForbidden:
		return http.StatusForbidden
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryUpstream:
		return http.StatusBadGateway
	case CategoryTransient:
		return http.StatusServiceUnavailable
	case CategoryCanceled:
		return StatusClientClosedRequest
	}
	return http.StatusInternalServerError
}

// Sentinel errors for common failure modes.
var (
	ErrUnsupportedFormat    = errors.New("unsupported image format")
	ErrUnsupportedOperation = errors.New("operation not supported by engine")
	ErrInvalidDimensions    = errors.New("invalid dimensions")
	ErrEmptyInput           = errors.New("empty input")
	ErrTooLarge             = errors.New("input exceeds size limit")
	ErrStorageUnavailable   = errors.New("storage unavailable")
)
