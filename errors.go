package orkestra

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for common failure scenarios
var (
	// ErrQuotaExhausted is the cause of a Quota error: the retry token bucket
	// refused a retry.
	ErrQuotaExhausted = errors.New("orkestra: quota exhausted")

	// ErrOperationTimeout is the cause of a terminal Timeout error.
	ErrOperationTimeout = errors.New("orkestra: operation timeout")

	// ErrAttemptTimeout is the cause of a retryable per-attempt Timeout error.
	ErrAttemptTimeout = errors.New("orkestra: attempt timeout")

	// ErrSlotUnavailable is returned by InterceptorContext accessors when the
	// current phase does not expose the slot.
	ErrSlotUnavailable = errors.New("orkestra: context slot unavailable")
)

// ErrorKind classifies an SdkError.
type ErrorKind int

const (
	// KindConstruction is invalid input or configuration found before any I/O.
	KindConstruction ErrorKind = iota + 1
	// KindSerialization is a serializer or interceptor failure before the
	// request exists.
	KindSerialization
	// KindDispatch is a transport failure.
	KindDispatch
	// KindResponse is a response that could not be read or parsed.
	KindResponse
	// KindService is a modeled error returned by the service.
	KindService
	// KindTimeout is an attempt or operation timeout.
	KindTimeout
	// KindQuota is a retry refused by the token bucket.
	KindQuota
)

func (k ErrorKind) String() string {
	switch k {
	case KindConstruction:
		return "ConstructionFailure"
	case KindSerialization:
		return "SerializationFailure"
	case KindDispatch:
		return "DispatchFailure"
	case KindResponse:
		return "ResponseError"
	case KindService:
		return "ServiceError"
	case KindTimeout:
		return "TimeoutError"
	case KindQuota:
		return "QuotaExhausted"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// SdkError is the error returned by every invocation. Only the last
// attempt's error is the Cause; earlier ones are kept in Previous.
type SdkError struct {
	Kind    ErrorKind
	Message string
	Cause   error

	Service     string
	Operation   string
	Attempts    int
	MaxAttempts int
	Elapsed     time.Duration
	RequestID   string
	StatusCode  int

	// Previous holds the errors of earlier attempts, oldest first.
	Previous []error
	// InterceptorErrors joins the errors returned by After* hooks.
	InterceptorErrors error
}

func newError(kind ErrorKind, msg string, cause error) *SdkError {
	return &SdkError{Kind: kind, Message: msg, Cause: cause}
}

// Error implements error interface.
func (e *SdkError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempts, e.MaxAttempts)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SdkError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error kinds for errors.Is.
func (e *SdkError) Is(target error) bool {
	if e == nil {
		return false
	}
	if t, ok := target.(*SdkError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *SdkError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Error Kind: %s\n", e.Kind)
	fmt.Fprintf(&b, "Message: %s\n", e.Message)
	if e.Service != "" || e.Operation != "" {
		fmt.Fprintf(&b, "Operation: %s.%s\n", e.Service, e.Operation)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, "Request ID: %s\n", e.RequestID)
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, "Status Code: %d\n", e.StatusCode)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, "Attempt: %d/%d\n", e.Attempts, e.MaxAttempts)
	}
	if e.Elapsed > 0 {
		fmt.Fprintf(&b, "Elapsed: %v\n", e.Elapsed)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, "Cause: %v\n", e.Cause)
	}
	for i, prev := range e.Previous {
		fmt.Fprintf(&b, "Attempt %d: %v\n", i+1, prev)
	}
	if e.InterceptorErrors != nil {
		fmt.Fprintf(&b, "Interceptor Errors: %v\n", e.InterceptorErrors)
	}
	return b.String()
}

// ServiceError is implemented by modeled errors returned by deserializers.
type ServiceError interface {
	error
	ErrorCode() string
	ErrorMessage() string
}

// RetryableTrait is implemented by modeled errors that carry the retryable
// trait.
type RetryableTrait interface {
	Retryable() bool
}

// ThrottlingTrait is implemented by modeled errors that signal throttling.
type ThrottlingTrait interface {
	IsThrottling() bool
}

// GenericServiceError is a modeled error for responses that did not match a
// more specific shape.
type GenericServiceError struct {
	Code       string
	Message    string
	StatusCode int
	// RetryableTrait and Throttling mirror the modeled traits.
	RetryableTrait bool
	Throttling     bool
}

func (e *GenericServiceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (status %d)", e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Message, e.StatusCode)
}

func (e *GenericServiceError) ErrorCode() string    { return e.Code }
func (e *GenericServiceError) ErrorMessage() string { return e.Message }
func (e *GenericServiceError) Retryable() bool      { return e.RetryableTrait }
func (e *GenericServiceError) IsThrottling() bool   { return e.Throttling }

// IsRetryable reports whether the default classifier chain would retry err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOperationTimeout) || errors.Is(err, ErrQuotaExhausted) {
		return false
	}
	in := ClassifierInput{Err: err}
	var sdkErr *SdkError
	if errors.As(err, &sdkErr) {
		switch sdkErr.Kind {
		case KindConstruction, KindSerialization, KindQuota:
			return false
		}
		if sdkErr.StatusCode > 0 {
			in.Response = &HTTPResponse{StatusCode: sdkErr.StatusCode}
		}
	}
	return Classify(DefaultRetryClassifiers(), in).Retry
}

// IsKind reports whether err is an SdkError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return errors.Is(err, &SdkError{Kind: kind})
}
