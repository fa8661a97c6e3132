package orkestra

import (
	"context"
	"errors"
	"net/http"
)

// RetryKind is the reason a failure may be retried. It selects the token
// cost and the backoff base.
type RetryKind int

const (
	TransientError RetryKind = iota + 1
	ThrottlingError
	ServerError
	ClientError
)

func (k RetryKind) String() string {
	switch k {
	case TransientError:
		return "TransientError"
	case ThrottlingError:
		return "ThrottlingError"
	case ServerError:
		return "ServerError"
	case ClientError:
		return "ClientError"
	default:
		return "Unknown"
	}
}

// RetryAction is a classifier verdict. The zero value is DontRetry.
type RetryAction struct {
	Retry bool
	Kind  RetryKind
}

// DontRetry is the verdict that ends the retry loop.
var DontRetry = RetryAction{}

// RetryFor returns a retry verdict of kind k.
func RetryFor(k RetryKind) RetryAction { return RetryAction{Retry: true, Kind: k} }

func (a RetryAction) String() string {
	if !a.Retry {
		return "DontRetry"
	}
	return "Retry(" + a.Kind.String() + ")"
}

// ClassifierInput is what a classifier sees of a failed attempt.
type ClassifierInput struct {
	Response *HTTPResponse
	Err      error
}

func (in ClassifierInput) status() int {
	if in.Response == nil {
		return 0
	}
	return in.Response.StatusCode
}

// RetryClassifier maps a failed attempt to a verdict.
type RetryClassifier interface {
	Name() string
	Classify(in ClassifierInput) RetryAction
}

type classifierFunc struct {
	name string
	fn   func(ClassifierInput) RetryAction
}

func (c classifierFunc) Name() string                            { return c.name }
func (c classifierFunc) Classify(in ClassifierInput) RetryAction { return c.fn(in) }

// NewRetryClassifier adapts a function to RetryClassifier.
func NewRetryClassifier(name string, fn func(ClassifierInput) RetryAction) RetryClassifier {
	return classifierFunc{name: name, fn: fn}
}

// Classify runs the chain and returns the first verdict that is not
// DontRetry.
func Classify(chain []RetryClassifier, in ClassifierInput) RetryAction {
	if in.Err == nil {
		return DontRetry
	}
	for _, c := range chain {
		if a := c.Classify(in); a.Retry {
			return a
		}
	}
	return DontRetry
}

// DefaultRetryClassifiers returns the standard chain.
func DefaultRetryClassifiers() []RetryClassifier {
	return []RetryClassifier{
		NewRetryClassifier("transient", classifyTransient),
		NewRetryClassifier("throttling", classifyThrottling),
		NewRetryClassifier("transient-status", classifyTransientStatus),
		NewRetryClassifier("modeled-retryable", classifyModeled),
		NewRetryClassifier("response", classifyResponse),
	}
}

type transient interface{ Transient() bool }

func classifyTransient(in ClassifierInput) RetryAction {
	err := in.Err
	if errors.Is(err, ErrAttemptTimeout) {
		return RetryFor(TransientError)
	}
	var ce *ConnectorError
	if errors.As(err, &ce) && (ce.Kind == ConnectorIO || ce.Kind == ConnectorTimeout) {
		return RetryFor(TransientError)
	}
	var t transient
	if errors.As(err, &t) && t.Transient() {
		return RetryFor(TransientError)
	}
	return DontRetry
}

func classifyThrottling(in ClassifierInput) RetryAction {
	if in.status() == http.StatusTooManyRequests {
		return RetryFor(ThrottlingError)
	}
	var t ThrottlingTrait
	if errors.As(in.Err, &t) && t.IsThrottling() {
		return RetryFor(ThrottlingError)
	}
	return DontRetry
}

func classifyTransientStatus(in ClassifierInput) RetryAction {
	switch in.status() {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return RetryFor(ServerError)
	}
	return DontRetry
}

func classifyModeled(in ClassifierInput) RetryAction {
	var r RetryableTrait
	if errors.As(in.Err, &r) && r.Retryable() {
		return RetryFor(ServerError)
	}
	return DontRetry
}

// classifyResponse retries unreadable responses and interceptor failures
// inside the attempt.
func classifyResponse(in ClassifierInput) RetryAction {
	var ie *InterceptorError
	isInterceptor := errors.As(in.Err, &ie)
	if !isInterceptor && !IsKind(in.Err, KindResponse) {
		return DontRetry
	}
	if errors.Is(in.Err, context.Canceled) {
		return DontRetry
	}
	if in.status() >= 500 {
		return RetryFor(ServerError)
	}
	return RetryFor(ClientError)
}
