package orkestra

import (
	"context"
	"fmt"
)

// Phase is the orchestrator's position within an invocation.
type Phase int

const (
	PhaseBeforeSerialization Phase = iota
	PhaseSerialization
	PhaseBeforeRetryLoop
	PhaseBeforeAttempt
	PhaseBeforeSigning
	PhaseTransmit
	PhaseBeforeDeserialization
	PhaseDeserialization
	PhaseAfterAttempt
	PhaseAfterExecution
)

var phaseNames = [...]string{
	"BeforeSerialization",
	"Serialization",
	"BeforeRetryLoop",
	"BeforeAttempt",
	"BeforeSigning",
	"Transmit",
	"BeforeDeserialization",
	"Deserialization",
	"AfterAttempt",
	"AfterExecution",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// OutputOrError is the result slot of the context.
type OutputOrError struct {
	Output any
	Err    error
}

// InterceptorContext carries the state of one invocation. Accessors return
// an error wrapping ErrSlotUnavailable when the current phase does not
// expose the slot, so reading the response before transmit fails the same
// way every time.
type InterceptorContext struct {
	ctx      context.Context
	phase    Phase
	metadata OperationMetadata

	attempt     int
	maxAttempts int

	input    any
	hasInput bool
	request  *HTTPRequest
	response *HTTPResponse
	result   *OutputOrError
}

func newInterceptorContext(ctx context.Context, md OperationMetadata, input any) *InterceptorContext {
	return &InterceptorContext{ctx: ctx, metadata: md, input: input, hasInput: true}
}

// Context returns the context of the current attempt, or of the invocation
// outside the retry loop.
func (c *InterceptorContext) Context() context.Context { return c.ctx }

// Phase returns the current phase.
func (c *InterceptorContext) Phase() Phase { return c.phase }

// Metadata returns the operation being invoked.
func (c *InterceptorContext) Metadata() OperationMetadata { return c.metadata }

// Attempt returns the 1-based attempt number, or 0 outside the retry loop.
func (c *InterceptorContext) Attempt() int { return c.attempt }

// MaxAttempts returns the attempt limit of the invocation.
func (c *InterceptorContext) MaxAttempts() int { return c.maxAttempts }

func (c *InterceptorContext) unavailable(slot, why string) error {
	return fmt.Errorf("%w: %s %s in phase %s", ErrSlotUnavailable, slot, why, c.phase)
}

// Input returns the operation input. It is available until serialization
// completes.
func (c *InterceptorContext) Input() (any, error) {
	if c.phase > PhaseSerialization {
		return nil, c.unavailable("input", "is consumed")
	}
	if !c.hasInput {
		return nil, c.unavailable("input", "is not set")
	}
	return c.input, nil
}

// SetInput replaces the input before serialization.
func (c *InterceptorContext) SetInput(v any) error {
	if c.phase != PhaseBeforeSerialization {
		return c.unavailable("input", "is read-only")
	}
	c.input, c.hasInput = v, true
	return nil
}

// Request returns the HTTP request. It exists once the serializer ran.
func (c *InterceptorContext) Request() (*HTTPRequest, error) {
	if c.phase < PhaseSerialization {
		return nil, c.unavailable("request", "does not exist yet")
	}
	if c.request == nil {
		return nil, c.unavailable("request", "is not set")
	}
	return c.request, nil
}

// Response returns the HTTP response. It exists once transmit succeeded.
func (c *InterceptorContext) Response() (*HTTPResponse, error) {
	if c.phase < PhaseBeforeDeserialization {
		return nil, c.unavailable("response", "does not exist yet")
	}
	if c.response == nil {
		return nil, c.unavailable("response", "is not set")
	}
	return c.response, nil
}

// OutputOrError returns the result of deserialization, or the error that
// ended the attempt.
func (c *InterceptorContext) OutputOrError() (OutputOrError, error) {
	if c.phase < PhaseDeserialization {
		return OutputOrError{}, c.unavailable("output", "does not exist yet")
	}
	if c.result == nil {
		return OutputOrError{}, c.unavailable("output", "is not set")
	}
	return *c.result, nil
}

// SetOutputOrError replaces the result. Interceptors use it to translate
// outputs or errors after deserialization.
func (c *InterceptorContext) SetOutputOrError(r OutputOrError) error {
	if c.phase < PhaseDeserialization {
		return c.unavailable("output", "is read-only")
	}
	c.result = &r
	return nil
}

func (c *InterceptorContext) setError(err error) {
	c.result = &OutputOrError{Err: err}
}

func (c *InterceptorContext) err() error {
	if c.result == nil {
		return nil
	}
	return c.result.Err
}

func (c *InterceptorContext) enter(p Phase) { c.phase = p }
