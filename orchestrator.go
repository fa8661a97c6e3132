package orkestra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ambiyansyah-risyal/orkestra/body"
	"github.com/ambiyansyah-risyal/orkestra/configbag"
	"github.com/ambiyansyah-risyal/orkestra/endpoint"
	"github.com/ambiyansyah-risyal/orkestra/identity"
)

// invocation is the state of one call to Invoke or Presign. It is owned by
// the calling goroutine.
type invocation struct {
	client *Client
	op     *Operation
	cfg    *configbag.Bag
	rc     *RuntimeComponents
	pipe   *pipeline
	ictx   *InterceptorContext
	logger Logger
	debug  *DebugConfig

	timeouts TimeoutConfig
	start    time.Time

	previous  []error
	afterErrs []error
	cancelled bool
	stream    *handoffBody
}

func (c *Client) newInvocation(ctx context.Context, op *Operation, input any, reqPlugins []RuntimePlugin) (*invocation, error) {
	if op == nil {
		return nil, newError(KindConstruction, "operation is nil", nil)
	}
	if op.Serializer == nil || op.Deserializer == nil {
		return nil, newError(KindConstruction, fmt.Sprintf("operation %s has no serializer or deserializer", op.Metadata), nil)
	}

	cfg := configbag.New()
	b := NewRuntimeComponentsBuilder(op.Metadata.String())
	scopes := []struct {
		name    string
		plugins []RuntimePlugin
	}{
		{ScopeClient, []RuntimePlugin{c.defaultsPlugin()}},
		{ScopeService, c.plugins},
		{ScopeOperation, op.Plugins},
		{ScopeRequest, reqPlugins},
	}
	for _, s := range scopes {
		if err := applyPlugins(s.name, cfg, b, s.plugins); err != nil {
			return nil, newError(KindConstruction, "runtime plugin failed", err)
		}
	}
	rc, err := b.Build()
	if err != nil {
		return nil, newError(KindConstruction, "invalid runtime components", err)
	}

	inv := &invocation{
		client:   c,
		op:       op,
		cfg:      cfg,
		rc:       rc,
		pipe:     newPipeline(rc.Interceptors, cfg, rc.Logger),
		ictx:     newInterceptorContext(ctx, op.Metadata, input),
		logger:   rc.Logger,
		debug:    c.debug,
		timeouts: configbag.LoadOr(cfg, TimeoutConfig{}),
		start:    rc.Clock.Now(),
	}
	inv.ictx.maxAttempts = retryConfig(cfg).MaxAttempts
	return inv, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (inv *invocation) addAfter(err error) {
	if err != nil {
		inv.afterErrs = append(inv.afterErrs, err)
	}
}

// run drives the invocation through every phase.
func (inv *invocation) run(callerCtx context.Context) (any, error) {
	md := inv.op.Metadata
	inv.rc.Metrics.RecordInvocationStart(md)
	ctx, span := inv.rc.Tracer.startInvocation(callerCtx, md)

	opCtx, cancelOp := withTimeout(ctx, inv.timeouts.Operation)
	inv.ictx.ctx = opCtx

	if inv.debug.requests() {
		inv.logger.Debug("Starting invocation", "operation", md.String(), "maxAttempts", inv.ictx.maxAttempts)
	}

	out, err := inv.execute(callerCtx, opCtx)
	out, err = inv.finish(out, err)

	status := 0
	if inv.ictx.response != nil {
		status = inv.ictx.response.StatusCode
	}
	if inv.stream != nil && err == nil {
		// The output owns the response body; closing it releases the
		// operation context and ends the span.
		inv.stream.addOnClose(func() {
			cancelOp()
			endSpan(span, status, nil)
		})
	} else {
		if inv.stream != nil {
			_ = inv.stream.Close()
		}
		cancelOp()
		endSpan(span, status, err)
	}

	inv.rc.Metrics.RecordInvocationEnd(md, inv.rc.Clock.Now().Sub(inv.start), err)
	if err != nil {
		var sdkErr *SdkError
		if errors.As(err, &sdkErr) {
			inv.rc.Metrics.RecordError(sdkErr.Kind, md)
		}
	}
	if bucket := inv.client.TokenBucket(); bucket != nil {
		inv.rc.Metrics.RecordRetryTokens(bucket.Available())
	}
	return out, err
}

func (inv *invocation) execute(callerCtx, opCtx context.Context) (any, error) {
	if err := inv.serialize(); err != nil {
		return nil, err
	}

	ictx := inv.ictx
	ictx.enter(PhaseBeforeRetryLoop)
	if err := inv.pipe.before(HookBeforeRetryLoop, ictx, inv.rc, inv.cfg); err != nil {
		return nil, newError(KindSerialization, "interceptor failed before the retry loop", err)
	}
	original := ictx.request

	for attempt := 1; ; attempt++ {
		if err := inv.interrupted(callerCtx, opCtx); err != nil {
			return nil, err
		}
		if err := inv.rc.RetryStrategy.AcquireAttempt(opCtx, attempt, inv.cfg); err != nil {
			if ierr := inv.interrupted(callerCtx, opCtx); ierr != nil {
				return nil, ierr
			}
			return nil, newError(KindDispatch, "retry strategy refused the attempt", err)
		}

		inv.attempt(opCtx, attempt, original)
		ictx.ctx = opCtx

		lastErr := ictx.err()
		if lastErr != nil {
			if err := inv.interrupted(callerCtx, opCtx); err != nil {
				return nil, err
			}
			if IsKind(lastErr, KindConstruction) {
				return nil, lastErr
			}
			if !body.Replayable(original.Body) && body.WasPolled(original.Body) {
				inv.logger.Debug("request body cannot be replayed, not retrying", "operation", inv.op.Metadata.String())
				return nil, lastErr
			}
		}

		decision, serr := inv.rc.RetryStrategy.ShouldAttemptRetry(ictx, inv.rc, inv.cfg)
		if lastErr == nil {
			return ictx.result.Output, nil
		}
		switch {
		case errors.Is(serr, ErrOperationTimeout):
			if inv.debug.retries() {
				inv.logger.Debug("Retry delay exceeds operation deadline", "attempt", attempt, "delay", decision.Delay)
			}
			<-opCtx.Done()
			if err := inv.interrupted(callerCtx, opCtx); err != nil {
				return nil, err
			}
			return nil, inv.operationTimeout()
		case errors.Is(serr, ErrQuotaExhausted):
			inv.rc.Metrics.RecordQuotaExhausted(inv.op.Metadata)
			inv.logger.Warn("retry quota exhausted", "operation", inv.op.Metadata.String(), "attempt", attempt)
			return nil, newError(KindQuota, "quota exhausted", fmt.Errorf("%w: %w", ErrQuotaExhausted, lastErr))
		case serr != nil:
			return nil, lastErr
		case !decision.Retry:
			return nil, lastErr
		}

		inv.rc.Metrics.RecordRetry(inv.op.Metadata, decision.Kind)
		if inv.debug.retries() {
			inv.logger.Debug("Retrying attempt", "operation", inv.op.Metadata.String(), "attempt", attempt,
				"kind", decision.Kind.String(), "delay", decision.Delay, "error", lastErr)
		}
		inv.previous = append(inv.previous, lastErr)
		_ = inv.rc.Clock.Sleep(opCtx, decision.Delay)
	}
}

// interrupted returns the terminal error for a cancelled caller or an
// expired operation budget, or nil.
func (inv *invocation) interrupted(callerCtx, opCtx context.Context) error {
	if err := callerCtx.Err(); err != nil {
		inv.cancelled = true
		return newError(KindDispatch, "invocation cancelled", err)
	}
	if opCtx.Err() != nil {
		return inv.operationTimeout()
	}
	return nil
}

func (inv *invocation) operationTimeout() error {
	cause := ErrOperationTimeout
	if last := inv.ictx.err(); last != nil {
		cause = fmt.Errorf("%w after %v: %w", ErrOperationTimeout, inv.timeouts.Operation, last)
	}
	return newError(KindTimeout, "operation timed out", cause)
}

// serialize runs BeforeSerialization, the serializer and AfterSerialization.
func (inv *invocation) serialize() error {
	ictx := inv.ictx
	ictx.enter(PhaseBeforeSerialization)
	if err := inv.pipe.before(HookBeforeSerialization, ictx, inv.rc, inv.cfg); err != nil {
		ictx.enter(PhaseSerialization)
		inv.addAfter(inv.pipe.after(HookAfterSerialization, ictx, inv.rc, inv.cfg))
		return newError(KindSerialization, "interceptor failed before serialization", err)
	}

	ictx.enter(PhaseSerialization)
	req := NewHTTPRequest()
	serr := inv.op.Serializer.SerializeInput(ictx.input, req, inv.cfg)
	if serr == nil {
		ictx.request = req
	}
	inv.addAfter(inv.pipe.after(HookAfterSerialization, ictx, inv.rc, inv.cfg))
	if serr != nil {
		return newError(KindSerialization, "failed to serialize input", serr)
	}
	return nil
}

// attempt runs one iteration of the retry loop and leaves its result in the
// interceptor context.
//
// The transport context only inherits cancellation from opCtx. The attempt
// budget is a separate timer stopped once the attempt completes, so a body
// handed to a streaming output outlives the attempt deadline.
func (inv *invocation) attempt(opCtx context.Context, n int, original *HTTPRequest) {
	ictx := inv.ictx
	attemptCtx, cancel := context.WithCancelCause(opCtx)
	stopTimer := startAttemptTimer(inv.timeouts.Attempt, cancel)
	attemptCtx, span := inv.rc.Tracer.startAttempt(attemptCtx, n)
	start := inv.rc.Clock.Now()

	ictx.attempt = n
	ictx.response = nil
	ictx.result = nil
	ictx.ctx = attemptCtx
	ictx.request, _ = original.Clone()

	ictx.enter(PhaseBeforeAttempt)
	err := inv.pipe.before(HookBeforeAttempt, ictx, inv.rc, inv.cfg)
	if err != nil {
		err = newError(KindDispatch, "interceptor failed before the attempt", err)
	} else {
		err = inv.dispatch(attemptCtx)
	}
	stopTimer()
	expired := errors.Is(context.Cause(attemptCtx), ErrAttemptTimeout) && opCtx.Err() == nil
	switch {
	case err != nil && expired:
		err = newError(KindTimeout, "attempt timed out",
			fmt.Errorf("%w after %v: %w", ErrAttemptTimeout, inv.timeouts.Attempt, err))
	case err == nil && expired && inv.stream != nil:
		// The deadline fired after the response arrived but before the
		// handoff; the stream's context is already gone.
		err = newError(KindTimeout, "attempt timed out",
			fmt.Errorf("%w after %v", ErrAttemptTimeout, inv.timeouts.Attempt))
	}
	if err != nil {
		ictx.setError(err)
	}

	ictx.enter(PhaseAfterAttempt)
	inv.addAfter(inv.pipe.after(HookAfterAttempt, ictx, inv.rc, inv.cfg))

	status := 0
	if ictx.response != nil {
		status = ictx.response.StatusCode
		inv.rc.Metrics.RecordAttempt(inv.op.Metadata, status, inv.rc.Clock.Now().Sub(start))
	}
	switch {
	case inv.stream != nil && ictx.err() == nil:
		inv.stream.addOnClose(func() { cancel(nil) })
		endSpan(span, status, nil)
		return
	case inv.stream != nil:
		_ = inv.stream.Close()
		inv.stream = nil
	case ictx.response != nil && ictx.err() != nil:
		_ = ictx.response.Body.Close()
	}
	cancel(nil)
	endSpan(span, status, ictx.err())
}

// startAttemptTimer cancels the attempt with ErrAttemptTimeout once d
// elapses. The returned func disarms the timer; it has no effect once the
// timer fired. A non-positive d arms nothing.
func startAttemptTimer(d time.Duration, cancel context.CancelCauseFunc) (stop func()) {
	if d <= 0 {
		return func() {}
	}
	t := time.AfterFunc(d, func() { cancel(ErrAttemptTimeout) })
	return func() { t.Stop() }
}

// dispatch signs, transmits and deserializes the attempt's request.
func (inv *invocation) dispatch(ctx context.Context) error {
	ictx := inv.ictx
	if err := inv.sign(ctx, ictx.request, SigningProperties{}); err != nil {
		return err
	}
	ictx.request.finalize(inv.op.Metadata.Flags.Has(FlagStreamingRequest))

	if err := inv.pipe.before(HookBeforeTransmit, ictx, inv.rc, inv.cfg); err != nil {
		ictx.enter(PhaseBeforeDeserialization)
		inv.addAfter(inv.pipe.after(HookAfterTransmit, ictx, inv.rc, inv.cfg))
		return newError(KindDispatch, "interceptor failed before transmit", err)
	}
	if inv.debug.requests() {
		inv.logger.Debug("Transmitting request", "operation", inv.op.Metadata.String(),
			"attempt", ictx.attempt, "method", ictx.request.Method, "url", ictx.request.URL.String())
	}
	resp, terr := inv.rc.HTTPClient.Call(ctx, ictx.request)
	ictx.enter(PhaseBeforeDeserialization)
	if terr == nil {
		if resp.Body == nil {
			resp.Body = body.Empty()
		}
		ictx.response = resp
	}
	inv.addAfter(inv.pipe.after(HookAfterTransmit, ictx, inv.rc, inv.cfg))
	if terr != nil {
		return newError(KindDispatch, "failed to send request", terr)
	}

	if err := inv.pipe.before(HookBeforeDeserialization, ictx, inv.rc, inv.cfg); err != nil {
		ictx.enter(PhaseDeserialization)
		ictx.setError(inv.withStatus(newError(KindResponse, "interceptor failed before deserialization", err)))
		inv.addAfter(inv.pipe.after(HookAfterDeserialization, ictx, inv.rc, inv.cfg))
		return ictx.err()
	}

	ictx.enter(PhaseDeserialization)
	out, err := inv.deserialize(ictx.response)
	ictx.result = &OutputOrError{Output: out, Err: err}
	inv.addAfter(inv.pipe.after(HookAfterDeserialization, ictx, inv.rc, inv.cfg))
	return ictx.err()
}

// sign resolves the identity and endpoint and runs the signing hooks.
// props.Time, Region and Name are filled in here.
func (inv *invocation) sign(ctx context.Context, req *HTTPRequest, props SigningProperties) error {
	ictx := inv.ictx
	ictx.enter(PhaseBeforeSigning)

	scheme, resolver, err := selectAuthScheme(inv.op, inv.rc, inv.cfg)
	if err != nil {
		return newError(KindConstruction, "auth scheme selection failed", err)
	}
	id, err := inv.resolveIdentity(ctx, scheme.SchemeID(), resolver)
	if err != nil {
		return newError(KindConstruction, "identity resolution failed", err)
	}
	ep, err := inv.resolveEndpoint(ctx)
	if err != nil {
		return newError(KindConstruction, "endpoint resolution failed", err)
	}
	if allowed, ok := endpoint.Property[[]string](ep, endpoint.PropertyAuthSchemes); ok && !containsScheme(allowed, scheme.SchemeID()) {
		return newError(KindConstruction,
			fmt.Sprintf("endpoint %s does not accept auth scheme %s", ep, scheme.SchemeID()), nil)
	}
	ep.ApplyURL(req.URL)
	ep.ApplyHeaders(req.Header)

	if err := inv.pipe.before(HookBeforeSigning, ictx, inv.rc, inv.cfg); err != nil {
		ictx.enter(PhaseTransmit)
		inv.addAfter(inv.pipe.after(HookAfterSigning, ictx, inv.rc, inv.cfg))
		return newError(KindDispatch, "interceptor failed before signing", err)
	}

	props.Time = inv.rc.Clock.Now()
	props.Region = string(configbag.LoadOr[Region](inv.cfg, ""))
	if r, ok := endpoint.Property[string](ep, endpoint.PropertySigningRegion); ok && r != "" {
		props.Region = r
	}
	props.Name = string(configbag.LoadOr[SigningName](inv.cfg, SigningName(inv.op.Metadata.Service)))
	if n, ok := endpoint.Property[string](ep, endpoint.PropertySigningName); ok && n != "" {
		props.Name = n
	}
	serr := scheme.Signer().SignRequest(req, id, props)

	ictx.enter(PhaseTransmit)
	inv.addAfter(inv.pipe.after(HookAfterSigning, ictx, inv.rc, inv.cfg))
	if serr != nil {
		return newError(KindConstruction, "failed to sign request", serr)
	}
	return nil
}

func containsScheme(ids []string, id AuthSchemeID) bool {
	for _, s := range ids {
		if AuthSchemeID(s) == id {
			return true
		}
	}
	return false
}

func (inv *invocation) resolveIdentity(ctx context.Context, scheme AuthSchemeID, r identity.Resolver) (identity.Identity, error) {
	if scheme == AuthSchemeAnonymous || inv.rc.IdentityCache == nil {
		return r.ResolveIdentity(ctx)
	}
	return inv.rc.IdentityCache.Resolve(ctx, string(scheme), r)
}

func (inv *invocation) resolveEndpoint(ctx context.Context) (endpoint.Endpoint, error) {
	var params any
	if inv.op.EndpointParams != nil {
		p, err := inv.op.EndpointParams(inv.ictx.input, inv.cfg)
		if err != nil {
			return endpoint.Endpoint{}, err
		}
		params = p
	} else {
		p := configbag.LoadOr(inv.cfg, endpoint.Params{})
		if p.Region == "" {
			p.Region = string(configbag.LoadOr[Region](inv.cfg, ""))
		}
		params = p
	}
	return inv.rc.EndpointResolver.ResolveEndpoint(ctx, params)
}

// deserialize gives the deserializer a chance at the streaming body, then
// loads the body into memory and parses it.
func (inv *invocation) deserialize(resp *HTTPResponse) (any, error) {
	d := inv.op.Deserializer
	if inv.op.Metadata.Flags.Has(FlagStreamingResponse) {
		hb := &handoffBody{Body: resp.Body}
		resp.Body = hb
		out, handled, err := d.ParseUnloaded(resp)
		if handled {
			if err != nil {
				_ = hb.Close()
				return nil, inv.responseError(resp, err)
			}
			inv.stream = hb
			return out, nil
		}
	} else if out, handled, err := d.ParseUnloaded(resp); handled {
		return out, inv.responseError(resp, err)
	}

	data, err := body.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, inv.withStatus(newError(KindResponse, "failed to read response body", err))
	}
	resp.Body = body.FromBytes(data)
	out, err := d.ParseLoaded(resp)
	return out, inv.responseError(resp, err)
}

func (inv *invocation) responseError(resp *HTTPResponse, err error) error {
	if err == nil {
		return nil
	}
	return inv.toSdkError(err)
}

// toSdkError wraps a non-nil deserializer or interceptor error.
func (inv *invocation) toSdkError(err error) *SdkError {
	var sdkErr *SdkError
	if errors.As(err, &sdkErr) {
		return inv.withStatus(sdkErr)
	}
	var se ServiceError
	if errors.As(err, &se) {
		return inv.withStatus(newError(KindService, se.ErrorCode(), err))
	}
	return inv.withStatus(newError(KindResponse, "failed to deserialize response", err))
}

func (inv *invocation) withStatus(e *SdkError) *SdkError {
	if e.StatusCode == 0 && inv.ictx.response != nil {
		e.StatusCode = inv.ictx.response.StatusCode
	}
	if e.RequestID == "" {
		e.RequestID = inv.ictx.response.RequestID()
	}
	return e
}

// finish fires AfterExecution unless the caller cancelled, then decorates
// the error with the invocation's context.
func (inv *invocation) finish(out any, err error) (any, error) {
	ictx := inv.ictx
	if !inv.cancelled {
		ictx.enter(PhaseAfterExecution)
		ictx.result = &OutputOrError{Output: out, Err: err}
		inv.addAfter(inv.pipe.after(HookAfterExecution, ictx, inv.rc, inv.cfg))
		out, err = ictx.result.Output, ictx.result.Err
	}

	afterErr := errors.Join(inv.afterErrs...)
	if err == nil {
		if afterErr != nil {
			inv.logger.Warn("interceptors failed after a successful invocation",
				"operation", inv.op.Metadata.String(), "error", afterErr)
		}
		if inv.debug.requests() {
			inv.logger.Debug("Invocation succeeded", "operation", inv.op.Metadata.String(), "attempts", ictx.attempt)
		}
		return out, nil
	}

	var sdkErr *SdkError
	if !errors.As(err, &sdkErr) {
		sdkErr = inv.toSdkError(err)
	}
	if sdkErr.Service == "" {
		sdkErr.Service = inv.op.Metadata.Service
		sdkErr.Operation = inv.op.Metadata.Operation
	}
	sdkErr.Attempts = ictx.attempt
	sdkErr.MaxAttempts = ictx.maxAttempts
	sdkErr.Elapsed = inv.rc.Clock.Now().Sub(inv.start)
	if sdkErr.RequestID == "" {
		if id, ok := configbag.Load[RequestID](inv.cfg); ok {
			sdkErr.RequestID = string(id)
		} else {
			sdkErr.RequestID = ictx.response.RequestID()
		}
	}
	if sdkErr.StatusCode == 0 && ictx.response != nil {
		sdkErr.StatusCode = ictx.response.StatusCode
	}
	sdkErr.Previous = append([]error(nil), inv.previous...)
	sdkErr.InterceptorErrors = afterErr

	if inv.debug.requests() {
		inv.logger.Debug("Invocation failed", "operation", inv.op.Metadata.String(), "error", sdkErr)
	}
	return nil, sdkErr
}

// handoffBody is the response body handed to a streaming output. Closing
// it runs the cleanups the orchestrator deferred to it.
type handoffBody struct {
	body.Body

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

func (h *handoffBody) addOnClose(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		fn()
		return
	}
	h.onClose = append(h.onClose, fn)
}

// Unwrap exposes the wrapped body.
func (h *handoffBody) Unwrap() body.Body { return h.Body }

// Close closes the wrapped body and runs the deferred cleanups once.
func (h *handoffBody) Close() error {
	err := h.Body.Close()
	h.mu.Lock()
	fns := h.onClose
	h.onClose = nil
	h.closed = true
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return err
}
