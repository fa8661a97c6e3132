package orkestra

import (
	"context"
	"fmt"
	"time"
)

// MaxPresignExpiry is the longest validity a presigned request can have.
const MaxPresignExpiry = 7 * 24 * time.Hour

// Presign runs op through serialization and signing and returns the signed
// request without sending it. The signature is carried in query parameters
// valid for expiresIn. Only FlagPresignable operations can be presigned.
func (c *Client) Presign(ctx context.Context, op *Operation, input any, expiresIn time.Duration, plugins ...RuntimePlugin) (*HTTPRequest, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}
	if op == nil || !op.Metadata.Flags.Has(FlagPresignable) {
		return nil, newError(KindConstruction, "operation cannot be presigned", nil)
	}
	if expiresIn <= 0 || expiresIn > MaxPresignExpiry {
		return nil, newError(KindConstruction, fmt.Sprintf("presign expiry %v is outside (0, %v]", expiresIn, MaxPresignExpiry), nil)
	}

	plugins = append([]RuntimePlugin{
		DisableInterceptor(InterceptorUserAgent, "presigned requests are not sent by this client"),
		DisableInterceptor(InterceptorInvocationID, "presigned requests are not sent by this client"),
		DisableInterceptor(InterceptorRequestInfo, "presigned requests are not sent by this client"),
	}, plugins...)
	inv, err := c.newInvocation(ctx, op, input, plugins)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := withTimeout(ctx, inv.timeouts.Operation)
	defer cancel()
	inv.ictx.ctx = opCtx

	req, err := inv.presign(ctx, opCtx, expiresIn)
	if _, ferr := inv.finish(nil, err); ferr != nil {
		return nil, ferr
	}
	return req, nil
}

func (inv *invocation) presign(callerCtx, opCtx context.Context, expiresIn time.Duration) (*HTTPRequest, error) {
	if err := inv.serialize(); err != nil {
		return nil, err
	}
	ictx := inv.ictx
	ictx.enter(PhaseBeforeRetryLoop)
	if err := inv.pipe.before(HookBeforeRetryLoop, ictx, inv.rc, inv.cfg); err != nil {
		return nil, newError(KindSerialization, "interceptor failed before the retry loop", err)
	}
	if err := inv.interrupted(callerCtx, opCtx); err != nil {
		return nil, err
	}

	ictx.attempt = 1
	ictx.enter(PhaseBeforeAttempt)
	err := inv.pipe.before(HookBeforeAttempt, ictx, inv.rc, inv.cfg)
	if err != nil {
		err = newError(KindDispatch, "interceptor failed before the attempt", err)
	} else {
		err = inv.sign(opCtx, ictx.request, SigningProperties{Presign: true, ExpiresIn: expiresIn})
	}
	if err == nil {
		ictx.request.finalize(true)
		ictx.request.Header.Del("Host")
	}
	ictx.setError(err)

	ictx.enter(PhaseAfterAttempt)
	inv.addAfter(inv.pipe.after(HookAfterAttempt, ictx, inv.rc, inv.cfg))
	if err := ictx.err(); err != nil {
		return nil, err
	}
	return ictx.request, nil
}
