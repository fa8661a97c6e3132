package orkestra

import (
	"errors"
	"fmt"

	"github.com/ambiyansyah-risyal/orkestra/configbag"
	"github.com/ambiyansyah-risyal/orkestra/logging"
)

// Hook names one of the twelve interceptor callbacks.
type Hook int

const (
	HookBeforeSerialization Hook = iota
	HookAfterSerialization
	HookBeforeRetryLoop
	HookBeforeAttempt
	HookBeforeSigning
	HookAfterSigning
	HookBeforeTransmit
	HookAfterTransmit
	HookBeforeDeserialization
	HookAfterDeserialization
	HookAfterAttempt
	HookAfterExecution
)

var hookNames = [...]string{
	"BeforeSerialization",
	"AfterSerialization",
	"BeforeRetryLoop",
	"BeforeAttempt",
	"BeforeSigning",
	"AfterSigning",
	"BeforeTransmit",
	"AfterTransmit",
	"BeforeDeserialization",
	"AfterDeserialization",
	"AfterAttempt",
	"AfterExecution",
}

func (h Hook) String() string {
	if h < 0 || int(h) >= len(hookNames) {
		return fmt.Sprintf("Hook(%d)", int(h))
	}
	return hookNames[h]
}

// HookFunc is the signature shared by every hook.
type HookFunc func(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error

// Interceptor observes or mutates an invocation. An interceptor implements
// any subset of the hook interfaces below.
type Interceptor interface {
	Name() string
}

type BeforeSerializationInterceptor interface {
	BeforeSerialization(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error
}

type AfterSerializationInterceptor interface {
	AfterSerialization(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error
}

type BeforeRetryLoopInterceptor interface {
	BeforeRetryLoop(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error
}

type BeforeAttemptInterceptor interface {
	BeforeAttempt(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error
}

type BeforeSigningInterceptor interface {
	BeforeSigning(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error
}

type AfterSigningInterceptor interface {
	AfterSigning(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error
}

type BeforeTransmitInterceptor interface {
	BeforeTransmit(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error
}

type AfterTransmitInterceptor interface {
	AfterTransmit(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error
}

type BeforeDeserializationInterceptor interface {
	BeforeDeserialization(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error
}

type AfterDeserializationInterceptor interface {
	AfterDeserialization(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error
}

type AfterAttemptInterceptor interface {
	AfterAttempt(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error
}

type AfterExecutionInterceptor interface {
	AfterExecution(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error
}

// hookOf returns the callback of i for h, or nil.
func hookOf(i Interceptor, h Hook) HookFunc {
	switch h {
	case HookBeforeSerialization:
		if v, ok := i.(BeforeSerializationInterceptor); ok {
			return v.BeforeSerialization
		}
	case HookAfterSerialization:
		if v, ok := i.(AfterSerializationInterceptor); ok {
			return v.AfterSerialization
		}
	case HookBeforeRetryLoop:
		if v, ok := i.(BeforeRetryLoopInterceptor); ok {
			return v.BeforeRetryLoop
		}
	case HookBeforeAttempt:
		if v, ok := i.(BeforeAttemptInterceptor); ok {
			return v.BeforeAttempt
		}
	case HookBeforeSigning:
		if v, ok := i.(BeforeSigningInterceptor); ok {
			return v.BeforeSigning
		}
	case HookAfterSigning:
		if v, ok := i.(AfterSigningInterceptor); ok {
			return v.AfterSigning
		}
	case HookBeforeTransmit:
		if v, ok := i.(BeforeTransmitInterceptor); ok {
			return v.BeforeTransmit
		}
	case HookAfterTransmit:
		if v, ok := i.(AfterTransmitInterceptor); ok {
			return v.AfterTransmit
		}
	case HookBeforeDeserialization:
		if v, ok := i.(BeforeDeserializationInterceptor); ok {
			return v.BeforeDeserialization
		}
	case HookAfterDeserialization:
		if v, ok := i.(AfterDeserializationInterceptor); ok {
			return v.AfterDeserialization
		}
	case HookAfterAttempt:
		if v, ok := i.(AfterAttemptInterceptor); ok {
			return v.AfterAttempt
		}
	case HookAfterExecution:
		if v, ok := i.(AfterExecutionInterceptor); ok {
			return v.AfterExecution
		}
	}
	return nil
}

// InterceptorFuncs builds an interceptor from a record of optional callbacks.
type InterceptorFuncs struct {
	InterceptorName string

	OnBeforeSerialization   HookFunc
	OnAfterSerialization    HookFunc
	OnBeforeRetryLoop       HookFunc
	OnBeforeAttempt         HookFunc
	OnBeforeSigning         HookFunc
	OnAfterSigning          HookFunc
	OnBeforeTransmit        HookFunc
	OnAfterTransmit         HookFunc
	OnBeforeDeserialization HookFunc
	OnAfterDeserialization  HookFunc
	OnAfterAttempt          HookFunc
	OnAfterExecution        HookFunc
}

func (f *InterceptorFuncs) Name() string { return f.InterceptorName }

func call(fn HookFunc, ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error {
	if fn == nil {
		return nil
	}
	return fn(ictx, rc, cfg)
}

func (f *InterceptorFuncs) BeforeSerialization(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error {
	return call(f.OnBeforeSerialization, ictx, rc, cfg)
}

func (f *InterceptorFuncs) AfterSerialization(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error {
	return call(f.OnAfterSerialization, ictx, rc, cfg)
}

func (f *InterceptorFuncs) BeforeRetryLoop(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error {
	return call(f.OnBeforeRetryLoop, ictx, rc, cfg)
}

func (f *InterceptorFuncs) BeforeAttempt(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error {
	return call(f.OnBeforeAttempt, ictx, rc, cfg)
}

func (f *InterceptorFuncs) BeforeSigning(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error {
	return call(f.OnBeforeSigning, ictx, rc, cfg)
}

func (f *InterceptorFuncs) AfterSigning(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error {
	return call(f.OnAfterSigning, ictx, rc, cfg)
}

func (f *InterceptorFuncs) BeforeTransmit(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error {
	return call(f.OnBeforeTransmit, ictx, rc, cfg)
}

func (f *InterceptorFuncs) AfterTransmit(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error {
	return call(f.OnAfterTransmit, ictx, rc, cfg)
}

func (f *InterceptorFuncs) BeforeDeserialization(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error {
	return call(f.OnBeforeDeserialization, ictx, rc, cfg)
}

func (f *InterceptorFuncs) AfterDeserialization(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error {
	return call(f.OnAfterDeserialization, ictx, rc, cfg)
}

func (f *InterceptorFuncs) AfterAttempt(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error {
	return call(f.OnAfterAttempt, ictx, rc, cfg)
}

func (f *InterceptorFuncs) AfterExecution(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error {
	return call(f.OnAfterExecution, ictx, rc, cfg)
}

// InterceptorError names the interceptor and hook that failed.
type InterceptorError struct {
	Interceptor string
	Hook        Hook
	Err         error
}

func (e *InterceptorError) Error() string {
	return fmt.Sprintf("interceptor %s failed in %s: %v", e.Interceptor, e.Hook, e.Err)
}

func (e *InterceptorError) Unwrap() error { return e.Err }

// pipeline dispatches hooks over the interceptors of one invocation. The
// disabled set is fixed when the pipeline is built, so a suppressed
// interceptor runs neither half of any hook pair.
type pipeline struct {
	interceptors []Interceptor
	logger       logging.Logger
}

func newPipeline(all []Interceptor, cfg *configbag.Bag, logger logging.Logger) *pipeline {
	disabled := make(map[string]bool)
	for _, d := range configbag.All[DisabledInterceptor](cfg) {
		disabled[d.Name] = true
	}
	p := &pipeline{logger: logging.OrNop(logger)}
	for _, i := range all {
		if i == nil {
			continue
		}
		if disabled[i.Name()] {
			p.logger.Debug("interceptor disabled", "interceptor", i.Name())
			continue
		}
		p.interceptors = append(p.interceptors, i)
	}
	return p
}

// before runs h in registration order and stops at the first error.
func (p *pipeline) before(h Hook, ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error {
	for _, i := range p.interceptors {
		fn := hookOf(i, h)
		if fn == nil {
			continue
		}
		if err := fn(ictx, rc, cfg); err != nil {
			return &InterceptorError{Interceptor: i.Name(), Hook: h, Err: err}
		}
	}
	return nil
}

// after runs h in reverse registration order. Every interceptor runs; the
// errors are joined.
func (p *pipeline) after(h Hook, ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error {
	var errs []error
	for idx := len(p.interceptors) - 1; idx >= 0; idx-- {
		i := p.interceptors[idx]
		fn := hookOf(i, h)
		if fn == nil {
			continue
		}
		if err := fn(ictx, rc, cfg); err != nil {
			p.logger.Warn("interceptor failed", "interceptor", i.Name(), "hook", h.String(), "error", err)
			errs = append(errs, &InterceptorError{Interceptor: i.Name(), Hook: h, Err: err})
		}
	}
	return errors.Join(errs...)
}
