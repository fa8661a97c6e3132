package orkestra

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/ambiyansyah-risyal/orkestra/body"
	"github.com/ambiyansyah-risyal/orkestra/configbag"
)

// Names of the interceptors every client registers. Pass them to
// DisableInterceptor to switch one off.
const (
	InterceptorInvocationID     = "InvocationID"
	InterceptorRequestInfo      = "RequestInfo"
	InterceptorUserAgent        = "UserAgent"
	InterceptorRequestID        = "RequestID"
	InterceptorCompression      = "RequestCompression"
	InterceptorStalledStream    = "StalledStreamProtection"
	InterceptorTracePropagation = "TracePropagation"
)

// Headers written by the built-in interceptors.
const (
	HeaderInvocationID = "Amz-Sdk-Invocation-Id"
	HeaderRequestInfo  = "Amz-Sdk-Request"
)

func builtinInterceptors() []Interceptor {
	return []Interceptor{
		InvocationIDInterceptor{},
		RequestInfoInterceptor{},
		UserAgentInterceptor{},
		RequestIDInterceptor{},
		RequestCompressionInterceptor{},
		StalledStreamProtectionInterceptor{},
		TracePropagationInterceptor{},
	}
}

// InvocationIDInterceptor tags every attempt of an invocation with the same
// random id.
type InvocationIDInterceptor struct{}

func (InvocationIDInterceptor) Name() string { return InterceptorInvocationID }

func (InvocationIDInterceptor) BeforeRetryLoop(_ *InterceptorContext, _ *RuntimeComponents, cfg *configbag.Bag) error {
	if _, ok := configbag.Load[InvocationID](cfg); !ok {
		configbag.Put(cfg, InvocationID(uuid.NewString()))
	}
	return nil
}

func (InvocationIDInterceptor) BeforeTransmit(ictx *InterceptorContext, _ *RuntimeComponents, cfg *configbag.Bag) error {
	id, ok := configbag.Load[InvocationID](cfg)
	if !ok {
		return nil
	}
	req, err := ictx.Request()
	if err != nil {
		return err
	}
	req.Header.Set(HeaderInvocationID, string(id))
	return nil
}

// RequestInfoInterceptor reports the attempt number to the service.
type RequestInfoInterceptor struct{}

func (RequestInfoInterceptor) Name() string { return InterceptorRequestInfo }

func (RequestInfoInterceptor) BeforeTransmit(ictx *InterceptorContext, _ *RuntimeComponents, _ *configbag.Bag) error {
	req, err := ictx.Request()
	if err != nil {
		return err
	}
	req.Header.Set(HeaderRequestInfo, fmt.Sprintf("attempt=%d; max=%d", ictx.Attempt(), ictx.MaxAttempts()))
	return nil
}

// UserAgentInterceptor sets the User-Agent header.
type UserAgentInterceptor struct{}

func (UserAgentInterceptor) Name() string { return InterceptorUserAgent }

func (UserAgentInterceptor) BeforeSigning(ictx *InterceptorContext, _ *RuntimeComponents, _ *configbag.Bag) error {
	req, err := ictx.Request()
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", UserAgent(ictx.Metadata()))
	return nil
}

// RequestIDInterceptor stores the service request id in the config bag.
type RequestIDInterceptor struct{}

func (RequestIDInterceptor) Name() string { return InterceptorRequestID }

func (RequestIDInterceptor) AfterTransmit(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error {
	resp, err := ictx.Response()
	if err != nil {
		// transport failure, nothing to read
		return nil
	}
	if id := resp.RequestID(); id != "" {
		configbag.Put(cfg, RequestID(id))
		rc.Logger.Debug("received response", "operation", ictx.Metadata().String(),
			"attempt", ictx.Attempt(), "status", resp.StatusCode, "requestID", id)
	}
	return nil
}

// RequestCompressionInterceptor gzips in-memory bodies of operations flagged
// FlagRequestCompression.
type RequestCompressionInterceptor struct{}

func (RequestCompressionInterceptor) Name() string { return InterceptorCompression }

func (RequestCompressionInterceptor) BeforeRetryLoop(ictx *InterceptorContext, _ *RuntimeComponents, cfg *configbag.Bag) error {
	if !ictx.Metadata().Flags.Has(FlagRequestCompression) {
		return nil
	}
	conf := configbag.LoadOr(cfg, RequestCompressionConfig{Disabled: true})
	if conf.Disabled {
		return nil
	}
	minSize := conf.MinSize
	if minSize <= 0 {
		minSize = DefaultMinCompressionSize
	}
	req, err := ictx.Request()
	if err != nil {
		return err
	}
	data, ok := body.InMemory(req.Body)
	if !ok || len(data) < minSize || req.Header.Get("Content-Encoding") != "" {
		return nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("gzip request body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("gzip request body: %w", err)
	}
	req.Body = body.FromBytes(buf.Bytes())
	req.Header.Set("Content-Encoding", "gzip")
	return nil
}

// StalledStreamProtectionInterceptor fails transfers whose throughput drops
// below the configured minimum.
type StalledStreamProtectionInterceptor struct{}

func (StalledStreamProtectionInterceptor) Name() string { return InterceptorStalledStream }

func throughputOptions(conf StalledStreamProtectionConfig, rc *RuntimeComponents) body.ThroughputOptions {
	return body.ThroughputOptions{
		MinBytesPerSecond: conf.MinBytesPerSecond,
		GracePeriod:       conf.GracePeriod,
		CheckInterval:     conf.CheckInterval,
		Window:            conf.Window,
		Clock:             rc.Clock,
	}
}

func (StalledStreamProtectionInterceptor) BeforeTransmit(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error {
	conf := configbag.LoadOr(cfg, StalledStreamProtectionConfig{})
	if !conf.Enabled || conf.UploadDisabled {
		return nil
	}
	req, err := ictx.Request()
	if err != nil {
		return err
	}
	if _, inMemory := body.InMemory(req.Body); inMemory {
		return nil
	}
	req.Body = body.NewMinimumThroughput(req.Body, throughputOptions(conf, rc))
	return nil
}

func (StalledStreamProtectionInterceptor) BeforeDeserialization(ictx *InterceptorContext, rc *RuntimeComponents, cfg *configbag.Bag) error {
	conf := configbag.LoadOr(cfg, StalledStreamProtectionConfig{})
	if !conf.Enabled || conf.DownloadDisabled {
		return nil
	}
	resp, err := ictx.Response()
	if err != nil {
		return err
	}
	resp.Body = body.NewMinimumThroughput(resp.Body, throughputOptions(conf, rc))
	return nil
}

// TracePropagationInterceptor injects the attempt's span context into the
// request headers.
type TracePropagationInterceptor struct{}

func (TracePropagationInterceptor) Name() string { return InterceptorTracePropagation }

func (TracePropagationInterceptor) BeforeTransmit(ictx *InterceptorContext, rc *RuntimeComponents, _ *configbag.Bag) error {
	if rc.Tracer == nil {
		return nil
	}
	req, err := ictx.Request()
	if err != nil {
		return err
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	rc.Tracer.inject(ictx.Context(), req)
	return nil
}
