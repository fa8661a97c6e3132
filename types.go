package orkestra

import (
	"strings"
	"time"

	"github.com/ambiyansyah-risyal/orkestra/configbag"
)

// Flags is the capability set of an operation.
type Flags uint16

const (
	FlagIdempotent Flags = 1 << iota
	FlagStreamingRequest
	FlagStreamingResponse
	FlagEventStream
	FlagPresignable
	// FlagRequestCompression marks operations whose request body may be
	// gzip-compressed.
	FlagRequestCompression
)

// Has reports whether every flag in f2 is set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

func (f Flags) String() string {
	names := []string{"idempotent", "streaming-request", "streaming-response", "event-stream", "presignable", "request-compression"}
	var out []string
	for i, n := range names {
		if f&(1<<i) != 0 {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return "none"
	}
	return strings.Join(out, "|")
}

// OperationMetadata names an operation. It is stored in the config bag for
// the life of an invocation.
type OperationMetadata struct {
	Service   string
	Operation string
	Flags     Flags
}

func (m OperationMetadata) String() string { return m.Service + "." + m.Operation }

// Operation describes how to drive one API call.
type Operation struct {
	Metadata     OperationMetadata
	Serializer   RequestSerializer
	Deserializer ResponseDeserializer

	// EndpointParams builds the endpoint resolver parameters. When nil,
	// endpoint.Params is built from the configured region.
	EndpointParams func(input any, cfg *configbag.Bag) (any, error)

	// AuthSchemes lists acceptable schemes in order of preference. Empty
	// means the client's default preference.
	AuthSchemes []AuthSchemeID

	// Plugins are applied at operation scope.
	Plugins []RuntimePlugin
}

// RetryMode selects the retry strategy.
type RetryMode string

const (
	RetryModeStandard RetryMode = "standard"
	RetryModeAdaptive RetryMode = "adaptive"
)

// RetryConfig is the config bag entry for the standard retry strategy.
type RetryConfig struct {
	MaxAttempts    int
	Mode           RetryMode
	InitialBackoff time.Duration
	// ThrottlingBackoff is the base delay used after a throttling error.
	ThrottlingBackoff time.Duration
	MaxBackoff        time.Duration
	// StaticJitter makes every delay deterministic (jitter factor 1).
	StaticJitter bool
}

// DefaultRetryConfig returns three attempts with the standard backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		Mode:              RetryModeStandard,
		InitialBackoff:    time.Second,
		ThrottlingBackoff: 500 * time.Millisecond,
		MaxBackoff:        20 * time.Second,
	}
}

// TimeoutConfig is the config bag entry for operation and attempt budgets.
// Zero disables a budget.
type TimeoutConfig struct {
	Operation time.Duration
	Attempt   time.Duration
}

// StalledStreamProtectionConfig arms the throughput monitor on request and
// response bodies.
type StalledStreamProtectionConfig struct {
	Enabled           bool
	GracePeriod       time.Duration
	MinBytesPerSecond float64
	// CheckInterval and Window default to 1s and 5s.
	CheckInterval time.Duration
	Window        time.Duration
	// UploadDisabled and DownloadDisabled turn off one direction.
	UploadDisabled   bool
	DownloadDisabled bool
}

// RequestCompressionConfig controls gzip of flagged request bodies.
type RequestCompressionConfig struct {
	Disabled bool
	// MinSize is the smallest body, in bytes, that is compressed.
	MinSize int
}

// DefaultMinCompressionSize is the default RequestCompressionConfig.MinSize.
const DefaultMinCompressionSize = 10240

// Region is the config bag entry for the client region.
type Region string

// SigningName overrides the service name used in request signatures.
type SigningName string

// InvocationID is the per-invocation id stored by the invocation id
// interceptor.
type InvocationID string

// RequestID is the service request id of the most recent response.
type RequestID string

// DisabledInterceptor suppresses the named interceptor for an invocation.
// Suppression covers both the Before and After hooks.
type DisabledInterceptor struct {
	Name  string
	Cause string
}

// AuthSchemePreference overrides the scheme order for an invocation.
type AuthSchemePreference []AuthSchemeID
