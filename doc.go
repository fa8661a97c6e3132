// Package orkestra runs API operations against HTTP services the way a
// generated SDK client does:
//
//   - A layered config bag that plugins fill at client, service, operation
//     and request scope
//   - Twelve interceptor hooks around serialization, signing, transmit and
//     deserialization
//   - Standard and adaptive retries backed by a shared token bucket
//   - Operation and attempt timeouts, with cancellation through context
//   - Cached identities, pluggable auth schemes and request signing
//   - Stalled stream protection, gzip request compression and presigning
//   - Prometheus metrics, OpenTelemetry spans and structured debug logging
//
// Typical usage:
//
//	client := orkestra.New(
//	    orkestra.WithEndpoint("https://api.example.com"),
//	    orkestra.WithRegion("eu-west-1"),
//	    orkestra.WithCredentials(akid, secret, ""),
//	    orkestra.WithMaxAttempts(5),
//	    orkestra.WithOperationTimeout(30*time.Second),
//	)
//	out, err := orkestra.InvokeAs[*GetItemOutput](ctx, client, getItemOp, &GetItemInput{ID: "42"})
//
// Every failure is an *SdkError; use IsKind or errors.As to inspect it.
// Operations are described by an Operation value; the protocol/restjson
// package builds serializers from struct tags.
package orkestra
