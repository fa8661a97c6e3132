package orkestra

import (
	"github.com/ambiyansyah-risyal/orkestra/configbag"
)

// RequestSerializer writes an input value into a pre-built request. It must
// not perform I/O; the endpoint and signature are applied later.
type RequestSerializer interface {
	SerializeInput(input any, req *HTTPRequest, cfg *configbag.Bag) error
}

// SerializerFunc adapts a function to RequestSerializer.
type SerializerFunc func(input any, req *HTTPRequest, cfg *configbag.Bag) error

// SerializeInput implements RequestSerializer.
func (f SerializerFunc) SerializeInput(input any, req *HTTPRequest, cfg *configbag.Bag) error {
	return f(input, req, cfg)
}

// ResponseDeserializer turns a response into an output or a modeled error.
//
// ParseUnloaded is called first with the body still streaming. Operations
// that hand the body to the caller return handled=true. Otherwise the body is
// buffered and ParseLoaded is called with an in-memory body.
type ResponseDeserializer interface {
	ParseUnloaded(resp *HTTPResponse) (out any, handled bool, err error)
	ParseLoaded(resp *HTTPResponse) (any, error)
}

// LoadedDeserializerFunc is a ResponseDeserializer that always buffers.
type LoadedDeserializerFunc func(resp *HTTPResponse) (any, error)

// ParseUnloaded implements ResponseDeserializer.
func (f LoadedDeserializerFunc) ParseUnloaded(*HTTPResponse) (any, bool, error) {
	return nil, false, nil
}

// ParseLoaded implements ResponseDeserializer.
func (f LoadedDeserializerFunc) ParseLoaded(resp *HTTPResponse) (any, error) { return f(resp) }
