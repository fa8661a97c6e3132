// Package restjson is a REST-JSON protocol for orkestra operations.
//
// Inputs and outputs are plain structs. Fields tagged `http:"label=name"`,
// `http:"query=name"` or `http:"header=Name"` are bound to the URL path,
// query string or headers. A field tagged `http:"payload"` carries the whole
// body: a []byte, a string, or a body.Body for streaming. A field tagged
// `http:"status"` on an output receives the status code. Every other
// exported field is encoded into a JSON document with encoding/json.
package restjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/ambiyansyah-risyal/orkestra"
	"github.com/ambiyansyah-risyal/orkestra/body"
	"github.com/ambiyansyah-risyal/orkestra/configbag"
)

// ContentType is sent with JSON request bodies.
const ContentType = "application/json"

// Route binds an operation to an HTTP method and path template such as
// "/tables/{table}/items/{id}".
type Route struct {
	Method string
	Path   string
}

// NewOperation returns an operation whose output is *O.
func NewOperation[O any](md orkestra.OperationMetadata, route Route) *orkestra.Operation {
	if isStreamType(reflect.TypeOf((*O)(nil)).Elem()) {
		md.Flags |= orkestra.FlagStreamingResponse
	}
	return &orkestra.Operation{
		Metadata:     md,
		Serializer:   Serializer{Route: route},
		Deserializer: Deserializer[O]{},
	}
}

var bodyType = reflect.TypeOf((*body.Body)(nil)).Elem()

type binding struct {
	kind string // label, query, header, payload, status
	name string
}

func parseTag(f reflect.StructField) (binding, bool) {
	tag, ok := f.Tag.Lookup("http")
	if !ok {
		return binding{}, false
	}
	kind, name, _ := strings.Cut(tag, "=")
	return binding{kind: kind, name: name}, true
}

func payloadField(t reflect.Type) (int, bool) {
	if t.Kind() != reflect.Struct {
		return 0, false
	}
	for i := 0; i < t.NumField(); i++ {
		if b, ok := parseTag(t.Field(i)); ok && b.kind == "payload" {
			return i, true
		}
	}
	return 0, false
}

func isBytes(t reflect.Type) bool {
	return t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8
}

func isStreamType(t reflect.Type) bool {
	i, ok := payloadField(t)
	return ok && t.Field(i).Type == bodyType
}

// Serializer writes a struct input into a request.
type Serializer struct {
	Route Route
}

// SerializeInput implements orkestra.RequestSerializer.
func (s Serializer) SerializeInput(input any, req *orkestra.HTTPRequest, _ *configbag.Bag) error {
	req.Method = s.Route.Method
	if req.Method == "" {
		req.Method = http.MethodPost
	}

	v := reflect.ValueOf(input)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return fmt.Errorf("restjson: nil input")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("restjson: input is %T, want a struct", input)
	}
	t := v.Type()

	path := s.Route.Path
	query := url.Values{}
	doc := map[string]any{}
	hasPayload := false

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		fv := v.Field(i)
		b, tagged := parseTag(f)
		if !tagged {
			if jsonName(f) == "-" {
				continue
			}
			if fv.IsZero() && strings.Contains(f.Tag.Get("json"), "omitempty") {
				continue
			}
			doc[jsonName(f)] = fv.Interface()
			continue
		}

		switch b.kind {
		case "label":
			s, ok := scalar(fv)
			if !ok || s == "" {
				return fmt.Errorf("restjson: label %q is empty", b.name)
			}
			path = strings.ReplaceAll(path, "{"+b.name+"}", url.PathEscape(s))
		case "query":
			if s, ok := scalar(fv); ok {
				query.Set(b.name, s)
			}
		case "header":
			if s, ok := scalar(fv); ok {
				req.Header.Set(b.name, s)
			}
		case "payload":
			hasPayload = true
			switch {
			case f.Type == bodyType:
				if !fv.IsNil() {
					req.Body = fv.Interface().(body.Body)
				}
			case isBytes(f.Type):
				req.Body = body.FromBytes(fv.Bytes())
			case f.Type.Kind() == reflect.String:
				req.Body = body.FromString(fv.String())
			default:
				return fmt.Errorf("restjson: payload field %s has unsupported type %s", f.Name, f.Type)
			}
			if req.Header.Get("Content-Type") == "" {
				req.Header.Set("Content-Type", "application/octet-stream")
			}
		default:
			return fmt.Errorf("restjson: unknown binding %q on field %s", b.kind, f.Name)
		}
	}
	if strings.Contains(path, "{") {
		return fmt.Errorf("restjson: unbound label in path %q", path)
	}

	p, rawQuery, _ := strings.Cut(path, "?")
	unescaped, err := url.PathUnescape(p)
	if err != nil {
		return fmt.Errorf("restjson: path %q: %w", p, err)
	}
	req.URL.Path = unescaped
	req.URL.RawPath = ""
	if unescaped != p {
		req.URL.RawPath = p
	}
	if rawQuery != "" {
		fixed, err := url.ParseQuery(rawQuery)
		if err != nil {
			return fmt.Errorf("restjson: path %q: %w", path, err)
		}
		for k, vs := range fixed {
			for _, v := range vs {
				query.Add(k, v)
			}
		}
	}
	req.URL.RawQuery = query.Encode()

	if !hasPayload && len(doc) > 0 {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("restjson: encode input: %w", err)
		}
		req.Body = body.FromBytes(data)
		req.Header.Set("Content-Type", ContentType)
	}
	return nil
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" {
		return f.Name
	}
	return name
}

func scalar(v reflect.Value) (string, bool) {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return "", false
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.String:
		return v.String(), true
	case reflect.Bool:
		return strconv.FormatBool(v.Bool()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(v.Uint(), 10), true
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'f', -1, 64), true
	}
	return "", false
}

func setScalar(v reflect.Value, s string) error {
	if v.Kind() == reflect.Pointer {
		v.Set(reflect.New(v.Type().Elem()))
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		v.SetFloat(f)
	default:
		return fmt.Errorf("unsupported type %s", v.Type())
	}
	return nil
}

// Deserializer reads a response into *O, or into a *orkestra.GenericServiceError
// for non-2xx statuses.
type Deserializer[O any] struct{}

// ParseUnloaded hands the body to outputs with a body.Body payload field.
func (Deserializer[O]) ParseUnloaded(resp *orkestra.HTTPResponse) (any, bool, error) {
	t := reflect.TypeOf((*O)(nil)).Elem()
	if !isStreamType(t) || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, nil
	}
	out := new(O)
	v := reflect.ValueOf(out).Elem()
	if err := bindResponse(v, resp); err != nil {
		return nil, true, err
	}
	i, _ := payloadField(t)
	v.Field(i).Set(reflect.ValueOf(resp.Body))
	return out, true, nil
}

// ParseLoaded implements orkestra.ResponseDeserializer.
func (Deserializer[O]) ParseLoaded(resp *orkestra.HTTPResponse) (any, error) {
	data, _ := body.InMemory(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ParseError(resp.StatusCode, resp.Header, data)
	}

	out := new(O)
	v := reflect.ValueOf(out).Elem()
	if v.Kind() != reflect.Struct {
		if len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return nil, fmt.Errorf("restjson: decode output: %w", err)
			}
		}
		return out, nil
	}

	if i, ok := payloadField(v.Type()); ok {
		switch ft := v.Field(i).Type(); {
		case isBytes(ft):
			v.Field(i).SetBytes(append([]byte(nil), data...))
		case ft.Kind() == reflect.String:
			v.Field(i).SetString(string(data))
		case ft == bodyType:
			v.Field(i).Set(reflect.ValueOf(body.FromBytes(data)))
		}
	} else if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("restjson: decode output: %w", err)
		}
	}
	if err := bindResponse(v, resp); err != nil {
		return nil, err
	}
	return out, nil
}

func bindResponse(v reflect.Value, resp *orkestra.HTTPResponse) error {
	if v.Kind() != reflect.Struct {
		return nil
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		b, ok := parseTag(t.Field(i))
		if !ok {
			continue
		}
		switch b.kind {
		case "header":
			h := resp.Header.Get(b.name)
			if h == "" {
				continue
			}
			if err := setScalar(v.Field(i), h); err != nil {
				return fmt.Errorf("restjson: header %s: %w", b.name, err)
			}
		case "status":
			if err := setScalar(v.Field(i), strconv.Itoa(resp.StatusCode)); err != nil {
				return fmt.Errorf("restjson: status: %w", err)
			}
		}
	}
	return nil
}

// throttlingCodes are error codes that mean the caller is sending too fast.
var throttlingCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"TransactionInProgressException":         true,
	"RequestLimitExceeded":                   true,
	"BandwidthLimitExceeded":                 true,
	"LimitExceededException":                 true,
	"RequestThrottled":                       true,
	"SlowDown":                               true,
	"PriorRequestNotComplete":                true,
	"EC2ThrottledException":                  true,
}

// transientCodes are error codes worth retrying regardless of status.
var transientCodes = map[string]bool{
	"RequestTimeout":          true,
	"RequestTimeoutException": true,
	"InternalError":           true,
}

// ParseError builds the modeled error for a failed response. The code comes
// from the X-Amzn-Errortype header, or the body's "__type" or "code" member,
// and is trimmed of any namespace prefix and ":" suffix.
func ParseError(status int, header http.Header, data []byte) error {
	var doc struct {
		Type       string `json:"__type"`
		Code       string `json:"code"`
		Message    string `json:"message"`
		MessageCap string `json:"Message"`
	}
	_ = json.Unmarshal(data, &doc)

	code := header.Get("X-Amzn-Errortype")
	if code == "" {
		code = doc.Type
	}
	if code == "" {
		code = doc.Code
	}
	code = sanitizeCode(code)
	if code == "" {
		code = http.StatusText(status)
		if code == "" {
			code = "UnknownError"
		}
	}
	msg := doc.Message
	if msg == "" {
		msg = doc.MessageCap
	}
	return &orkestra.GenericServiceError{
		Code:           code,
		Message:        msg,
		StatusCode:     status,
		RetryableTrait: transientCodes[code],
		Throttling:     throttlingCodes[code],
	}
}

func sanitizeCode(code string) string {
	code, _, _ = strings.Cut(code, ":")
	if i := strings.LastIndex(code, "#"); i >= 0 {
		code = code[i+1:]
	}
	return strings.TrimSpace(code)
}
