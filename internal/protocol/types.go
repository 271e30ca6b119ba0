package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
)

// Status is the numeric result status understood by cordova.callbackFromNative.
type Status int

const (
	StatusNoResult Status = iota
	StatusOK
	StatusClassNotFound
	StatusIllegalAccess
	StatusInstantiation
	StatusMalformedURL
	StatusIOError
	StatusInvalidAction
	StatusJSONError
	StatusError
)

var statusNames = [...]string{
	"NO_RESULT",
	"OK",
	"CLASS_NOT_FOUND_EXCEPTION",
	"ILLEGAL_ACCESS_EXCEPTION",
	"INSTANTIATION_EXCEPTION",
	"MALFORMED_URL_EXCEPTION",
	"IO_EXCEPTION",
	"INVALID_ACTION",
	"JSON_EXCEPTION",
	"ERROR",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// Success reports whether script code should invoke the success callback.
func (s Status) Success() bool {
	return s == StatusOK || s == StatusNoResult
}

// ErrorKind classifies bridge failures.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindUnrecognizedCall ErrorKind = "UNRECOGNIZED_CALL"
	KindUnknownService   ErrorKind = "UNKNOWN_SERVICE"
	KindNoSuchAction     ErrorKind = "NO_SUCH_ACTION"
	KindPluginExecution  ErrorKind = "PLUGIN_EXECUTION_ERROR"
	KindInvalidArguments ErrorKind = "INVALID_ARGUMENTS"
)

// Status returns the wire status used to deliver an error of this kind.
func (k ErrorKind) Status() Status {
	switch k {
	case KindUnknownService:
		return StatusClassNotFound
	case KindNoSuchAction:
		return StatusInvalidAction
	case KindInvalidArguments:
		return StatusJSONError
	case KindNone:
		return StatusOK
	default:
		return StatusError
	}
}

// PayloadKind is the shape of a result's message.
type PayloadKind int

const (
	PayloadNone PayloadKind = iota
	PayloadString
	PayloadNumber
	PayloadBoolean
	PayloadBinary
	PayloadStructured
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadString:
		return "string"
	case PayloadNumber:
		return "number"
	case PayloadBoolean:
		return "boolean"
	case PayloadBinary:
		return "binary"
	case PayloadStructured:
		return "structured"
	default:
		return "none"
	}
}

// Result is the outcome of one native call. It is immutable once built and
// may be shared between the producing plugin and the message queue.
type Result struct {
	status       Status
	kind         ErrorKind
	payloadKind  PayloadKind
	message      string // JSON text; base64 JSON string for binary
	keepCallback bool
}

// NoResult builds a NO_RESULT result. Combined with KeepCallback it keeps the
// script callback registered without delivering anything.
func NoResult() *Result {
	return &Result{status: StatusNoResult}
}

// OK builds a successful result carrying v.
func OK(v any) *Result {
	return New(StatusOK, v)
}

// New builds a result with an explicit status. v may be nil, a string, a bool,
// any numeric type, a []byte (delivered as an ArrayBuffer), a json.RawMessage
// or any JSON-marshalable value. An unmarshalable v is a plugin fault and
// yields a PLUGIN_EXECUTION_ERROR result instead.
func New(status Status, v any) *Result {
	r := &Result{status: status}
	if err := r.setPayload(v); err != nil {
		return Failure(KindPluginExecution, fmt.Sprintf("encode result: %v", err))
	}
	return r
}

// Failure builds an error result of the given kind with a string message.
func Failure(kind ErrorKind, msg string) *Result {
	r := &Result{status: kind.Status(), kind: kind}
	_ = r.setPayload(msg)
	return r
}

// KeepCallback returns a copy of r flagged to keep the script callback alive.
func (r *Result) KeepCallback() *Result {
	cp := *r
	cp.keepCallback = true
	return &cp
}

// Status returns the wire status.
func (r *Result) Status() Status { return r.status }

// Kind returns the error kind, or KindNone for successful results.
func (r *Result) Kind() ErrorKind {
	if r.kind != KindNone {
		return r.kind
	}
	switch r.status {
	case StatusOK, StatusNoResult:
		return KindNone
	case StatusClassNotFound:
		return KindUnknownService
	case StatusInvalidAction:
		return KindNoSuchAction
	case StatusJSONError:
		return KindInvalidArguments
	default:
		return KindPluginExecution
	}
}

// KeepsCallback reports whether more results may follow for the same callback.
func (r *Result) KeepsCallback() bool { return r.keepCallback }

// PayloadKind returns the payload shape.
func (r *Result) PayloadKind() PayloadKind { return r.payloadKind }

// Message returns the JSON text of the payload ("" for no payload). Binary
// payloads are returned as a JSON base64 string.
func (r *Result) Message() string { return r.message }

// Bytes decodes a binary payload.
func (r *Result) Bytes() ([]byte, error) {
	if r.payloadKind != PayloadBinary {
		return nil, fmt.Errorf("payload is %s, not binary", r.payloadKind)
	}
	var s string
	if err := json.Unmarshal([]byte(r.message), &s); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(s)
}

func (r *Result) setPayload(v any) error {
	switch x := v.(type) {
	case nil:
		r.payloadKind = PayloadNone
		return nil
	case []byte:
		r.payloadKind = PayloadBinary
		r.message = jsonString(base64.StdEncoding.EncodeToString(x))
		return nil
	case json.RawMessage:
		if !json.Valid(x) {
			return fmt.Errorf("invalid raw JSON payload")
		}
		r.payloadKind = PayloadStructured
		r.message = string(x)
		return nil
	case string:
		r.payloadKind = PayloadString
		r.message = jsonString(x)
		return nil
	case bool:
		r.payloadKind = PayloadBoolean
	default:
		switch reflect.ValueOf(v).Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			r.payloadKind = PayloadNumber
		default:
			r.payloadKind = PayloadStructured
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		r.payloadKind = PayloadNone
		return err
	}
	r.message = string(b)
	return nil
}

// Request is one call arriving over the script bridge.
type Request struct {
	Service    string `json:"service"`
	Action     string `json:"action"`
	CallbackID string `json:"callback_id"`
	RawArgs    string `json:"raw_args"`
}
