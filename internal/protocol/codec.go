package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// RenderCallback renders the statement that delivers r to the script callback
// registered under callbackID. It returns "" when nothing needs delivering,
// which is the case for a NO_RESULT keep-alive.
func RenderCallback(r *Result, callbackID string) string {
	if r.Status() == StatusNoResult && r.KeepsCallback() {
		return ""
	}

	var b strings.Builder
	b.WriteString("cordova.callbackFromNative(")
	b.WriteString(jsonString(callbackID))
	b.WriteByte(',')
	b.WriteString(strconv.FormatBool(r.Status().Success()))
	b.WriteByte(',')
	b.WriteString(strconv.Itoa(int(r.Status())))
	b.WriteString(",[")
	b.WriteString(messageExpr(r))
	b.WriteString("],")
	b.WriteString(strconv.FormatBool(r.KeepsCallback()))
	b.WriteString(");")
	return b.String()
}

// FireDocumentEvent renders a cordova.fireDocumentEvent statement.
func FireDocumentEvent(name string) string {
	return fmt.Sprintf("cordova.fireDocumentEvent(%s);", jsonString(name))
}

func messageExpr(r *Result) string {
	switch r.PayloadKind() {
	case PayloadNone:
		return ""
	case PayloadBinary:
		return "cordova.require('cordova/base64').toArrayBuffer(" + r.Message() + ")"
	default:
		return r.Message()
	}
}

// jsonString returns a JSON-encoded string literal for safe JS embedding.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// JSONString is the exported form of jsonString for hosts building scripts.
func JSONString(s string) string {
	return jsonString(s)
}

// Args is a read-only view over the JSON argument array of one bridge call.
type Args struct {
	raw    string
	values []gjson.Result
}

// DecodeArgs parses the rawArgs string of a bridge call. An empty string is an
// empty argument list; anything else must be a JSON array.
func DecodeArgs(raw string) (Args, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Args{raw: "[]"}, nil
	}
	if !gjson.Valid(trimmed) {
		return Args{}, fmt.Errorf("arguments are not valid JSON")
	}
	parsed := gjson.Parse(trimmed)
	if !parsed.IsArray() {
		return Args{}, fmt.Errorf("arguments must be a JSON array, got %s", parsed.Type)
	}
	return Args{raw: trimmed, values: parsed.Array()}, nil
}

// MustArgs builds Args from Go values. It panics on marshal failure and is meant
// for tests and internal callers.
func MustArgs(values ...any) Args {
	b, err := json.Marshal(values)
	if err != nil {
		panic(err)
	}
	a, err := DecodeArgs(string(b))
	if err != nil {
		panic(err)
	}
	return a
}

// Len returns the number of arguments.
func (a Args) Len() int { return len(a.values) }

// Raw returns the original JSON array text.
func (a Args) Raw() string { return a.raw }

// Has reports whether index i exists and is not null.
func (a Args) Has(i int) bool {
	return i >= 0 && i < len(a.values) && a.values[i].Type != gjson.Null
}

// Get returns the raw gjson value at i (the zero Result when out of range).
func (a Args) Get(i int) gjson.Result {
	if i < 0 || i >= len(a.values) {
		return gjson.Result{}
	}
	return a.values[i]
}

// String returns argument i as a string.
func (a Args) String(i int) (string, error) {
	v, err := a.typed(i, gjson.String)
	if err != nil {
		return "", err
	}
	return v.Str, nil
}

// OptString returns argument i as a string, or def when absent or null.
func (a Args) OptString(i int, def string) string {
	if !a.Has(i) {
		return def
	}
	return a.values[i].String()
}

// Int returns argument i as an integer.
func (a Args) Int(i int) (int64, error) {
	v, err := a.typed(i, gjson.Number)
	if err != nil {
		return 0, err
	}
	return v.Int(), nil
}

// OptInt returns argument i as an integer, or def when absent or null.
func (a Args) OptInt(i int, def int64) int64 {
	if !a.Has(i) {
		return def
	}
	return a.values[i].Int()
}

// Float returns argument i as a float.
func (a Args) Float(i int) (float64, error) {
	v, err := a.typed(i, gjson.Number)
	if err != nil {
		return 0, err
	}
	return v.Float(), nil
}

// Bool returns argument i as a boolean.
func (a Args) Bool(i int) (bool, error) {
	if i < 0 || i >= len(a.values) {
		return false, fmt.Errorf("argument %d: missing", i)
	}
	v := a.values[i]
	if v.Type != gjson.True && v.Type != gjson.False {
		return false, fmt.Errorf("argument %d: expected boolean, got %s", i, v.Type)
	}
	return v.Bool(), nil
}

// JSON returns argument i as raw JSON.
func (a Args) JSON(i int) (json.RawMessage, error) {
	if i < 0 || i >= len(a.values) {
		return nil, fmt.Errorf("argument %d: missing", i)
	}
	return json.RawMessage(a.values[i].Raw), nil
}

// Decode unmarshals argument i into dst.
func (a Args) Decode(i int, dst any) error {
	raw, err := a.JSON(i)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}

// Bytes returns argument i as binary. Script code sends ArrayBuffers as
// {"CDVType":"ArrayBuffer","data":"<base64>"}; plain strings are taken as base64.
func (a Args) Bytes(i int) ([]byte, error) {
	if i < 0 || i >= len(a.values) {
		return nil, fmt.Errorf("argument %d: missing", i)
	}
	v := a.values[i]
	data := v.Str
	if v.IsObject() {
		if t := v.Get("CDVType").String(); t != "ArrayBuffer" {
			return nil, fmt.Errorf("argument %d: unsupported CDVType %q", i, t)
		}
		data = v.Get("data").String()
	} else if v.Type != gjson.String {
		return nil, fmt.Errorf("argument %d: expected ArrayBuffer, got %s", i, v.Type)
	}
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("argument %d: %w", i, err)
	}
	return b, nil
}

func (a Args) typed(i int, want gjson.Type) (gjson.Result, error) {
	if i < 0 || i >= len(a.values) {
		return gjson.Result{}, fmt.Errorf("argument %d: missing", i)
	}
	v := a.values[i]
	if v.Type != want {
		return gjson.Result{}, fmt.Errorf("argument %d: expected %s, got %s", i, want, v.Type)
	}
	return v, nil
}
