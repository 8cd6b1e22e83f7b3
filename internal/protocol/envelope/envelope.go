package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

const (
	keyType     = "type"
	keyCommand  = "command"
	keyResponse = "response"
	keyResult   = "result"
)

// Value is one field value kept as its raw JSON text.
type Value = json.RawMessage

// CommandEnvelope is a console-to-agent request. Fields exclude type and command.
type CommandEnvelope struct {
	Type    string
	Command string
	fields  map[string]Value
}

// NewCommandEnvelope copies fields in compact form; later changes to the caller's map
// are not observed.
func NewCommandEnvelope(typ string, command string, fields map[string]Value) (CommandEnvelope, error) {
	out := CommandEnvelope{Type: typ, Command: command, fields: make(map[string]Value, len(fields))}
	for name, v := range fields {
		if name == keyType || name == keyCommand {
			return CommandEnvelope{}, fmt.Errorf("%w: %q", ErrReservedField, name)
		}
		compact, err := compactValue(v)
		if err != nil {
			return CommandEnvelope{}, fmt.Errorf("envelope: field %q: %w", name, err)
		}
		out.fields[name] = compact
	}
	return out, nil
}

// Field returns a copy of the named field value.
func (e CommandEnvelope) Field(name string) (Value, bool) {
	v, ok := e.fields[name]
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// Fields returns a copy of all field values.
func (e CommandEnvelope) Fields() map[string]Value {
	out := make(map[string]Value, len(e.fields))
	for name, v := range e.fields {
		out[name] = cloneValue(v)
	}
	return out
}

// FieldNames returns the field names in sorted order.
func (e CommandEnvelope) FieldNames() []string {
	names := make([]string, 0, len(e.fields))
	for name := range e.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Equal compares type, command and every field value byte for byte.
func (e CommandEnvelope) Equal(other CommandEnvelope) bool {
	if e.Type != other.Type || e.Command != other.Command || len(e.fields) != len(other.fields) {
		return false
	}
	for name, v := range e.fields {
		ov, ok := other.fields[name]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

// EncodeCommand renders the envelope as one flat JSON object.
func EncodeCommand(e CommandEnvelope) ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(e.fields)+2)
	for name, v := range e.fields {
		if name == keyType || name == keyCommand {
			return nil, fmt.Errorf("%w: %q", ErrReservedField, name)
		}
		if len(v) == 0 {
			v = Value("null")
		}
		obj[name] = v
	}
	var err error
	if obj[keyType], err = json.Marshal(e.Type); err != nil {
		return nil, err
	}
	if obj[keyCommand], err = json.Marshal(e.Command); err != nil {
		return nil, err
	}
	return marshalCompact(obj)
}

// DecodeCommand parses a flat JSON command object.
func DecodeCommand(data []byte) (CommandEnvelope, error) {
	obj, err := decodeObject(data)
	if err != nil {
		return CommandEnvelope{}, err
	}
	typ, ok := stringMember(obj, keyType)
	if !ok {
		return CommandEnvelope{}, decodeErr(KindMissingType, "type must be a non-empty string")
	}
	command, ok := stringMember(obj, keyCommand)
	if !ok {
		return CommandEnvelope{}, decodeErr(KindMissingCommand, "command must be a non-empty string")
	}
	delete(obj, keyType)
	delete(obj, keyCommand)
	for name, v := range obj {
		compact, err := compactValue(v)
		if err != nil {
			return CommandEnvelope{}, &DecodeError{Kind: KindMalformed, Err: err}
		}
		obj[name] = compact
	}
	return CommandEnvelope{Type: typ, Command: command, fields: obj}, nil
}

// ResponseEnvelope is an agent-to-console reply. Result holds raw JSON; nil means null.
type ResponseEnvelope struct {
	Response string
	Result   Value
}

// NewResponse marshals result under the response tag.
func NewResponse(tag string, result any) (ResponseEnvelope, error) {
	raw, err := marshalCompact(result)
	if err != nil {
		return ResponseEnvelope{}, err
	}
	return ResponseEnvelope{Response: tag, Result: raw}, nil
}

func (r ResponseEnvelope) Equal(other ResponseEnvelope) bool {
	return r.Response == other.Response && bytes.Equal(r.resultOrNull(), other.resultOrNull())
}

func (r ResponseEnvelope) resultOrNull() Value {
	if len(r.Result) == 0 {
		return Value("null")
	}
	return r.Result
}

// EncodeResponse renders {"response": tag, "result": value}.
func EncodeResponse(r ResponseEnvelope) ([]byte, error) {
	tag, err := json.Marshal(r.Response)
	if err != nil {
		return nil, err
	}
	return marshalCompact(map[string]json.RawMessage{
		keyResponse: tag,
		keyResult:   r.resultOrNull(),
	})
}

// DecodeResponse parses a response object. A missing result decodes as null.
func DecodeResponse(data []byte) (ResponseEnvelope, error) {
	obj, err := decodeObject(data)
	if err != nil {
		return ResponseEnvelope{}, err
	}
	tag, ok := stringMember(obj, keyResponse)
	if !ok {
		return ResponseEnvelope{}, decodeErr(KindMissingResponse, "response must be a non-empty string")
	}
	result, err := compactValue(obj[keyResult])
	if err != nil {
		return ResponseEnvelope{}, &DecodeError{Kind: KindMalformed, Err: err}
	}
	return ResponseEnvelope{Response: tag, Result: result}, nil
}

func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, decodeErr(KindMalformed, "payload is not a json object")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, &DecodeError{Kind: KindMalformed, Err: err}
	}
	return obj, nil
}

func stringMember(obj map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := obj[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func compactValue(v Value) (Value, error) {
	if len(v) == 0 {
		return Value("null"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return nil, err
	}
	return Value(buf.Bytes()), nil
}

func cloneValue(v Value) Value {
	if v == nil {
		return nil
	}
	out := make(Value, len(v))
	copy(out, v)
	return out
}
