package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// BatchResult is the per-channel outcome of a device batch, [[accepted],[rejected]] on the wire.
type BatchResult struct {
	Accepted []int
	Rejected []int
}

func (b BatchResult) MarshalJSON() ([]byte, error) {
	return json.Marshal([2][]int{nonNil(b.Accepted), nonNil(b.Rejected)})
}

func (b *BatchResult) UnmarshalJSON(data []byte) error {
	var pair [][]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("envelope: batch result needs 2 lists, got %d", len(pair))
	}
	b.Accepted = nonNil(pair[0])
	b.Rejected = nonNil(pair[1])
	return nil
}

func nonNil(in []int) []int {
	if in == nil {
		return []int{}
	}
	return in
}

// RegisterValue is a register read, ["0x%08x", value] on the wire.
type RegisterValue struct {
	Hex   string
	Value uint32
}

func NewRegisterValue(v uint32) RegisterValue {
	return RegisterValue{Hex: fmt.Sprintf("0x%08x", v), Value: v}
}

func (r RegisterValue) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.Hex, r.Value})
}

func (r *RegisterValue) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("envelope: register value needs 2 items, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &r.Hex); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &r.Value)
}

// NewBatchResponse builds a batch reply; a BatchResult always marshals.
func NewBatchResponse(tag string, result BatchResult) ResponseEnvelope {
	raw, _ := result.MarshalJSON()
	return ResponseEnvelope{Response: tag, Result: raw}
}

// NewTextResponse builds a reply whose result is a JSON string.
func NewTextResponse(tag string, text string) ResponseEnvelope {
	raw, _ := marshalCompact(text)
	return ResponseEnvelope{Response: tag, Result: raw}
}

// NewRegisterResponse builds an rc_read reply; nil encodes as null.
func NewRegisterResponse(value *RegisterValue) ResponseEnvelope {
	if value == nil {
		return ResponseEnvelope{Response: TagRCRead, Result: Value("null")}
	}
	raw, _ := value.MarshalJSON()
	return ResponseEnvelope{Response: TagRCRead, Result: raw}
}

// IsNull reports whether the result is JSON null.
func (r ResponseEnvelope) IsNull() bool {
	return bytes.Equal(r.resultOrNull(), []byte("null"))
}

func (r ResponseEnvelope) Batch() (BatchResult, error) {
	var out BatchResult
	if err := json.Unmarshal(r.resultOrNull(), &out); err != nil {
		return BatchResult{}, err
	}
	return out, nil
}

// Register decodes an rc_read result; a null result returns nil.
func (r ResponseEnvelope) Register() (*RegisterValue, error) {
	if r.IsNull() {
		return nil, nil
	}
	var out RegisterValue
	if err := json.Unmarshal(r.resultOrNull(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r ResponseEnvelope) Text() (string, error) {
	var s string
	if err := json.Unmarshal(r.resultOrNull(), &s); err != nil {
		return "", err
	}
	return s, nil
}
