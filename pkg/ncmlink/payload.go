package ncmlink

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/elliotchance/orderedmap/v3"
	"github.com/tidwall/gjson"
)

// ErrNotObject is returned when a payload is built from anything but a JSON object.
var ErrNotObject = errors.New("payload is not a JSON object")

// Payload is a JSON object whose top-level keys keep document order.
type Payload struct {
	fields *orderedmap.OrderedMap[string, gjson.Result]
}

// NewPayload returns an empty payload.
func NewPayload() *Payload {
	return &Payload{fields: orderedmap.NewOrderedMap[string, gjson.Result]()}
}

// ParsePayload reads a JSON object. Duplicate keys keep their first position and last value.
func ParsePayload(raw []byte) (*Payload, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return PayloadFromResult(gjson.ParseBytes(raw))
}

// PayloadFromResult converts an already parsed object.
func PayloadFromResult(result gjson.Result) (*Payload, error) {
	if !result.IsObject() {
		return nil, ErrNotObject
	}

	payload := NewPayload()
	result.ForEach(func(key, value gjson.Result) bool {
		payload.fields.Set(key.String(), value)
		return true
	})
	return payload, nil
}

// Get returns the value stored under key.
func (p *Payload) Get(key string) (gjson.Result, bool) {
	return p.fields.Get(key)
}

// Set stores value under key. New keys are appended; existing keys keep their position.
func (p *Payload) Set(key string, value gjson.Result) {
	p.fields.Set(key, value)
}

// Len returns the number of top-level keys.
func (p *Payload) Len() int {
	return p.fields.Len()
}

// Keys returns the top-level keys in order.
func (p *Payload) Keys() []string {
	keys := make([]string, 0, p.fields.Len())
	for el := p.fields.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Key)
	}
	return keys
}

// Merge copies every key of other into p. On collision the value from other wins.
func (p *Payload) Merge(other *Payload) {
	if other == nil {
		return
	}
	for el := other.fields.Front(); el != nil; el = el.Next() {
		p.fields.Set(el.Key, el.Value)
	}
}

// MarshalJSON writes the object with keys in order and values verbatim.
func (p *Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for el := p.fields.Front(); el != nil; el = el.Next() {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(el.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if el.Value.Raw == "" {
			buf.WriteString("null")
		} else {
			buf.WriteString(el.Value.Raw)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
