// Package wire implements the peer wire protocol's framing and message
// codec: length-prefixed bencode dictionaries validated against a fixed
// per-message schema (spec.md §4.2).
package wire

import (
	"fmt"
)

// Message is a decoded (or about-to-be-encoded) wire message: a name and
// a field map. Fields not named in the message's schema are dropped
// silently before a decoded Message is handed to a dispatcher.
type Message struct {
	Name   string
	Fields map[string]interface{}
}

func New(name string) *Message {
	return &Message{Name: name, Fields: map[string]interface{}{}}
}

func (m *Message) WithString(key, value string) *Message {
	m.Fields[key] = value
	return m
}

func (m *Message) WithInt(key string, value int64) *Message {
	m.Fields[key] = value
	return m
}

func (m *Message) WithBytes(key string, value []byte) *Message {
	m.Fields[key] = value
	return m
}

func (m *Message) String(key string) (string, bool) {
	v, ok := m.Fields[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m *Message) Bytes(key string) ([]byte, bool) {
	v, ok := m.Fields[key]
	if !ok {
		return nil, false
	}
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	}
	return nil, false
}

// Int returns an integer field. bencode decodes all of our integer
// fields into int64, but helo's port/major/minor may arrive as any
// signed integer width depending on the decoder's choices, so this
// normalizes.
func (m *Message) Int(key string) (int64, bool) {
	v, ok := m.Fields[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	}
	return 0, false
}

func (m *Message) GoString() string {
	return fmt.Sprintf("%s%v", m.Name, m.Fields)
}
