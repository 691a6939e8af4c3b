package proto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
)

// Message kinds carried on the control channel.
const (
	KindRequest  = "request"
	KindResponse = "response"
	KindWSOpen   = "ws-open"
	KindWSData   = "ws-data"
	KindWSClose  = "ws-close"
)

// Message is the single tagged envelope exchanged between relay and agent.
// Which fields are meaningful depends on Kind.
type Message struct {
	Kind     string `json:"kind"`
	ID       string `json:"id,omitempty"`
	SocketID string `json:"socketId,omitempty"`
	Method   string `json:"method,omitempty"`
	Path     string `json:"path,omitempty"`
	Headers  Header `json:"headers,omitempty"`
	Status   int    `json:"status,omitempty"`
	Body     string `json:"body,omitempty"`
	Data     string `json:"data,omitempty"`
	IsBinary bool   `json:"isBinary,omitempty"`
}

// Header maps a header name to its values. On the wire a value may be a
// single string or an array of strings; it is always written as an array.
type Header map[string][]string

func (h *Header) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Header, len(raw))
	for name, v := range raw {
		var one string
		if err := json.Unmarshal(v, &one); err == nil {
			out[name] = []string{one}
			continue
		}
		var many []string
		if err := json.Unmarshal(v, &many); err != nil {
			return fmt.Errorf("header %q: %w", name, err)
		}
		out[name] = many
	}
	*h = out
	return nil
}

// FromHTTP copies an http.Header.
func FromHTTP(h http.Header) Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// HTTP returns h as a canonicalized http.Header.
func (h Header) HTTP() http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		for _, item := range v {
			out.Add(k, item)
		}
	}
	return out
}

func EncodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func DecodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// NewFrame builds a ws-data message for socketID. Binary payloads are base64 encoded.
func NewFrame(socketID string, binary bool, payload []byte) Message {
	m := Message{Kind: KindWSData, SocketID: socketID, IsBinary: binary}
	if binary {
		m.Data = base64.StdEncoding.EncodeToString(payload)
	} else {
		m.Data = string(payload)
	}
	return m
}

// Frame returns the raw payload of a ws-data message.
func (m Message) Frame() ([]byte, error) {
	if !m.IsBinary {
		return []byte(m.Data), nil
	}
	return base64.StdEncoding.DecodeString(m.Data)
}
