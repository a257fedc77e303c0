package transmitter

import (
	"encoding/json"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Kind tells requests, their responses and fire-and-forget events apart.
type Kind string

// Message kinds.
const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// Message is the envelope of everything exchanged over a transport.
//
// IDs are allocated by the sender of a request; a response carries the id of
// the request it answers, on the lane the request travelled.
type Message struct {
	ID        int64               `json:"id,omitempty"`
	Kind      Kind                `json:"kind"`
	Event     string              `json:"event,omitempty"`
	TestRunID string              `json:"testRunId,omitempty"`
	Payload   easyjson.RawMessage `json:"payload,omitempty"`
	Error     *RemoteError        `json:"error,omitempty"`

	// Lane is set on received messages only.
	Lane Lane `json:"-"`
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (m *Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// RemoteError is an error raised by a handler on the other side of the
// transport. It is returned to the caller as is.
type RemoteError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *RemoteError) Error() string {
	return e.Message
}

// StackTrace returns the remote stack trace, if any.
func (e *RemoteError) StackTrace() string {
	return e.Stack
}

// MarshalEasyJSON supports easyjson.Marshaler interface.
func (m Message) MarshalEasyJSON(w *jwriter.Writer) {
	encodeMessage(w, m)
}

// MarshalJSON supports json.Marshaler interface.
func (m Message) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	encodeMessage(&w, m)
	return w.Buffer.BuildBytes(), w.Error
}

// UnmarshalEasyJSON supports easyjson.Unmarshaler interface.
func (m *Message) UnmarshalEasyJSON(l *jlexer.Lexer) {
	decodeMessage(l, m)
}

// UnmarshalJSON supports json.Unmarshaler interface.
func (m *Message) UnmarshalJSON(data []byte) error {
	r := jlexer.Lexer{Data: data}
	decodeMessage(&r, m)
	return r.Error()
}

func encodeMessage(out *jwriter.Writer, in Message) {
	out.RawByte('{')
	first := true
	if in.ID != 0 {
		const prefix string = ",\"id\":"
		first = false
		out.RawString(prefix[1:])
		out.Int64(in.ID)
	}
	{
		const prefix string = ",\"kind\":"
		if first {
			first = false
			out.RawString(prefix[1:])
		} else {
			out.RawString(prefix)
		}
		out.String(string(in.Kind))
	}
	if in.Event != "" {
		const prefix string = ",\"event\":"
		out.RawString(prefix)
		out.String(in.Event)
	}
	if in.TestRunID != "" {
		const prefix string = ",\"testRunId\":"
		out.RawString(prefix)
		out.String(in.TestRunID)
	}
	if len(in.Payload) != 0 {
		const prefix string = ",\"payload\":"
		out.RawString(prefix)
		out.Raw(in.Payload, nil)
	}
	if in.Error != nil {
		const prefix string = ",\"error\":"
		out.RawString(prefix)
		encodeRemoteError(out, *in.Error)
	}
	out.RawByte('}')
}

func decodeMessage(in *jlexer.Lexer, out *Message) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		// a null payload is a result of its own
		if key == "payload" {
			out.Payload = append(easyjson.RawMessage(nil), in.Raw()...)
			in.WantComma()
			continue
		}
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "id":
			out.ID = in.Int64()
		case "kind":
			out.Kind = Kind(in.String())
		case "event":
			out.Event = in.String()
		case "testRunId":
			out.TestRunID = in.String()
		case "error":
			if out.Error == nil {
				out.Error = new(RemoteError)
			}
			decodeRemoteError(in, out.Error)
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}

func encodeRemoteError(out *jwriter.Writer, in RemoteError) {
	out.RawByte('{')
	{
		const prefix string = ",\"message\":"
		out.RawString(prefix[1:])
		out.String(in.Message)
	}
	if in.Stack != "" {
		const prefix string = ",\"stack\":"
		out.RawString(prefix)
		out.String(in.Stack)
	}
	out.RawByte('}')
}

func decodeRemoteError(in *jlexer.Lexer, out *RemoteError) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "message":
			out.Message = in.String()
		case "stack":
			out.Stack = in.String()
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}
