package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Status is the outcome carried by every direct response.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Client-visible error messages.
const (
	MsgInvalidJSON        = "Invalid JSON format"
	MsgNotAuthenticated   = "Not authenticated"
	MsgInvalidCredentials = "Invalid credentials"
	MsgInvalidSession     = "Invalid session"
	MsgUsernameTaken      = "Username already exists"
	MsgInternal           = "Internal server error"
	MsgChatNotFound       = "Chat not found"
	MsgNotParticipant     = "Not a chat participant"
	MsgUserNotFound       = "User not found"
	MsgGroupNotFound      = "Group not found"
	MsgSelfDM             = "Cannot create DM with yourself"
)

// OwnerOnly builds the message returned when a non-owner attempts a
// creator-only group operation, e.g. OwnerOnly("delete the group").
func OwnerOnly(action string) string {
	return "Only group owner can " + action
}

// Response is the direct answer to one request. Body must marshal to a JSON
// object (or be nil); its fields are merged into the top level of the frame
// next to status, request_id and message.
type Response struct {
	Status Status
	// RequestID is echoed byte for byte from the request and omitted when nil.
	RequestID json.RawMessage
	Message   string
	Body      any
}

// OK returns a success response.
func OK(requestID json.RawMessage, body any) Response {
	return Response{Status: StatusOK, RequestID: requestID, Body: body}
}

// Fail returns an error response with a client-visible message.
func Fail(requestID json.RawMessage, message string) Response {
	return Response{Status: StatusError, RequestID: requestID, Message: message}
}

// MarshalJSON flattens Body into the response object.
func (r Response) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if r.Body != nil {
		raw, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal response body: %w", err)
		}
		if !bytes.Equal(raw, []byte("null")) {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, fmt.Errorf("response body is not an object: %w", err)
			}
		}
	}

	status, err := json.Marshal(r.Status)
	if err != nil {
		return nil, err
	}
	fields["status"] = status
	if len(r.RequestID) > 0 {
		fields["request_id"] = r.RequestID
	} else {
		delete(fields, "request_id")
	}
	if r.Message != "" {
		msg, err := json.Marshal(r.Message)
		if err != nil {
			return nil, err
		}
		fields["message"] = msg
	}
	return json.Marshal(fields)
}

// EventType names a push event.
type EventType string

const (
	EventMessageNew         EventType = "message:new"
	EventMessagesRead       EventType = "messages_read"
	EventGroupCreated       EventType = "group:created"
	EventGroupMemberAdded   EventType = "group:member_added"
	EventGroupMemberRemoved EventType = "group:member_removed"
	EventGroupNameUpdated   EventType = "group:name_updated"
	EventGroupDeleted       EventType = "group:deleted"
)

// Event is an unsolicited push frame. It never carries status or request_id.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// Encode serializes a frame without the trailing newline; transports add
// their own framing.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// Reply is a frame as seen by a client: either a response (Status set) or a
// push event (Type set). Raw keeps the whole frame for typed decoding.
type Reply struct {
	Type      EventType       `json:"type,omitempty"`
	Status    Status          `json:"status,omitempty"`
	RequestID json.RawMessage `json:"request_id,omitempty"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// DecodeReply parses one inbound frame on the client side.
func DecodeReply(data []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if bytes.Equal(bytes.TrimSpace(r.RequestID), []byte("null")) {
		r.RequestID = nil
	}
	r.Raw = append(json.RawMessage(nil), data...)
	return r, nil
}

// IsEvent reports whether the frame is a push event.
func (r Reply) IsEvent() bool {
	return r.Status == "" && r.Type != ""
}

// OK reports whether the frame is a successful response.
func (r Reply) OK() bool {
	return r.Status == StatusOK
}

// Decode unmarshals the whole frame into v.
func (r Reply) Decode(v any) error {
	return json.Unmarshal(r.Raw, v)
}

// DecodePayload unmarshals the payload of an event into v.
func (r Reply) DecodePayload(v any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("frame has no payload")
	}
	return json.Unmarshal(r.Payload, v)
}
