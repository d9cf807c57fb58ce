package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownVariant reports a message whose kind tag is not part of the
// protocol vocabulary. Unknown variants are a decode error, never a silent
// skip.
var ErrUnknownVariant = errors.New("exchange: unknown message variant")

// RequestKind discriminates the request variants on the wire.
type RequestKind string

const (
	RequestClone    RequestKind = "clone"
	RequestFetch    RequestKind = "fetch"
	RequestPush     RequestKind = "push"
	RequestLsRemote RequestKind = "ls-remote"
	RequestStatus   RequestKind = "status"
	RequestFile     RequestKind = "file"
)

// Request is one operation asked of a remote peer. Kind selects the
// variant; the remaining fields carry its arguments.
type Request struct {
	Kind RequestKind `json:"kind"`

	// Remote names the repository or remote the git-style variants act on.
	Remote string `json:"remote,omitempty"`

	// Refspecs lists the refs a fetch or push applies to. A nil slice means
	// "not given", an empty slice means "explicitly none"; both round-trip.
	Refspecs []string `json:"refspecs"`

	// ContentID identifies the content a file variant asks for.
	ContentID string `json:"content_id,omitempty"`
}

func NewCloneRequest(remote string) Request {
	return Request{Kind: RequestClone, Remote: remote}
}

func NewFetchRequest(remote string, refspecs []string) Request {
	return Request{Kind: RequestFetch, Remote: remote, Refspecs: refspecs}
}

func NewPushRequest(remote string, refspecs []string) Request {
	return Request{Kind: RequestPush, Remote: remote, Refspecs: refspecs}
}

func NewLsRemoteRequest(remote string) Request {
	return Request{Kind: RequestLsRemote, Remote: remote}
}

func NewStatusRequest(remote string) Request {
	return Request{Kind: RequestStatus, Remote: remote}
}

func NewFileRequest(contentID string) Request {
	return Request{Kind: RequestFile, ContentID: contentID}
}

// ResponseKind discriminates the response variants on the wire.
type ResponseKind string

const (
	ResponseOK     ResponseKind = "ok"
	ResponseError  ResponseKind = "error"
	ResponseRefs   ResponseKind = "refs"
	ResponseStatus ResponseKind = "status"
	ResponseData   ResponseKind = "data"
)

// RemoteRef pairs a reference name with the object id it points at.
type RemoteRef struct {
	Name string `json:"name"`
	Oid  string `json:"oid"`
}

// Response is the answer to one Request. Absence of the error variant is
// the only success signal; callers must branch on Kind.
type Response struct {
	Kind ResponseKind `json:"kind"`

	// Message carries the advisory text of an ok, the cause of an error, or
	// the text of a status.
	Message string `json:"message,omitempty"`

	// Refs is the ordered ls-remote result.
	Refs []RemoteRef `json:"refs"`

	// Data is a raw binary payload, base64-encoded inside the JSON frame.
	Data []byte `json:"data"`
}

func OKResponse(message string) Response {
	return Response{Kind: ResponseOK, Message: message}
}

func ErrorResponse(cause string) Response {
	return Response{Kind: ResponseError, Message: cause}
}

func RefsResponse(refs []RemoteRef) Response {
	return Response{Kind: ResponseRefs, Refs: refs}
}

func StatusResponse(status string) Response {
	return Response{Kind: ResponseStatus, Message: status}
}

func DataResponse(body []byte) Response {
	return Response{Kind: ResponseData, Data: body}
}

// IsError reports whether r is the error variant.
func (r Response) IsError() bool {
	return r.Kind == ResponseError
}

func validRequestKind(k RequestKind) bool {
	switch k {
	case RequestClone, RequestFetch, RequestPush, RequestLsRemote, RequestStatus, RequestFile:
		return true
	}
	return false
}

func validResponseKind(k ResponseKind) bool {
	switch k {
	case ResponseOK, ResponseError, ResponseRefs, ResponseStatus, ResponseData:
		return true
	}
	return false
}

// EncodeRequest serializes r as a tagged JSON object.
func EncodeRequest(r Request) ([]byte, error) {
	if !validRequestKind(r.Kind) {
		return nil, fmt.Errorf("%w: request kind %q", ErrUnknownVariant, r.Kind)
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("exchange: encode request: %w", err)
	}
	return raw, nil
}

// DecodeRequest is the exact inverse of EncodeRequest. Structurally invalid
// bytes and unknown kind tags are reported as malformed data.
func DecodeRequest(raw []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(raw, &r); err != nil {
		return Request{}, fmt.Errorf("exchange: decode request: %w", err)
	}
	if !validRequestKind(r.Kind) {
		return Request{}, fmt.Errorf("%w: request kind %q", ErrUnknownVariant, r.Kind)
	}
	return r, nil
}

// EncodeResponse serializes r as a tagged JSON object.
func EncodeResponse(r Response) ([]byte, error) {
	if !validResponseKind(r.Kind) {
		return nil, fmt.Errorf("%w: response kind %q", ErrUnknownVariant, r.Kind)
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("exchange: encode response: %w", err)
	}
	return raw, nil
}

// DecodeResponse is the exact inverse of EncodeResponse.
func DecodeResponse(raw []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return Response{}, fmt.Errorf("exchange: decode response: %w", err)
	}
	if !validResponseKind(r.Kind) {
		return Response{}, fmt.Errorf("%w: response kind %q", ErrUnknownVariant, r.Kind)
	}
	return r, nil
}
