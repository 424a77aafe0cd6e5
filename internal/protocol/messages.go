// Package protocol defines the WebSocket message envelope exchanged
// between the controller and a remote worker process.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/transilience/transilience/internal/action"
)

// Message is the envelope for every frame on the controller<->remote
// worker connection.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message types, controller -> remote worker.
const (
	TypeAuth          = "auth"
	TypeExecute       = "execute"        // round-trip: run one action, wait for the result
	TypeSendPipelined = "send_pipelined" // enqueue without waiting
	TypeClearFailed   = "clear_failed"
	TypeClosePipeline = "close_pipeline"
	TypeFileChunk     = "file_chunk" // controller -> worker, reply to a fetch
)

// Message types, remote worker -> controller.
const (
	TypeAuthOK     = "auth_ok"
	TypeAuthFailed = "auth_failed"
	TypeResult     = "result" // one action's envelope, fully executed
	TypeFetchFile  = "fetch_file"
	TypeError      = "error"
)

// NewMessage marshals payload and wraps it in an envelope of the given
// type.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", msgType, err)
	}
	return &Message{Type: msgType, Payload: data}, nil
}

// Decode unmarshals the message's payload into target.
func (m *Message) Decode(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// AuthPayload authenticates a new connection with a shared bearer
// token (see internal/system/remote).
type AuthPayload struct {
	Token string `json:"token"`
}

// ExecutePayload carries one action envelope to run to completion and
// return, with no pipeline gating.
type ExecutePayload struct {
	Action action.Envelope `json:"action"`
}

// SendPipelinedPayload carries one action envelope plus the pipeline
// metadata the remote worker's pipeline.Host gates execution on.
type SendPipelinedPayload struct {
	Action   action.Envelope     `json:"action"`
	Pipeline action.PipelineInfo `json:"pipeline"`
}

// ClearFailedPayload names a pipeline to reset.
type ClearFailedPayload struct {
	PipelineID string `json:"pipeline_id"`
}

// ClosePipelinePayload names a pipeline to discard.
type ClosePipelinePayload struct {
	PipelineID string `json:"pipeline_id"`
}

// FetchFilePayload requests bytes for a controller-registered path,
// sent by the remote worker when one of its TransportFileAssets wasn't
// shipped with cached content inline.
type FetchFilePayload struct {
	Path string `json:"path"`
}

// FileChunkPayload is the controller's reply to a FetchFilePayload.
// Data holds the complete file contents; chunking across frames is
// left to the websocket layer's own message framing.
type FileChunkPayload struct {
	Path string `json:"path"`
	Data []byte `json:"data"`
}

// ResultPayload carries one fully-executed action envelope back to the
// controller.
type ResultPayload struct {
	Action action.Envelope `json:"action"`
}

// ErrorPayload reports a transport-level failure unrelated to any
// single action: a malformed frame, an unknown message type, a second
// controller connection, a fetch_file for a path never registered with
// share_file. A rejected token is reported with auth_failed instead.
type ErrorPayload struct {
	Message string `json:"message"`
}
