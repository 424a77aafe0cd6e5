package protocol_test

import (
	"testing"

	"github.com/transilience/transilience/internal/action"
	"github.com/transilience/transilience/internal/actionlib"
	"github.com/transilience/transilience/internal/protocol"
)

func TestNewMessageDecodeRoundTrip(t *testing.T) {
	touch, err := actionlib.NewTouch("/tmp/example")
	if err != nil {
		t.Fatalf("NewTouch: %v", err)
	}
	env, err := action.Marshal(touch)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	msg, err := protocol.NewMessage(protocol.TypeExecute, protocol.ExecutePayload{Action: *env})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if msg.Type != protocol.TypeExecute {
		t.Fatalf("type = %q, want %q", msg.Type, protocol.TypeExecute)
	}

	var payload protocol.ExecutePayload
	if err := msg.Decode(&payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if payload.Action.Type != "actionlib.Touch" {
		t.Fatalf("payload type = %q, want actionlib.Touch", payload.Action.Type)
	}
}

func TestDecodeErrorPayload(t *testing.T) {
	msg, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorPayload{Message: "unknown pipeline"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	var payload protocol.ErrorPayload
	if err := msg.Decode(&payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if payload.Message != "unknown pipeline" {
		t.Fatalf("message = %q, want %q", payload.Message, "unknown pipeline")
	}
}

func TestFileChunkPayloadPreservesBinaryData(t *testing.T) {
	data := []byte{0x00, 0xff, 'a', 'b', 0x10}
	msg, err := protocol.NewMessage(protocol.TypeFileChunk, protocol.FileChunkPayload{Path: "/etc/motd", Data: data})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	var payload protocol.FileChunkPayload
	if err := msg.Decode(&payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(payload.Data) != string(data) {
		t.Fatalf("data = %v, want %v", payload.Data, data)
	}
	if payload.Path != "/etc/motd" {
		t.Fatalf("path = %q, want /etc/motd", payload.Path)
	}
}
