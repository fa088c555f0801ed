package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	ready := &ReadyMessage{Version: "1.0.0", Platform: "linux", Arch: "amd64", PID: 42}
	if err := enc.Encode(MessageTypeReady, ready); err != nil {
		t.Fatalf("encode: %v", err)
	}
	done := &DoneMessage{CommandID: "cmd-1", Duration: 1.5}
	if err := enc.Encode(MessageTypeDone, done); err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Two complete lines on the wire.
	if lines := strings.Count(buf.String(), "\n"); lines != 2 {
		t.Fatalf("wrote %d lines, want 2", lines)
	}

	dec := NewDecoder(&buf)
	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != MessageTypeReady {
		t.Errorf("type = %s", msg.Type)
	}
	var gotReady ReadyMessage
	if err := json.Unmarshal(msg.Data, &gotReady); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if gotReady.PID != 42 || gotReady.Platform != "linux" {
		t.Errorf("ready = %+v", gotReady)
	}

	msg, err = dec.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != MessageTypeDone {
		t.Errorf("type = %s", msg.Type)
	}

	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("end of stream = %v, want io.EOF", err)
	}
}

func TestEncodeRejectsInvalidType(t *testing.T) {
	enc := NewEncoder(&bytes.Buffer{})
	if err := enc.Encode(MessageType("BOGUS"), nil); err == nil {
		t.Fatal("invalid type encoded")
	}
}

func TestDecodeCommand(t *testing.T) {
	params, _ := json.Marshal(ScriptRunParams{Script: "echo hi"})
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.Encode(MessageTypeCommand, &CommandMessage{
		ID:      "cmd-1",
		Type:    CommandTypeScriptRun,
		Timeout: 30,
		Params:  params,
	}); err != nil {
		t.Fatalf("encode: %v", err)
	}

	cmd, err := NewDecoder(&buf).DecodeCommand()
	if err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if cmd.ID != "cmd-1" || cmd.Type != CommandTypeScriptRun {
		t.Errorf("cmd = %+v", cmd)
	}

	var got ScriptRunParams
	if err := ParseParams(cmd.Params, &got); err != nil {
		t.Fatalf("parse params: %v", err)
	}
	if got.Script != "echo hi" {
		t.Errorf("script = %q", got.Script)
	}
}

func TestDecodeCommandRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		cmd  CommandMessage
	}{
		{"missing_id", CommandMessage{Type: CommandTypeExec, Timeout: 5, Params: []byte("{}")}},
		{"bad_type", CommandMessage{ID: "c", Type: "dance", Timeout: 5, Params: []byte("{}")}},
		{"no_timeout", CommandMessage{ID: "c", Type: CommandTypeExec, Params: []byte("{}")}},
		{"no_params", CommandMessage{ID: "c", Type: CommandTypeExec, Timeout: 5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := NewEncoder(&buf).Encode(MessageTypeCommand, &tc.cmd); err != nil {
				t.Fatalf("encode: %v", err)
			}
			if _, err := NewDecoder(&buf).DecodeCommand(); err == nil {
				t.Error("invalid command accepted")
			}
		})
	}
}

func TestDecodeCommandRejectsOtherTypes(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(MessageTypeReady, &ReadyMessage{}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := NewDecoder(&buf).DecodeCommand(); err == nil {
		t.Error("READY accepted as command")
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := NewDecoder(strings.NewReader("not json\n")).Decode(); err == nil {
		t.Error("garbage line decoded")
	}
	if _, err := NewDecoder(strings.NewReader(`{"type":"NOPE"}` + "\n")).Decode(); err == nil {
		t.Error("unknown type decoded")
	}
}
