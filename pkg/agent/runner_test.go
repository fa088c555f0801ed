package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/calderahq/caldera/pkg/agent/protocol"
)

// runAgent feeds the commands to a runner and returns every message it
// wrote, READY and EXIT included.
func runAgent(t *testing.T, commands ...*protocol.CommandMessage) []*protocol.Message {
	t.Helper()

	var in bytes.Buffer
	enc := protocol.NewEncoder(&in)
	for _, cmd := range commands {
		if err := enc.Encode(protocol.MessageTypeCommand, cmd); err != nil {
			t.Fatalf("encode command: %v", err)
		}
	}

	var out bytes.Buffer
	runner := NewRunner(&in, &out, zerolog.Nop())
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var msgs []*protocol.Message
	dec := protocol.NewDecoder(&out)
	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			return msgs
		}
		if err != nil {
			t.Fatalf("decode output: %v", err)
		}
		msgs = append(msgs, msg)
	}
}

func scriptCommand(t *testing.T, id string, params protocol.ScriptRunParams) *protocol.CommandMessage {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return &protocol.CommandMessage{ID: id, Type: protocol.CommandTypeScriptRun, Timeout: 30, Params: raw}
}

func decodeDone(t *testing.T, msg *protocol.Message, result interface{}) {
	t.Helper()
	if msg.Type != protocol.MessageTypeDone {
		t.Fatalf("message type = %s, want DONE", msg.Type)
	}
	var done protocol.DoneMessage
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		t.Fatalf("unmarshal DONE: %v", err)
	}
	if err := json.Unmarshal(done.Result, result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
}

func TestRunnerHandshake(t *testing.T) {
	msgs := runAgent(t)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want READY and EXIT", len(msgs))
	}
	if msgs[0].Type != protocol.MessageTypeReady {
		t.Errorf("first message = %s", msgs[0].Type)
	}
	var ready protocol.ReadyMessage
	if err := json.Unmarshal(msgs[0].Data, &ready); err != nil {
		t.Fatalf("unmarshal READY: %v", err)
	}
	if ready.Version != Version || ready.PID == 0 {
		t.Errorf("ready = %+v", ready)
	}
	if msgs[1].Type != protocol.MessageTypeExit {
		t.Errorf("last message = %s", msgs[1].Type)
	}
	var exit protocol.ExitMessage
	if err := json.Unmarshal(msgs[1].Data, &exit); err != nil {
		t.Fatalf("unmarshal EXIT: %v", err)
	}
	if exit.ExitCode != 0 || exit.CommandsTotal != 0 {
		t.Errorf("exit = %+v", exit)
	}
}

func TestRunnerScriptRun(t *testing.T) {
	script := `echo "hello $NAME"
printf '{"greeting":"done","hidden":true}' > "$CALDERA_OUTPUTS_PATH"
`
	msgs := runAgent(t, scriptCommand(t, "cmd-1", protocol.ScriptRunParams{
		Script:  script,
		Inputs:  map[string]interface{}{"NAME": "world"},
		Outputs: []string{"greeting"},
	}))

	var result protocol.ScriptRunResult
	decodeDone(t, msgs[1], &result)
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, stderr = %q", result.ExitCode, result.Stderr)
	}
	if result.Stdout != "hello world\n" {
		t.Errorf("stdout = %q", result.Stdout)
	}
	if result.Outputs["greeting"] != "done" {
		t.Errorf("outputs = %v", result.Outputs)
	}
	if _, ok := result.Outputs["hidden"]; ok {
		t.Error("unrequested output reported")
	}
}

func TestRunnerScriptNonZeroExit(t *testing.T) {
	msgs := runAgent(t, scriptCommand(t, "cmd-1", protocol.ScriptRunParams{
		Script: "echo oops >&2\nexit 3\n",
	}))

	// A failing script is still a completed command.
	var result protocol.ScriptRunResult
	decodeDone(t, msgs[1], &result)
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d", result.ExitCode)
	}
	if !strings.Contains(result.Stderr, "oops") {
		t.Errorf("stderr = %q", result.Stderr)
	}
}

func TestRunnerScriptMissingBody(t *testing.T) {
	msgs := runAgent(t, scriptCommand(t, "cmd-1", protocol.ScriptRunParams{}))
	if msgs[1].Type != protocol.MessageTypeError {
		t.Fatalf("message type = %s, want ERROR", msgs[1].Type)
	}
	var agentErr protocol.ErrorMessage
	if err := json.Unmarshal(msgs[1].Data, &agentErr); err != nil {
		t.Fatalf("unmarshal ERROR: %v", err)
	}
	if agentErr.Code != "SCRIPT_FAILED" || agentErr.CommandID != "cmd-1" {
		t.Errorf("error = %+v", agentErr)
	}
}

func TestRunnerFileWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motd")

	writeParams, _ := json.Marshal(protocol.FileWriteParams{Path: path, Content: "welcome\n", Mode: "0600"})
	readParams, _ := json.Marshal(protocol.FileReadParams{Path: path})
	msgs := runAgent(t,
		&protocol.CommandMessage{ID: "w", Type: protocol.CommandTypeFileWrite, Timeout: 5, Params: writeParams},
		&protocol.CommandMessage{ID: "r", Type: protocol.CommandTypeFileRead, Timeout: 5, Params: readParams},
	)

	var wrote protocol.FileWriteResult
	decodeDone(t, msgs[1], &wrote)
	if wrote.BytesWritten != 8 || wrote.Checksum == "" {
		t.Errorf("write result = %+v", wrote)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v", info.Mode().Perm())
	}

	var read protocol.FileReadResult
	decodeDone(t, msgs[2], &read)
	if read.Content != "welcome\n" || read.Truncated {
		t.Errorf("read result = %+v", read)
	}
	if read.Checksum != wrote.Checksum {
		t.Errorf("checksum mismatch: %s vs %s", read.Checksum, wrote.Checksum)
	}
}

func TestRunnerFileReadTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	params, _ := json.Marshal(protocol.FileReadParams{Path: path, MaxBytes: 4})
	msgs := runAgent(t, &protocol.CommandMessage{ID: "r", Type: protocol.CommandTypeFileRead, Timeout: 5, Params: params})

	var read protocol.FileReadResult
	decodeDone(t, msgs[1], &read)
	if read.Content != "0123" || !read.Truncated || read.Size != 10 {
		t.Errorf("read result = %+v", read)
	}
}

func TestRunnerExec(t *testing.T) {
	params, _ := json.Marshal(protocol.ExecParams{
		Command: "printf \"$GREETING\"",
		Env:     map[string]string{"GREETING": "hi"},
	})
	msgs := runAgent(t, &protocol.CommandMessage{ID: "e", Type: protocol.CommandTypeExec, Timeout: 5, Params: params})

	var result protocol.ExecResult
	decodeDone(t, msgs[1], &result)
	if result.ExitCode != 0 || result.Stdout != "hi" {
		t.Errorf("result = %+v", result)
	}
}

func TestRunnerProtocolError(t *testing.T) {
	in := strings.NewReader("this is not json\n")
	var out bytes.Buffer
	runner := NewRunner(in, &out, zerolog.Nop())
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	dec := protocol.NewDecoder(&out)
	var msgs []*protocol.Message
	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		msgs = append(msgs, msg)
	}

	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want READY, ERROR, EXIT", len(msgs))
	}
	if msgs[1].Type != protocol.MessageTypeError {
		t.Errorf("second message = %s", msgs[1].Type)
	}
	var exit protocol.ExitMessage
	if err := json.Unmarshal(msgs[2].Data, &exit); err != nil {
		t.Fatalf("unmarshal EXIT: %v", err)
	}
	if exit.ExitCode != 1 {
		t.Errorf("exit code = %d", exit.ExitCode)
	}
}
