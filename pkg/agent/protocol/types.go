// Package protocol defines the newline-delimited JSON messages exchanged
// between the engine and the deployment agent over the agent's stdio.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates protocol messages.
type MessageType string

const (
	// MessageTypeReady is sent by the agent once it accepts commands.
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand carries a command from the engine.
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent is a progress line from a running command.
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone reports successful command completion.
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError reports a failed command.
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit is the agent's final message.
	MessageTypeExit MessageType = "EXIT"
)

// CommandType selects the operation a CMD message requests.
type CommandType string

const (
	// CommandTypeScriptRun applies a configuration script: inputs become
	// environment variables, the script runs, outputs are collected.
	CommandTypeScriptRun CommandType = "script.run"
	// CommandTypeFileWrite writes a file on the target.
	CommandTypeFileWrite CommandType = "file.write"
	// CommandTypeFileRead reads a file from the target.
	CommandTypeFileRead CommandType = "file.read"
	// CommandTypeExec runs a shell command.
	CommandTypeExec CommandType = "exec"
)

// Message is the wire envelope. One message per line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage announces an agent ready for commands.
type ReadyMessage struct {
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
	PID      int    `json:"pid"`
}

// CommandMessage requests one operation.
type CommandMessage struct {
	ID string `json:"id"`

	Type CommandType `json:"type"`

	// Timeout bounds execution, in seconds.
	Timeout int `json:"timeout"`

	Params json.RawMessage `json:"params"`
}

// EventMessage is a progress line emitted while a command runs.
type EventMessage struct {
	CommandID string `json:"command_id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// DoneMessage reports a completed command with its typed result.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result"`

	// Duration is the execution time in seconds.
	Duration float64 `json:"duration"`
}

// ErrorMessage reports a failed command.
type ErrorMessage struct {
	CommandID string `json:"command_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ExitMessage is sent before the agent terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// ScriptRunParams applies a configuration script.
type ScriptRunParams struct {
	// Script is the script body.
	Script string `json:"script"`

	// Interpreter runs the script; /bin/sh when empty.
	Interpreter string `json:"interpreter,omitempty"`

	// Inputs are exported to the script as environment variables.
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// Outputs lists names the script may report by writing a JSON object
	// to the file named by CALDERA_OUTPUTS_PATH.
	Outputs []string `json:"outputs,omitempty"`

	WorkDir string `json:"work_dir,omitempty"`
}

// ScriptRunResult reports a finished script.
type ScriptRunResult struct {
	ExitCode int                    `json:"exit_code"`
	Stdout   string                 `json:"stdout,omitempty"`
	Stderr   string                 `json:"stderr,omitempty"`
	Outputs  map[string]interface{} `json:"outputs,omitempty"`
	Duration float64                `json:"duration"`
}

// FileWriteParams writes content to a file.
type FileWriteParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`

	// Mode is an octal string like "0644"; 0644 when empty.
	Mode string `json:"mode,omitempty"`
}

// FileWriteResult reports a completed write.
type FileWriteResult struct {
	BytesWritten int64  `json:"bytes_written"`
	Checksum     string `json:"checksum"`
}

// FileReadParams reads a file.
type FileReadParams struct {
	Path string `json:"path"`

	// MaxBytes truncates the read; unlimited when zero.
	MaxBytes int64 `json:"max_bytes,omitempty"`
}

// FileReadResult carries file contents back.
type FileReadResult struct {
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum"`
	Truncated bool   `json:"truncated"`
}

// ExecParams runs one shell command.
type ExecParams struct {
	Command string            `json:"command"`
	WorkDir string            `json:"work_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ExecResult reports a finished command.
type ExecResult struct {
	ExitCode int     `json:"exit_code"`
	Stdout   string  `json:"stdout,omitempty"`
	Stderr   string  `json:"stderr,omitempty"`
	Duration float64 `json:"duration"`
}

// Validate checks the message type.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks the command type.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeScriptRun, CommandTypeFileWrite, CommandTypeFileRead, CommandTypeExec:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks a command message before dispatch.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}
