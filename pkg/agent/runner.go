// Package agent implements the deployment agent and its controller-side
// client. The agent runs on a target host, speaks the stdio protocol from
// pkg/agent/protocol, and applies configuration scripts locally. The
// client drives a remote agent over an SSH session and plugs into the
// software.deployment provider as its Deployer.
package agent

import (
	"context"
	"errors"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/calderahq/caldera/pkg/agent/protocol"
)

// Version is stamped into the READY handshake.
const Version = "1.0.0"

// Runner is the agent-side command loop. It reads commands until its
// input closes, executes them locally and reports results.
type Runner struct {
	dec    *protocol.Decoder
	enc    *protocol.Encoder
	logger zerolog.Logger

	commands int
}

// NewRunner creates a runner on the given streams, typically stdin and
// stdout.
func NewRunner(r io.Reader, w io.Writer, logger zerolog.Logger) *Runner {
	return &Runner{
		dec:    protocol.NewDecoder(r),
		enc:    protocol.NewEncoder(w),
		logger: logger.With().Str("component", "agent").Logger(),
	}
}

// Run announces readiness and processes commands until the input stream
// closes. A clean close returns nil after the EXIT message.
func (r *Runner) Run(ctx context.Context) error {
	ready := &protocol.ReadyMessage{
		Version:  Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
	}
	if err := r.enc.Encode(protocol.MessageTypeReady, ready); err != nil {
		return err
	}

	for {
		cmd, err := r.dec.DecodeCommand()
		if errors.Is(err, io.EOF) {
			return r.exit("stdin closed", 0)
		}
		if err != nil {
			r.sendError("", "PROTOCOL_ERROR", err, false)
			return r.exit("protocol error", 1)
		}

		r.commands++
		r.dispatch(ctx, cmd)
	}
}

func (r *Runner) dispatch(ctx context.Context, cmd *protocol.CommandMessage) {
	r.logger.Debug().Str("command", string(cmd.Type)).Str("id", cmd.ID).Msg("dispatching")

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	started := time.Now()
	var result interface{}
	var err error

	switch cmd.Type {
	case protocol.CommandTypeScriptRun:
		result, err = r.runScript(cmdCtx, cmd)
	case protocol.CommandTypeFileWrite:
		result, err = r.writeFile(cmd)
	case protocol.CommandTypeFileRead:
		result, err = r.readFile(cmd)
	case protocol.CommandTypeExec:
		result, err = r.execCommand(cmdCtx, cmd)
	default:
		err = errors.New("unhandled command type " + string(cmd.Type))
	}

	if err != nil {
		retryable := errors.Is(err, context.DeadlineExceeded)
		r.sendError(cmd.ID, errorCode(cmd.Type), err, retryable)
		return
	}

	r.sendDone(cmd.ID, result, time.Since(started))
}

func errorCode(ct protocol.CommandType) string {
	switch ct {
	case protocol.CommandTypeScriptRun:
		return "SCRIPT_FAILED"
	case protocol.CommandTypeFileWrite, protocol.CommandTypeFileRead:
		return "FILE_FAILED"
	case protocol.CommandTypeExec:
		return "EXEC_FAILED"
	default:
		return "COMMAND_FAILED"
	}
}

func (r *Runner) sendDone(commandID string, result interface{}, duration time.Duration) {
	data, err := marshalResult(result)
	if err != nil {
		r.sendError(commandID, "RESULT_ERROR", err, false)
		return
	}
	msg := &protocol.DoneMessage{
		CommandID: commandID,
		Result:    data,
		Duration:  duration.Seconds(),
	}
	if err := r.enc.Encode(protocol.MessageTypeDone, msg); err != nil {
		r.logger.Error().Err(err).Msg("write DONE failed")
	}
}

func (r *Runner) sendError(commandID, code string, cause error, retryable bool) {
	msg := &protocol.ErrorMessage{
		CommandID: commandID,
		Code:      code,
		Message:   cause.Error(),
		Retryable: retryable,
	}
	if err := r.enc.Encode(protocol.MessageTypeError, msg); err != nil {
		r.logger.Error().Err(err).Msg("write ERROR failed")
	}
}

func (r *Runner) exit(reason string, code int) error {
	msg := &protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      code,
		CommandsTotal: r.commands,
	}
	return r.enc.Encode(protocol.MessageTypeExit, msg)
}
