package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calderahq/caldera/pkg/agent/protocol"
	"github.com/calderahq/caldera/pkg/resources/builtin"
	sshtransport "github.com/calderahq/caldera/pkg/transport/ssh"
)

const (
	// DefaultRemotePath is where the agent binary lives on targets.
	DefaultRemotePath = "/usr/local/bin/caldera-agent"

	defaultCommandTimeout = 10 * time.Minute
)

// ClientOptions configure the deployment client.
type ClientOptions struct {
	// AgentBinary is a local agent binary uploaded to targets before each
	// run. When empty the binary must already exist at the remote path.
	AgentBinary string

	// RemotePath overrides where the agent runs on the target.
	RemotePath string

	// CommandTimeout bounds a script run when the context has no deadline.
	CommandTimeout time.Duration
}

// Client deploys configuration scripts by driving a remote agent over
// SSH. It implements the software.deployment provider's Deployer.
type Client struct {
	opts   ClientOptions
	logger zerolog.Logger
}

// NewClient creates a deployment client.
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	if opts.RemotePath == "" {
		opts.RemotePath = DefaultRemotePath
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	return &Client{
		opts:   opts,
		logger: logger.With().Str("component", "deployer").Logger(),
	}
}

// Deploy connects to the server named in the request, starts the agent
// there and runs the configuration script through it.
func (c *Client) Deploy(ctx context.Context, req builtin.DeployRequest) (*builtin.DeployResult, error) {
	cfg, err := sshtransport.FromProperties(req.Server)
	if err != nil {
		return nil, fmt.Errorf("server properties: %w", err)
	}

	conn, err := sshtransport.NewClient(cfg, c.logger)
	if err != nil {
		return nil, err
	}
	if err := conn.Dial(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Address(), err)
	}
	defer conn.Close()

	remotePath := c.opts.RemotePath
	if p, ok := req.Options["agent_path"].(string); ok && p != "" {
		remotePath = p
	}
	if c.opts.AgentBinary != "" {
		if err := conn.UploadFile(ctx, c.opts.AgentBinary, remotePath, 0o755); err != nil {
			return nil, fmt.Errorf("upload agent: %w", err)
		}
	}

	session, err := conn.Start(ctx, remotePath)
	if err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}
	defer session.Close()

	result, err := c.drive(ctx, session.Stdin, session.Stdout, req)
	if err != nil {
		return nil, err
	}

	// Closing stdin lets the agent exit cleanly.
	_ = session.Stdin.Close()
	_ = session.Wait()
	return result, nil
}

// drive runs the protocol conversation: wait for READY, send one
// script.run command, consume events until DONE or ERROR.
func (c *Client) drive(ctx context.Context, w io.Writer, r io.Reader, req builtin.DeployRequest) (*builtin.DeployResult, error) {
	enc := protocol.NewEncoder(w)
	dec := protocol.NewDecoder(r)

	msg, err := dec.Decode()
	if err != nil {
		return nil, fmt.Errorf("waiting for agent: %w", err)
	}
	if msg.Type != protocol.MessageTypeReady {
		return nil, fmt.Errorf("agent sent %s before READY", msg.Type)
	}
	var ready protocol.ReadyMessage
	if err := json.Unmarshal(msg.Data, &ready); err != nil {
		return nil, fmt.Errorf("parse READY: %w", err)
	}
	c.logger.Debug().
		Str("agent_version", ready.Version).
		Str("platform", ready.Platform).
		Msg("agent ready")

	timeout := c.opts.CommandTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	params, err := json.Marshal(&protocol.ScriptRunParams{
		Script:  req.Script,
		Inputs:  req.Inputs,
		Outputs: req.Outputs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	cmdID := uuid.New().String()
	cmd := &protocol.CommandMessage{
		ID:      cmdID,
		Type:    protocol.CommandTypeScriptRun,
		Timeout: int(timeout.Seconds()) + 1,
		Params:  params,
	}
	if err := enc.Encode(protocol.MessageTypeCommand, cmd); err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}

	for {
		msg, err := dec.Decode()
		if err != nil {
			return nil, fmt.Errorf("agent stream ended: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var ev protocol.EventMessage
			if err := json.Unmarshal(msg.Data, &ev); err == nil {
				c.logger.Debug().Str("level", ev.Level).Msg(ev.Message)
			}

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := json.Unmarshal(msg.Data, &done); err != nil {
				return nil, fmt.Errorf("parse DONE: %w", err)
			}
			if done.CommandID != cmdID {
				return nil, fmt.Errorf("DONE for unknown command %s", done.CommandID)
			}
			var scriptResult protocol.ScriptRunResult
			if err := json.Unmarshal(done.Result, &scriptResult); err != nil {
				return nil, fmt.Errorf("parse result: %w", err)
			}
			return &builtin.DeployResult{
				Stdout:     scriptResult.Stdout,
				Stderr:     scriptResult.Stderr,
				StatusCode: scriptResult.ExitCode,
				Outputs:    scriptResult.Outputs,
			}, nil

		case protocol.MessageTypeError:
			var agentErr protocol.ErrorMessage
			if err := json.Unmarshal(msg.Data, &agentErr); err != nil {
				return nil, fmt.Errorf("parse ERROR: %w", err)
			}
			return nil, fmt.Errorf("agent error %s: %s", agentErr.Code, agentErr.Message)

		case protocol.MessageTypeExit:
			return nil, fmt.Errorf("agent exited before completing the command")

		default:
			return nil, fmt.Errorf("unexpected %s message", msg.Type)
		}
	}
}
