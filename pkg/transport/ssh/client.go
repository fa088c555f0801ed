package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// TransportError wraps a transport failure with its operation and retry
// hint.
type TransportError struct {
	Op          string
	Err         error
	IsTemporary bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// Client is one SSH connection to a target host.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.RWMutex
	conn        *ssh.Client
	connectedAt time.Time
}

// NewClient validates the config and prepares a client. Dial opens the
// connection.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Dial establishes the connection. Calling Dial on a live connection is a
// no-op.
func (c *Client) Dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	clientConfig, err := c.config.clientConfig()
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("dialing")

	connCh := make(chan *ssh.Client, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errCh <- err
			return
		}
		connCh <- conn
	}()

	select {
	case <-ctx.Done():
		return &TransportError{Op: "dial", Err: ctx.Err(), IsTemporary: true}
	case err := <-errCh:
		return &TransportError{Op: "dial", Err: err, IsTemporary: true}
	case conn := <-connCh:
		c.conn = conn
		c.connectedAt = time.Now().UTC()
		if c.config.KeepAliveInterval > 0 {
			go c.keepAlive(conn)
		}
		c.logger.Info().Str("address", address).Msg("connected")
		return nil
	}
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

// IsConnected reports whether Dial has succeeded and Close has not run.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// HealthCheck runs a trivial command to prove the connection is alive.
func (c *Client) HealthCheck(ctx context.Context) error {
	result, err := c.Run(ctx, "true", nil)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return &TransportError{
			Op:          "healthcheck",
			Err:         fmt.Errorf("exit code %d", result.ExitCode),
			IsTemporary: true,
		}
	}
	return nil
}

// RunResult is the outcome of one remote command.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Run executes a command on the remote host, optionally feeding stdin.
// The command is killed when the context ends.
func (c *Client) Run(ctx context.Context, cmd string, stdin []byte) (*RunResult, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok && c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if len(stdin) > 0 {
		session.Stdin = bytes.NewReader(stdin)
	}

	started := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-done:
	}

	result := &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
	}
	return result, nil
}

// Session is a running remote process with attached pipes, used to drive
// the deployment agent over its stdio protocol.
type Session struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	session *ssh.Session
}

// Wait blocks until the remote process exits.
func (s *Session) Wait() error {
	return s.session.Wait()
}

// Close terminates the remote process.
func (s *Session) Close() error {
	return s.session.Close()
}

// Start launches a remote command and returns its attached pipes.
func (c *Client) Start(ctx context.Context, cmd string) (*Session, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "start", Err: err, IsTemporary: true}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: err}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: err}
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: err}
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: err, IsTemporary: true}
	}

	// Kill the remote process if the context ends first.
	go func() {
		<-ctx.Done()
		_ = session.Close()
	}()

	return &Session{Stdin: stdin, Stdout: stdout, Stderr: stderr, session: session}, nil
}

// Upload writes content to a remote path over SFTP, creating parent
// directories as needed.
func (c *Client) Upload(ctx context.Context, content io.Reader, remotePath string, mode os.FileMode) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	defer client.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("mkdir %s: %w", dir, err)}
		}
	}

	f, err := client.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: err}
	}

	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	if err := f.Close(); err != nil {
		return &TransportError{Op: "upload", Err: err}
	}

	if err := client.Chmod(remotePath, mode); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("chmod: %w", err)}
	}

	c.logger.Debug().Str("path", remotePath).Msg("uploaded")
	return nil
}

// UploadFile uploads a local file to the remote host.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: err}
	}
	defer f.Close()
	return c.Upload(ctx, f, remotePath, mode)
}

// Checksum returns the SHA256 of a remote file.
func (c *Client) Checksum(ctx context.Context, remotePath string) (string, error) {
	result, err := c.Run(ctx, fmt.Sprintf("sha256sum %q", remotePath), nil)
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", &TransportError{
			Op:  "checksum",
			Err: fmt.Errorf("sha256sum exited %d: %s", result.ExitCode, result.Stderr),
		}
	}
	fields := strings.Fields(result.Stdout)
	if len(fields) == 0 {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("empty sha256sum output")}
	}
	return fields[0], nil
}

func (c *Client) connection() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, &TransportError{Op: "connection", Err: fmt.Errorf("not connected")}
	}
	return c.conn, nil
}

func (c *Client) keepAlive(conn *ssh.Client) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for range ticker.C {
		if !c.IsConnected() {
			return
		}
		if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			c.logger.Warn().Err(err).Msg("keep-alive failed")
			return
		}
	}
}
