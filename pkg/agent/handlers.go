package agent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/calderahq/caldera/pkg/agent/protocol"
)

// OutputsPathEnv names the file a script writes its outputs to, as one
// JSON object.
const OutputsPathEnv = "CALDERA_OUTPUTS_PATH"

func marshalResult(result interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}

// runScript writes the script to a scratch directory, exports inputs as
// environment variables and runs it, then collects any reported outputs.
func (r *Runner) runScript(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.ScriptRunResult, error) {
	var params protocol.ScriptRunParams
	if err := protocol.ParseParams(cmd.Params, &params); err != nil {
		return nil, err
	}
	if params.Script == "" {
		return nil, fmt.Errorf("script is required")
	}

	interpreter := params.Interpreter
	if interpreter == "" {
		interpreter = "/bin/sh"
	}

	dir, err := os.MkdirTemp("", "caldera-deploy-*")
	if err != nil {
		return nil, fmt.Errorf("scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	scriptPath := filepath.Join(dir, "config")
	if err := os.WriteFile(scriptPath, []byte(params.Script), 0o700); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	outputsPath := filepath.Join(dir, "outputs.json")

	execCmd := exec.CommandContext(ctx, interpreter, scriptPath)
	execCmd.Dir = params.WorkDir
	execCmd.Env = append(os.Environ(), OutputsPathEnv+"="+outputsPath)
	for name, value := range params.Inputs {
		execCmd.Env = append(execCmd.Env, name+"="+envValue(value))
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	started := time.Now()
	runErr := execCmd.Run()

	result := &protocol.ScriptRunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started).Seconds(),
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("run script: %w", runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	outputs, err := collectOutputs(outputsPath, params.Outputs)
	if err != nil {
		return nil, err
	}
	result.Outputs = outputs
	return result, nil
}

// envValue renders an input for the environment: scalars verbatim,
// composite values as JSON.
func envValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// collectOutputs reads the outputs file, keeping only requested names.
// A script that reports nothing yields nil.
func collectOutputs(path string, wanted []string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read outputs: %w", err)
	}

	var reported map[string]interface{}
	if err := json.Unmarshal(data, &reported); err != nil {
		return nil, fmt.Errorf("outputs file is not a JSON object: %w", err)
	}
	if len(wanted) == 0 {
		return reported, nil
	}

	outputs := make(map[string]interface{})
	for _, name := range wanted {
		if value, ok := reported[name]; ok {
			outputs[name] = value
		}
	}
	return outputs, nil
}

func (r *Runner) writeFile(cmd *protocol.CommandMessage) (*protocol.FileWriteResult, error) {
	var params protocol.FileWriteParams
	if err := protocol.ParseParams(cmd.Params, &params); err != nil {
		return nil, err
	}
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	mode := os.FileMode(0o644)
	if params.Mode != "" {
		parsed, err := strconv.ParseUint(params.Mode, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid mode %q: %w", params.Mode, err)
		}
		mode = os.FileMode(parsed)
	}

	if err := os.WriteFile(params.Path, []byte(params.Content), mode); err != nil {
		return nil, fmt.Errorf("write %s: %w", params.Path, err)
	}

	sum := sha256.Sum256([]byte(params.Content))
	return &protocol.FileWriteResult{
		BytesWritten: int64(len(params.Content)),
		Checksum:     hex.EncodeToString(sum[:]),
	}, nil
}

func (r *Runner) readFile(cmd *protocol.CommandMessage) (*protocol.FileReadResult, error) {
	var params protocol.FileReadParams
	if err := protocol.ParseParams(cmd.Params, &params); err != nil {
		return nil, err
	}
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(params.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", params.Path, err)
	}

	size := int64(len(data))
	truncated := false
	if params.MaxBytes > 0 && size > params.MaxBytes {
		data = data[:params.MaxBytes]
		truncated = true
	}

	sum := sha256.Sum256(data)
	return &protocol.FileReadResult{
		Content:   string(data),
		Size:      size,
		Checksum:  hex.EncodeToString(sum[:]),
		Truncated: truncated,
	}, nil
}

func (r *Runner) execCommand(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.ExecResult, error) {
	var params protocol.ExecParams
	if err := protocol.ParseParams(cmd.Params, &params); err != nil {
		return nil, err
	}
	if params.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	execCmd := exec.CommandContext(ctx, "/bin/sh", "-c", params.Command)
	execCmd.Dir = params.WorkDir
	execCmd.Env = os.Environ()
	for name, value := range params.Env {
		execCmd.Env = append(execCmd.Env, name+"="+value)
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	started := time.Now()
	runErr := execCmd.Run()

	result := &protocol.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started).Seconds(),
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("exec: %w", runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}
