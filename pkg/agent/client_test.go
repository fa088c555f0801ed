package agent

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/calderahq/caldera/pkg/resources/builtin"
)

// deployThroughRunner wires the client's protocol driver to a real
// in-process runner over pipes, standing in for the SSH session.
func deployThroughRunner(t *testing.T, ctx context.Context, req builtin.DeployRequest) (*builtin.DeployResult, error) {
	t.Helper()

	toAgent, clientOut := io.Pipe()
	toClient, agentOut := io.Pipe()

	done := make(chan error, 1)
	go func() {
		runner := NewRunner(toAgent, agentOut, zerolog.Nop())
		done <- runner.Run(context.Background())
	}()

	client := NewClient(ClientOptions{CommandTimeout: 30 * time.Second}, zerolog.Nop())
	result, err := client.drive(ctx, clientOut, toClient, req)

	// Drain the agent's remaining output so its EXIT write does not block.
	go func() { _, _ = io.Copy(io.Discard, toClient) }()
	clientOut.Close()
	if runErr := <-done; runErr != nil {
		t.Errorf("runner: %v", runErr)
	}
	return result, err
}

func TestClientDeploysScript(t *testing.T) {
	script := `echo "configuring $ROLE"
printf '{"endpoint":"10.0.0.5:8080"}' > "$CALDERA_OUTPUTS_PATH"
`
	result, err := deployThroughRunner(t, context.Background(), builtin.DeployRequest{
		Script:  script,
		Inputs:  map[string]interface{}{"ROLE": "web"},
		Outputs: []string{"endpoint"},
		Action:  "CREATE",
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.StatusCode != 0 {
		t.Errorf("status = %d, stderr = %q", result.StatusCode, result.Stderr)
	}
	if result.Stdout != "configuring web\n" {
		t.Errorf("stdout = %q", result.Stdout)
	}
	if result.Outputs["endpoint"] != "10.0.0.5:8080" {
		t.Errorf("outputs = %v", result.Outputs)
	}
}

func TestClientReportsScriptExitCode(t *testing.T) {
	result, err := deployThroughRunner(t, context.Background(), builtin.DeployRequest{
		Script: "echo broken >&2\nexit 7\n",
		Action: "CREATE",
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.StatusCode != 7 {
		t.Errorf("status = %d", result.StatusCode)
	}
	if !strings.Contains(result.Stderr, "broken") {
		t.Errorf("stderr = %q", result.Stderr)
	}
}

func TestClientSurfacesAgentErrors(t *testing.T) {
	_, err := deployThroughRunner(t, context.Background(), builtin.DeployRequest{
		Script: "",
		Action: "CREATE",
	})
	if err == nil {
		t.Fatal("empty script deployed")
	}
	if !strings.Contains(err.Error(), "SCRIPT_FAILED") {
		t.Errorf("error = %v", err)
	}
}

func TestClientExpiredContext(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := deployThroughRunner(t, ctx, builtin.DeployRequest{
		Script: "echo hi",
		Action: "CREATE",
	})
	if err == nil {
		t.Fatal("expired context deployed")
	}
}
