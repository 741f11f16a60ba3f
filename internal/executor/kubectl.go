package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/opspilot/internal/loop"
	"github.com/fyrsmithlabs/opspilot/internal/session"
)

var (
	// ErrUnknownDiagnostic indicates a diagnostic tool outside the
	// read-only allowlist.
	ErrUnknownDiagnostic = errors.New("unknown diagnostic tool")

	// ErrUnsafeCommand indicates a remediation command that failed
	// validation.
	ErrUnsafeCommand = errors.New("unsafe command")
)

// safeArg matches the characters allowed in kubectl argument values.
var safeArg = regexp.MustCompile(`^[A-Za-z0-9._/:=,-]+$`)

// shellMeta are characters that would change meaning under a shell. The
// executor never invokes a shell, but commands containing them signal a
// model trying to smuggle something in, so they are rejected outright.
const shellMeta = "|&;<>`$(){}\n\\\"'"

// Config configures the kubectl executor.
type Config struct {
	// KubectlPath is the kubectl binary (default: "kubectl").
	KubectlPath string

	// Namespace is the default namespace applied when a call does not
	// name one.
	Namespace string

	// Context is the kubeconfig context to use (optional).
	Context string

	// Timeout bounds each subprocess (default: 30s).
	Timeout time.Duration

	// MaxOutputKB truncates captured output (default: 64).
	MaxOutputKB int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.KubectlPath == "" {
		c.KubectlPath = "kubectl"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxOutputKB == 0 {
		c.MaxOutputKB = 64
	}
}

// runner executes a prepared command line. Swapped out in tests.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Kubectl runs diagnostics and remediation actions through the kubectl
// binary. Diagnostics are restricted to a read-only allowlist; actions
// are validated but otherwise run as proposed, since they only reach this
// point through the execution gate or an explicit approval.
type Kubectl struct {
	config Config
	logger *zap.Logger
	run    runner
}

// NewKubectl creates a kubectl-backed executor.
func NewKubectl(config Config, logger *zap.Logger) *Kubectl {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &Kubectl{config: config, logger: logger, run: execRunner}
}

// diagnostics maps tool names to read-only kubectl argument builders.
// Each builder receives validated args.
var diagnostics = map[string]func(args map[string]string) []string{
	"kubectl_get": func(a map[string]string) []string {
		out := []string{"get", orDefault(a["resource"], "pods")}
		if a["name"] != "" {
			out = append(out, a["name"])
		}
		return append(out, "-o", "wide")
	},
	"kubectl_describe": func(a map[string]string) []string {
		out := []string{"describe", orDefault(a["resource"], "pod")}
		if a["name"] != "" {
			out = append(out, a["name"])
		}
		return out
	},
	"kubectl_logs": func(a map[string]string) []string {
		out := []string{"logs", a["pod"], "--tail", orDefault(a["tail"], "100")}
		if a["container"] != "" {
			out = append(out, "-c", a["container"])
		}
		if a["previous"] == "true" {
			out = append(out, "--previous")
		}
		return out
	},
	"kubectl_events": func(a map[string]string) []string {
		return []string{"get", "events", "--sort-by", ".lastTimestamp"}
	},
	"kubectl_top": func(a map[string]string) []string {
		return []string{"top", orDefault(a["resource"], "pods")}
	},
}

// DiagnosticTools returns the allowlisted diagnostic tool names.
func DiagnosticTools() []string {
	out := make([]string, 0, len(diagnostics))
	for name := range diagnostics {
		out = append(out, name)
	}
	return out
}

// RunDiagnostic runs a read-only diagnostic from the allowlist.
func (k *Kubectl) RunDiagnostic(ctx context.Context, call *loop.ToolCallRequest) (string, error) {
	build, ok := diagnostics[call.Tool]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDiagnostic, call.Tool)
	}
	for key, value := range call.Args {
		if value != "" && !safeArg.MatchString(value) {
			return "", fmt.Errorf("%w: argument %q has unsafe value", ErrUnsafeCommand, key)
		}
	}

	args := k.withGlobals(build(call.Args), call.Args["namespace"])
	return k.exec(ctx, args)
}

// RunAction runs one remediation command. The command must be a plain
// kubectl invocation with no shell constructs.
func (k *Kubectl) RunAction(ctx context.Context, action session.ProposedAction) (string, error) {
	args, err := parseCommand(action.Command)
	if err != nil {
		return "", err
	}
	return k.exec(ctx, k.withGlobals(args, ""))
}

func (k *Kubectl) withGlobals(args []string, namespace string) []string {
	if namespace == "" {
		namespace = k.config.Namespace
	}
	if namespace != "" && !contains(args, "-n") && !contains(args, "--namespace") {
		args = append(args, "-n", namespace)
	}
	if k.config.Context != "" {
		args = append(args, "--context", k.config.Context)
	}
	return args
}

func (k *Kubectl) exec(ctx context.Context, args []string) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, k.config.Timeout)
	defer cancel()

	k.logger.Debug("running kubectl", zap.Strings("args", args))
	output, err := k.run(timeoutCtx, k.config.KubectlPath, args...)

	limit := k.config.MaxOutputKB * 1024
	if len(output) > limit {
		output = output[:limit]
	}

	if err != nil {
		if timeoutCtx.Err() == context.DeadlineExceeded {
			return string(output), fmt.Errorf("kubectl timeout after %v", k.config.Timeout)
		}
		return string(output), fmt.Errorf("kubectl failed: %w (output: %s)", err, string(output))
	}
	return string(output), nil
}

// parseCommand splits a proposed remediation command and rejects anything
// that is not a bare kubectl invocation.
func parseCommand(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrUnsafeCommand)
	}
	if strings.ContainsAny(command, shellMeta) {
		return nil, fmt.Errorf("%w: shell constructs are not allowed", ErrUnsafeCommand)
	}

	fields := strings.Fields(command)
	if fields[0] != "kubectl" {
		return nil, fmt.Errorf("%w: only kubectl commands may be executed, got %q", ErrUnsafeCommand, fields[0])
	}
	if len(fields) == 1 {
		return nil, fmt.Errorf("%w: kubectl without a verb", ErrUnsafeCommand)
	}
	return fields[1:], nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func contains(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}
