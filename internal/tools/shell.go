package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"
)

const maxExecOutput = 10000

// Dangerous command patterns denied before anything is spawned. The guard is
// substring/regex based, so it errs on the side of blocking.
var execDenyPatterns = []*regexp.Regexp{
	// Destructive file operations
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--recursive`),
	regexp.MustCompile(`\brm\s+.*--force`),
	regexp.MustCompile(`(?i)\bdel\s+/[fq]\b`),
	regexp.MustCompile(`(?i)\brmdir\s+/s\b`),
	regexp.MustCompile(`(?i)\bformat\b`),
	regexp.MustCompile(`(?i)\bdiskpart\b`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb

	// Remote code execution
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\beval\s*\$`),

	// Privilege escalation
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount)\b`),

	// Reverse shells
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\bmkfifo\b`),

	// Permission changes on system paths
	regexp.MustCompile(`\bchmod\s+[0-7]{3,4}\s+/`),
	regexp.MustCompile(`\bchown\b.*\s+/`),
}

// ExecTool runs shell commands in the workspace under a timeout.
type ExecTool struct {
	workspace string
	restrict  bool
	timeout   time.Duration
}

func NewExecTool(workspace string, restrict bool, timeout time.Duration) *ExecTool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ExecTool{workspace: workspace, restrict: restrict, timeout: timeout}
}

func (t *ExecTool) Name() string        { return "exec" }
func (t *ExecTool) Description() string { return "Execute a shell command and return its output" }
func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return "Error: command is required", nil
	}

	for _, pattern := range execDenyPatterns {
		if pattern.MatchString(command) {
			return "Error: Command blocked by safety guard: " + pattern.String(), nil
		}
	}
	if t.restrict && (strings.Contains(command, "../") || strings.Contains(command, `..\`)) {
		return "Error: Command blocked by safety guard: parent directory traversal", nil
	}

	cwd := t.workspace
	if wd, _ := args["working_dir"].(string); wd != "" {
		resolved, err := resolvePath(wd, t.workspace, t.restrict)
		if err != nil {
			return "Error: " + err.Error(), nil
		}
		cwd = resolved
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd
	// Own process group so the timeout kill reaches grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var parts []string
	if stdout.Len() > 0 {
		parts = append(parts, strings.TrimRight(stdout.String(), "\n"))
	}
	if stderr.Len() > 0 {
		parts = append(parts, "STDERR:\n"+strings.TrimRight(stderr.String(), "\n"))
	}

	if ctx.Err() == context.DeadlineExceeded {
		parts = append(parts, fmt.Sprintf("Error: command timed out after %s", t.timeout))
	} else if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			parts = append(parts, fmt.Sprintf("Exit code: %d", exitErr.ExitCode()))
		} else {
			return fmt.Sprintf("Error: failed to run command: %v", runErr), nil
		}
	}

	if len(parts) == 0 {
		return "(no output)", nil
	}
	return truncateOutput(strings.Join(parts, "\n"), maxExecOutput), nil
}

// truncateOutput caps a result string, marking how much was dropped.
func truncateOutput(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	dropped := len(s) - limit
	return s[:limit] + fmt.Sprintf("\n... (output truncated, %d characters omitted)", dropped)
}
