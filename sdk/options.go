package sdk

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// PermissionMode controls how the CLI handles tool permission checks.
type PermissionMode string

const (
	PermissionModeDefault           PermissionMode = "default"
	PermissionModeAcceptEdits       PermissionMode = "acceptEdits"
	PermissionModePlan              PermissionMode = "plan"
	PermissionModeBypassPermissions PermissionMode = "bypassPermissions"
)

// ValidPermissionMode reports whether mode is one the CLI accepts.
func ValidPermissionMode(mode PermissionMode) bool {
	switch mode {
	case PermissionModeDefault, PermissionModeAcceptEdits, PermissionModePlan, PermissionModeBypassPermissions:
		return true
	default:
		return false
	}
}

// Executable selects the JS runtime used when the CLI entrypoint is a script.
type Executable string

const (
	ExecutableNode Executable = "node"
	ExecutableDeno Executable = "deno"
	ExecutableBun  Executable = "bun"
)

// Options configures a CLI child process. Zero values mean "omit the flag".
type Options struct {
	WorkingDir               string
	Env                      map[string]string
	AdditionalDirectories    []string
	AllowedTools             []string
	DisallowedTools          []string
	CustomSystemPrompt       string
	AppendSystemPrompt       string
	Executable               Executable
	ExecutableArgs           []string
	ExtraArgs                map[string]*string // nil value emits the bare flag
	FallbackModel            string
	IncludePartialMessages   bool
	MaxTurns                 int
	Model                    string
	PathToExecutable         string
	PermissionMode           PermissionMode
	PermissionPromptToolName string
	Resume                   string
	Continue                 bool
	StrictMCPConfig          bool
	Entrypoint               string

	CanUseTool CanUseToolFunc
	Stderr     StderrCallback
}

// StderrCallback receives one stderr line at a time when DEBUG is enabled.
type StderrCallback func(line string)

// jsExtensions are entrypoints that must run under a JS runtime.
var jsExtensions = map[string]bool{
	".js":  true,
	".mjs": true,
	".ts":  true,
	".tsx": true,
	".jsx": true,
}

// validate rejects option combinations the CLI cannot honor.
func (o *Options) validate(streaming bool) error {
	if o.FallbackModel != "" && o.FallbackModel == o.Model {
		return fmt.Errorf("%w: fallback model cannot equal the main model", ErrInvalidOptions)
	}
	if o.CanUseTool != nil {
		if !streaming {
			return fmt.Errorf("%w: canUseTool callback requires streaming mode", ErrInvalidOptions)
		}
		if o.PermissionPromptToolName != "" {
			return fmt.Errorf("%w: canUseTool callback cannot be combined with permissionPromptToolName", ErrInvalidOptions)
		}
	}
	return nil
}

// debugEnabled reports whether the child should run with --debug-to-stderr
// and have its stderr piped to the callback.
func (o *Options) debugEnabled() bool {
	_, ok := o.Env["DEBUG"]
	return ok
}

// buildArgs assembles the CLI flag list. The oneshot prompt, when non-nil,
// switches the CLI into print mode; otherwise stdin carries stream-json input.
func (o *Options) buildArgs(oneshotPrompt *string) ([]string, error) {
	if err := o.validate(oneshotPrompt == nil); err != nil {
		return nil, err
	}

	args := []string{"--output-format", "stream-json", "--verbose"}

	if o.CustomSystemPrompt != "" {
		args = append(args, "--system-prompt", o.CustomSystemPrompt)
	}
	if o.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", o.AppendSystemPrompt)
	}
	if len(o.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(o.AllowedTools, ","))
	}
	if len(o.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(o.DisallowedTools, ","))
	}
	if o.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(o.MaxTurns))
	}
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.FallbackModel != "" {
		args = append(args, "--fallback-model", o.FallbackModel)
	}
	if o.PermissionMode != "" {
		args = append(args, "--permission-mode", string(o.PermissionMode))
	}
	if o.CanUseTool != nil {
		args = append(args, "--permission-prompt-tool", "stdio")
	} else if o.PermissionPromptToolName != "" {
		args = append(args, "--permission-prompt-tool", o.PermissionPromptToolName)
	}
	if o.Resume != "" {
		args = append(args, "--resume", o.Resume)
	}
	if o.Continue {
		args = append(args, "--continue")
	}
	for _, dir := range o.AdditionalDirectories {
		args = append(args, "--add-dir", dir)
	}
	if o.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}
	if o.StrictMCPConfig {
		args = append(args, "--strict-mcp-config")
	}
	if o.debugEnabled() {
		args = append(args, "--debug-to-stderr")
	}
	for flag, value := range o.ExtraArgs {
		if value == nil {
			args = append(args, "--"+flag)
		} else {
			args = append(args, "--"+flag, *value)
		}
	}

	if oneshotPrompt != nil {
		args = append(args, "--print", "--", strings.TrimSpace(*oneshotPrompt))
	} else {
		args = append(args, "--input-format", "stream-json")
	}

	return args, nil
}

// resolveCommand turns the configured entrypoint into the final argv prefix.
// Script entrypoints (.js, .mjs, .ts, .tsx, .jsx) run under the configured JS
// runtime; everything else runs directly.
func (o *Options) resolveCommand(defaultPath string) ([]string, error) {
	path := o.PathToExecutable
	if path == "" {
		path = defaultPath
	}

	if filepath.Dir(path) == "." && !strings.HasPrefix(path, "./") {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s not found on PATH: %v", ErrCLINotFound, path, err)
		}
		path = resolved
	}

	if !jsExtensions[filepath.Ext(path)] {
		return []string{path}, nil
	}

	runtime := o.Executable
	if runtime == "" {
		runtime = ExecutableNode
	}
	runtimePath, err := exec.LookPath(string(runtime))
	if err != nil {
		return nil, fmt.Errorf("%w: JS runtime %s not found: %v", ErrCLINotFound, runtime, err)
	}

	cmd := []string{runtimePath}
	cmd = append(cmd, o.ExecutableArgs...)
	cmd = append(cmd, path)
	return cmd, nil
}
