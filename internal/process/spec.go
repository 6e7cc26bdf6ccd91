package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// DefaultJava is the runtime used in jar mode when Spec.Java is empty.
const DefaultJava = "java"

// HeadlessFlag is appended after the jar when NoGUI is set.
const HeadlessFlag = "nogui"

var (
	// ErrNoLauncher is returned when neither a jar nor a script is configured.
	ErrNoLauncher = errors.New("either a server jar or a start script is required")
	// ErrBothLaunchers is returned when both a jar and a script are configured.
	ErrBothLaunchers = errors.New("server jar and start script are mutually exclusive")
)

// Spec describes how to launch the game server.
type Spec struct {
	Name        string   `json:"name"`
	WorkDir     string   `json:"work_dir"`               // server directory; must exist
	Java        string   `json:"java,omitempty"`         // runtime binary for jar mode
	Jar         string   `json:"jar,omitempty"`          // jar mode: path relative to WorkDir
	Script      string   `json:"script,omitempty"`       // script mode: .sh runs under sh, anything else under cmd.exe
	Flags       []string `json:"flags,omitempty"`        // extra runtime flags placed before -jar
	NoGUI       bool     `json:"nogui"`                  // append the headless flag
	Env         []string `json:"env,omitempty"`          // extra KEY=VALUE entries
	StopCommand string   `json:"stop_command,omitempty"` // console command for a graceful stop
}

// UsesScript reports whether the spec launches through a shell script.
func (s Spec) UsesScript() bool { return s.Script != "" }

// Validate checks that WorkDir is an existing directory and that exactly
// one launch mode is configured.
func (s Spec) Validate() error {
	if s.WorkDir == "" {
		return errors.New("working directory is required")
	}
	fi, err := os.Stat(s.WorkDir)
	if err != nil {
		return fmt.Errorf("%s does not exist or is not a valid path: %w", s.WorkDir, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", s.WorkDir)
	}
	if s.Jar == "" && s.Script == "" {
		return ErrNoLauncher
	}
	if s.Jar != "" && s.Script != "" {
		return ErrBothLaunchers
	}
	return nil
}

// Argv returns the program and its arguments.
//
//	jar mode:    <java> [flags...] -jar <jar> [nogui]
//	script mode: /bin/sh <script>  |  cmd.exe /c <script>
func (s Spec) Argv() (string, []string) {
	if s.UsesScript() {
		if strings.HasSuffix(strings.ToLower(s.Script), ".sh") {
			return "/bin/sh", []string{s.Script}
		}
		return "cmd.exe", []string{"/c", s.Script}
	}
	java := s.Java
	if java == "" {
		java = DefaultJava
	}
	args := make([]string, 0, len(s.Flags)+3)
	args = append(args, s.Flags...)
	args = append(args, "-jar", s.Jar)
	if s.NoGUI {
		args = append(args, HeadlessFlag)
	}
	return java, args
}

// BuildCommand constructs the *exec.Cmd for this spec. Stdio is left unset.
func (s Spec) BuildCommand() *exec.Cmd {
	name, args := s.Argv()
	// launch target comes from operator configuration
	// #nosec G204
	cmd := exec.Command(name, args...)
	cmd.Dir = s.WorkDir
	configureSysProcAttr(cmd)
	return cmd
}
