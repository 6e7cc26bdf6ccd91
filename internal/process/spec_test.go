package process

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestArgv_JarMode(t *testing.T) {
	s := Spec{Jar: "server.jar", Flags: []string{"-Xmx2G", "-Xms1G"}, NoGUI: true}
	name, args := s.Argv()
	if name != "java" {
		t.Fatalf("expected default java runtime, got %q", name)
	}
	want := []string{"-Xmx2G", "-Xms1G", "-jar", "server.jar", "nogui"}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
}

func TestArgv_JarModeWithGUIOmitsHeadlessFlag(t *testing.T) {
	s := Spec{Jar: "paper.jar", Java: "/opt/jdk/bin/java"}
	name, args := s.Argv()
	if name != "/opt/jdk/bin/java" {
		t.Fatalf("unexpected runtime %q", name)
	}
	want := []string{"-jar", "paper.jar"}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
}

func TestArgv_ScriptMode(t *testing.T) {
	cases := []struct {
		script string
		name   string
		args   []string
	}{
		{"start.sh", "/bin/sh", []string{"start.sh"}},
		{"START.SH", "/bin/sh", []string{"START.SH"}},
		{"run.bat", "cmd.exe", []string{"/c", "run.bat"}},
		{"run.cmd", "cmd.exe", []string{"/c", "run.cmd"}},
	}
	for _, tc := range cases {
		t.Run(tc.script, func(t *testing.T) {
			name, args := Spec{Script: tc.script, NoGUI: true}.Argv()
			if name != tc.name || !reflect.DeepEqual(args, tc.args) {
				t.Fatalf("got %s %v, want %s %v", name, args, tc.name, tc.args)
			}
		})
	}
}

func TestBuildCommand_SetsWorkDir(t *testing.T) {
	dir := t.TempDir()
	cmd := Spec{WorkDir: dir, Jar: "server.jar"}.BuildCommand()
	if cmd.Dir != dir {
		t.Fatalf("dir = %q, want %q", cmd.Dir, dir)
	}
	if cmd.SysProcAttr == nil {
		t.Fatalf("SysProcAttr not configured")
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := (Spec{WorkDir: dir, Jar: "a.jar"}).Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
	if err := (Spec{WorkDir: dir}).Validate(); !errors.Is(err, ErrNoLauncher) {
		t.Fatalf("expected ErrNoLauncher, got %v", err)
	}
	if err := (Spec{WorkDir: dir, Jar: "a.jar", Script: "b.sh"}).Validate(); !errors.Is(err, ErrBothLaunchers) {
		t.Fatalf("expected ErrBothLaunchers, got %v", err)
	}
	if err := (Spec{WorkDir: filepath.Join(dir, "missing"), Jar: "a.jar"}).Validate(); err == nil {
		t.Fatalf("expected error for missing dir")
	}
	if err := (Spec{WorkDir: file, Jar: "a.jar"}).Validate(); err == nil {
		t.Fatalf("expected error for non-directory")
	}
	if err := (Spec{Jar: "a.jar"}).Validate(); err == nil {
		t.Fatalf("expected error for empty dir")
	}
}
