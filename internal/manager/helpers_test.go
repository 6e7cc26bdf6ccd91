package manager

import "github.com/loykin/mcsu/internal/process"

func specIn(dir string) process.Spec {
	return process.Spec{WorkDir: dir, StopCommand: "stop"}
}
