package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by the remote commands.
type GlobalFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	rc := remote{flags: flags}
	root.AddCommand(
		createRunCommand(),
		createSendCommand(rc),
		createStatusCommand(rc),
		createPlayersCommand(rc),
		createAutorestartCommand(rc),
		createStartCommand(rc),
		createStopCommand(rc),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "mcsu",
		Short: "Minecraft server supervisor",
		Long: `mcsu runs a Minecraft server as a child process, watches its console
for readiness and player sessions, and restarts it when it exits.

Examples:
  mcsu run mcsu.toml                  # supervise in the foreground
  mcsu send say hello                 # write a console command
  mcsu status --api-url=http://host:8080/api
  mcsu autorestart off`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "http://127.0.0.1:8080/api", "supervisor API URL")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 60*time.Second, "request timeout")
	return root
}
