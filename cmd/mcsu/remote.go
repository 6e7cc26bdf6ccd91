package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/mcsu/pkg/client"
)

// remote runs commands against a supervisor's HTTP API.
type remote struct {
	flags *GlobalFlags
}

func (r remote) client() *client.Client {
	return client.New(client.Config{BaseURL: r.flags.APIUrl, Timeout: r.flags.APITimeout})
}

func createSendCommand(r remote) *cobra.Command {
	return &cobra.Command{
		Use:   "send <command...>",
		Short: "Write a command to the server console",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			line := strings.Join(args, " ")
			if err := r.client().SendCommand(cmd.Context(), line); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sent: %s\n", line)
			return nil
		},
	}
}

func createStatusCommand(r remote) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show supervisor and server status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := r.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func createPlayersCommand(r remote) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "players",
		Short: "List online players and last-seen times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := r.client().Players(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), p)
			}
			printPlayers(cmd.OutOrStdout(), p)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func createAutorestartCommand(r remote) *cobra.Command {
	return &cobra.Command{
		Use:       "autorestart on|off",
		Short:     "Enable or disable automatic restart",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch strings.ToLower(args[0]) {
			case "on", "true", "1":
				enabled = true
			case "off", "false", "0":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			if err := r.client().SetRestart(cmd.Context(), enabled); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "autorestart %s\n", onOff(enabled))
			return nil
		},
	}
}

func createStartCommand(r remote) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the server, replacing a running one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.client().Start(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "started")
			return nil
		},
	}
}

func createStopCommand(r remote) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the server without restarting it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.client().Stop(cmd.Context(), wait); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "graceful stop timeout (0 uses the server setting)")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printPlayers(w io.Writer, p client.Players) {
	_, _ = fmt.Fprintf(w, "online (%d): %s\n", len(p.Online), strings.Join(p.Online, ", "))
	names := make([]string, 0, len(p.LastSeen))
	for n, ls := range p.LastSeen {
		if !ls.Online {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	for _, n := range names {
		_, _ = fmt.Fprintf(w, "  %s last seen %s\n", n, p.LastSeen[n].At.Local().Format(time.DateTime))
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
