// The autotier admin tool sends commands to a running autotierfs daemon
// over its control pipes.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/autotier/autotier/internal/config"
	"github.com/autotier/autotier/internal/control"
	"github.com/autotier/autotier/internal/logger"
)

const defaultConfigPath = "/etc/autotier.conf"

// exitNoDaemon is returned when the control pipe cannot be reached.
const exitNoDaemon = 126

var configPath string

func main() {
	var showVersion bool

	root := &cobra.Command{
		Use:          "autotier",
		Short:        "Control a running autotierfs daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Println("autotier " + control.Version)
				return nil
			}
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	root.PersistentFlags().BoolP("quiet", "q", false, "errors only")
	root.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	root.Flags().BoolVarP(&showVersion, "version", "V", false, "print version and exit")

	root.AddCommand(
		simpleCommand("oneshot", "Run one tiering pass now", nil),
		pinCommand(),
		simpleCommand("unpin", "Clear the pinned flag on files", cobra.MinimumNArgs(1)),
		statusCommand(),
		simpleCommand("config", "Print the daemon's effective configuration", cobra.NoArgs),
		simpleCommand("list-pins", "List pinned files and their tiers", cobra.NoArgs),
		simpleCommand("list-popularity", "List file popularity", cobra.NoArgs),
		simpleCommand("which-tier", "Resolve files to their owning tier", cobra.MinimumNArgs(1)),
		simpleCommand("metrics", "Dump daemon metrics", cobra.NoArgs),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ERR", err)
		if errors.Is(err, control.ErrNoDaemon) {
			os.Exit(exitNoDaemon)
		}
		os.Exit(1)
	}
}

// send forwards a payload to the daemon and prints the response body.
func send(payload []string) error {
	cfg, err := config.Load(configPath, logger.Nop())
	if err != nil {
		return err
	}
	response, err := control.Send(cfg.RunPath, payload)
	if err != nil {
		return err
	}
	if len(response) == 0 {
		return fmt.Errorf("empty response from daemon")
	}
	body := response[1:]
	if response[0] != "OK" {
		return errors.New(joinLines(body))
	}
	for _, line := range body {
		fmt.Println(line)
	}
	return nil
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	if out == "" {
		out = "request failed"
	}
	return out
}

// simpleCommand builds a subcommand that forwards its name and args.
func simpleCommand(name, short string, args cobra.PositionalArgs, aliases ...string) *cobra.Command {
	return &cobra.Command{
		Use:     name,
		Short:   short,
		Args:    args,
		Aliases: aliases,
		RunE: func(cmd *cobra.Command, argv []string) error {
			return send(append([]string{name}, argv...))
		},
	}
}

func pinCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pin <tier> <path>...",
		Short: "Pin files to a tier",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, argv []string) error {
			return send(append([]string{"pin"}, argv...))
		},
	}
}

func statusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-tier capacity, quota, usage, and conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, argv []string) error {
			mode := "table"
			if asJSON {
				mode = "json"
			}
			return send([]string{"status", mode})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output")
	return cmd
}
