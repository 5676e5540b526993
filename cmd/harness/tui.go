package main

import (
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/holon-run/harness/pkg/client"
	"github.com/holon-run/harness/pkg/config"
	"github.com/holon-run/harness/pkg/tui"
)

var (
	tuiCwd      string
	tuiBin      string
	tuiTitle    string
	tuiServeArg []string
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Interactive terminal UI for a spawned harness",
	Long: `Spawn "harness serve" as a child process, create a thread and chat
with the agent in a full-screen terminal UI.

Enter sends a turn, Esc cancels the running turn and approval requests
are answered with o (once), a (always) or r (reject).`,
	Example: `  # Chat in the current directory
  harness tui

  # Let the echo agent ask before running its tool
  harness tui --serve-arg=--ask-permission`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cwd, err := filepath.Abs(tuiCwd)
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
		cfg, err := config.LoadDir(cwd)
		if err != nil {
			return err
		}
		bin := tuiBin
		if bin == "" {
			if bin, err = os.Executable(); err != nil {
				return fmt.Errorf("failed to locate harness binary: %w", err)
			}
		}

		proc := client.NewProcess(bin, cwd,
			client.WithArgs(tuiServeArg...),
			client.WithClientInfo("harness-tui", Version),
			client.WithClientOptions(clientOptions(cfg)...),
		)
		defer proc.Close()

		app := tui.NewApp(proc, tuiTitle)
		unsubscribe := proc.Subscribe(app.Notify)
		defer unsubscribe()
		defer app.Close()

		p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("failed to run TUI: %w", err)
		}
		return nil
	},
}

func init() {
	tuiCmd.Flags().StringVar(&tuiCwd, "cwd", ".", "Workspace passed to the spawned harness")
	tuiCmd.Flags().StringVar(&tuiBin, "bin", "", "Harness binary to spawn (default: this executable)")
	tuiCmd.Flags().StringVar(&tuiTitle, "title", "", "Thread title")
	tuiCmd.Flags().StringArrayVar(&tuiServeArg, "serve-arg", nil, "Extra argument for the spawned serve command (repeatable)")
	rootCmd.AddCommand(tuiCmd)
}
