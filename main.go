package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ByteMirror/foreman/config"
	"github.com/ByteMirror/foreman/events"
	"github.com/ByteMirror/foreman/git"
	"github.com/ByteMirror/foreman/history"
	"github.com/ByteMirror/foreman/log"
	"github.com/ByteMirror/foreman/orchestrator"
)

var (
	version     = "1.0.0"
	daemonFlag  bool
	versionFlag bool

	rootCmd = &cobra.Command{
		Use:   "foreman [project_root]",
		Short: "Foreman - parallel coding-agent pipeline orchestrator",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if versionFlag {
				fmt.Printf("foreman version %s\n", version)
				return nil
			}

			log.Initialize(daemonFlag)
			defer log.Close()

			projectRoot := "."
			if len(args) > 0 {
				projectRoot = args[0]
			}
			projectRoot, err := filepath.Abs(projectRoot)
			if err != nil {
				return fmt.Errorf("failed to resolve project root: %w", err)
			}

			if !git.IsGitRepo(projectRoot) {
				return fmt.Errorf("%s is not a git repository", projectRoot)
			}

			cfg, err := config.Load(projectRoot)
			if err != nil {
				// Configuration problems are fatal; exit code 1 via cobra.
				return err
			}

			sessions, err := history.Open(filepath.Join(projectRoot, cfg.SessionDBPath))
			if err != nil {
				return err
			}
			defer sessions.Close()

			bus := events.NewBus()
			orch := orchestrator.New(projectRoot, cfg, sessions, bus)

			if err := orch.Start(); err != nil {
				return err
			}

			if orch.State() == orchestrator.StateSetup {
				fmt.Println("tracks are not configured yet; waiting for a collaborator to call ConfigureTracks")
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			fmt.Println("shutting down; in-flight features will finish")
			orch.Stop()
			orch.Wait()
			return nil
		},
	}
)

func init() {
	rootCmd.Flags().BoolVar(&daemonFlag, "daemon", false, "Log with the daemon prefix")
	rootCmd.Flags().BoolVarP(&versionFlag, "version", "v", false, "Print version and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
