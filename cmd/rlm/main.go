// Package main is the rlm command line: it runs coding-agent workflows in the
// foreground or serves them over HTTP.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"rlm/pkg/config"
	"rlm/pkg/logx"
	"rlm/pkg/version"
)

// EnvPassword unlocks the secrets file without a prompt.
const EnvPassword = "RLM_PASSWORD"

type globalFlags struct {
	projectDir string
	debug      bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "rlm",
		Short:         "Plan-then-build coding agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `rlm drives a coding agent through analyze, research, design,
implement and validate phases, checkpointing after every transition so
interrupted work can be resumed.`,
	}
	cmd.PersistentFlags().StringVar(&flags.projectDir, "project-dir", ".", "Project directory")
	cmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(
		serveCmd(flags),
		runCmd(flags),
		resumeCmd(flags),
		sessionsCmd(flags),
		secretsCmd(flags),
		usageCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version.String())
			},
		},
	)
	return cmd
}

// setup loads .env, the project config and, when present, the secrets file.
func setup(flags *globalFlags) (string, error) {
	projectDir, err := filepath.Abs(flags.projectDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project directory: %w", err)
	}
	if flags.debug {
		logx.SetDebugConfig(true, false, "")
	}

	if err := godotenv.Load(filepath.Join(projectDir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to load .env: %w", err)
	}
	if err := config.LoadConfig(projectDir); err != nil {
		return "", err
	}
	if err := unlockSecrets(projectDir); err != nil {
		return "", err
	}
	return projectDir, nil
}

// unlockSecrets decrypts the project secrets with the password from the
// environment or an interactive prompt. Without a terminal or password, keys
// come from the environment only.
func unlockSecrets(projectDir string) error {
	if !config.SecretsFileExists(projectDir) {
		return nil
	}
	password := os.Getenv(EnvPassword)
	if password == "" {
		if !isTerminal(os.Stdin) {
			logx.Warnf("Secrets file present but %s is not set; using environment credentials", EnvPassword)
			return nil
		}
		var err error
		password, err = readPassword("Secrets password: ")
		if err != nil {
			return err
		}
	}
	secrets, err := config.DecryptSecretsFile(projectDir, password)
	if err != nil {
		return fmt.Errorf("failed to unlock secrets: %w", err)
	}
	config.SetDecryptedSecrets(secrets)
	return nil
}
