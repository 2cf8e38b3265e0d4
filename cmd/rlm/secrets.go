package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"rlm/pkg/config"
)

func secretsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted secrets file",
	}

	set := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret, e.g. ANTHROPIC_API_KEY",
		Long: `Store a secret in <project>/.rlm/secrets.json.enc. The value is read
from stdin without echo; the file password comes from RLM_PASSWORD or a prompt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, err := filepath.Abs(flags.projectDir)
			if err != nil {
				return err
			}

			value, err := readSecretValue(args[0])
			if err != nil {
				return err
			}

			password := os.Getenv(EnvPassword)
			if password == "" {
				if !isTerminal(os.Stdin) {
					return fmt.Errorf("%s must be set when stdin is not a terminal", EnvPassword)
				}
				if config.SecretsFileExists(projectDir) {
					password, err = readPassword("Secrets password: ")
				} else {
					password, err = confirmPassword()
				}
				if err != nil {
					return err
				}
			}

			if err := config.SetSecretInFile(projectDir, password, args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Saved %s to %s\n", args[0], config.SecretsPath(projectDir))
			return nil
		},
	}

	cmd.AddCommand(set)
	return cmd
}

func readSecretValue(name string) (string, error) {
	if isTerminal(os.Stdin) {
		return readPassword(fmt.Sprintf("Value for %s: ", name))
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read secret value: %w", err)
	}
	value := strings.TrimSpace(line)
	if value == "" {
		return "", fmt.Errorf("secret value for %s is empty", name)
	}
	return value, nil
}
