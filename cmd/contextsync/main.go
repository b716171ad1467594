package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor  bool
	userFlag string
)

var rootCmd = &cobra.Command{
	Use:           "contextsync",
	Short:         "Sync mail, calendar and CRM data into a local searchable store",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "", "user id (default: retrieval.default_user)")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(pollCmd, ingestCmd, searchCmd, contextCmd, sweepCmd, eventsCmd)
	rootCmd.AddCommand(instructionsCmd, workItemsCmd, credentialsCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// resolveUser picks the --user flag, falling back to the configured default.
func resolveUser(defaultUser string) (string, error) {
	if userFlag != "" {
		return userFlag, nil
	}
	if defaultUser != "" {
		return defaultUser, nil
	}
	return "", fmt.Errorf("no user given: pass --user or set retrieval.default_user")
}
