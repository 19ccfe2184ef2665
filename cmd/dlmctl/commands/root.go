// Package commands implements the CLI commands for the dlmctl operator
// client: a thin HTTP client over the dlmd daemon's /healthz, /directory,
// /locks, and /recover endpoints.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// serverAddr is the dlmd node's operator HTTP address, e.g.
	// "127.0.0.1:9099" (the daemon's metrics.listen_addr).
	serverAddr string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "dlmctl",
	Short: "godlm operator CLI",
	Long: `dlmctl is the command-line operator client for a godlm node: it
queries a running dlmd process's health, directory, and lock state, and
can trigger a manual recovery.

Use "dlmctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "127.0.0.1:9099", "dlmd operator HTTP address")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(directoryCmd)
	rootCmd.AddCommand(locksCmd)
	rootCmd.AddCommand(recoverCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// Exit prints an error and exits with code 1.
func Exit(format string, args ...any) {
	PrintErr(format, args...)
	os.Exit(1)
}
