package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a dlmd node's status",
	Long: `Query the dlmd node's /healthz endpoint and print its lockspace
name, recovery phase, directory size, and lock counts.

Examples:
  dlmctl status
  dlmctl --addr 10.0.0.5:9099 status`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	var s stats
	if err := getJSON("/healthz", &s); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Lockspace:        %s\n", s.Name)
	fmt.Printf("Node ID:          %d\n", s.NodeID)
	fmt.Printf("Recovery phase:   %s\n", s.RecoveryPhase)
	fmt.Printf("Members:          %v\n", s.Members)
	fmt.Printf("Directory size:   %d\n", s.DirectorySize)
	fmt.Printf("Resources:        %d\n", s.Resources)
	fmt.Printf("Granted locks:    %d\n", s.GrantedLocks)
	fmt.Printf("Converting locks: %d\n", s.ConvertingLocks)
	fmt.Printf("Waiting locks:    %d\n", s.WaitingLocks)
	fmt.Printf("Waiters:          %d\n", s.Waiters)
	fmt.Println()
	return nil
}
