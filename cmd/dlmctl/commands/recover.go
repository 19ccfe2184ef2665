package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Trigger a manual recovery pass",
	Long: `POST to the dlmd node's /recover endpoint, re-injecting a
start/finish recovery event pair. Use this to kick a lockspace stuck
waiting on a membership event that never arrived.`,
	RunE: runRecover,
}

func runRecover(cmd *cobra.Command, args []string) error {
	if err := postTrigger("/recover"); err != nil {
		return err
	}
	fmt.Println("recovery triggered")
	return nil
}
