package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var locksCmd = &cobra.Command{
	Use:   "locks [resource]",
	Short: "List granted/converting/waiting locks",
	Long: `Query the dlmd node's /locks endpoint. With no argument, every
resource mastered locally is listed; with a resource name, only that
resource's queues are shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLocks,
}

func runLocks(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		var v resourceLocksView
		if err := getJSON("/locks/"+args[0], &v); err != nil {
			return err
		}
		printResource(v)
		return nil
	}

	var views []resourceLocksView
	if err := getJSON("/locks", &views); err != nil {
		return err
	}
	for _, v := range views {
		printResource(v)
	}
	return nil
}

func printResource(v resourceLocksView) {
	fmt.Printf("%s\n", v.Resource)
	printQueue("  granted", v.Granted)
	printQueue("  converting", v.Converting)
	printQueue("  waiting", v.Waiting)
}

func printQueue(label string, locks []lkbView) {
	if len(locks) == 0 {
		return
	}
	fmt.Printf("%s:\n", label)
	for _, l := range locks {
		fmt.Printf("    %-20s owner=%-20s node=%-5d granted=%-3s requested=%-3s state=%s\n",
			l.ID, l.Owner, l.NodeID, l.Granted, l.Requested, l.State)
	}
}
