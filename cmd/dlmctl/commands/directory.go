package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var directoryCmd = &cobra.Command{
	Use:   "directory",
	Short: "List this node's directory shard",
	Long: `Query the dlmd node's /directory endpoint and print every resource
name this node's directory shard has on record, along with the node id
that masters it.`,
	RunE: runDirectory,
}

func runDirectory(cmd *cobra.Command, args []string) error {
	entries := map[string]uint16{}
	if err := getJSON("/directory", &entries); err != nil {
		return err
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%-40s %s\n", "RESOURCE", "MASTER")
	for _, name := range names {
		fmt.Printf("%-40s %d\n", name, entries[name])
	}
	return nil
}
