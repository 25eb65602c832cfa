package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and maintain the checkpoint store",
	RunE:  listCheckpoints,
}

var checkpointsCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Delete checkpoints past the retention window",
	RunE:  compactCheckpoints,
}

func init() {
	checkpointsCmd.AddCommand(checkpointsCompactCmd)
}

func listCheckpoints(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	names, err := store.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("no checkpoints")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func compactCheckpoints(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	removed, err := store.Compact()
	if err != nil {
		return err
	}
	fmt.Printf("removed %d expired checkpoints\n", removed)
	return nil
}
