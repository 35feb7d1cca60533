package cmd

import (
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove workspaces left behind by finished migrations",
	RunE:  runGC,
}

func runGC(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	logger := log.WithFunc("cmd.gc")
	o, err := newOrchestrator()
	if err != nil {
		return err
	}

	removed, err := o.GC(ctx)
	for _, path := range removed {
		logger.Infof(ctx, "removed %s", path)
	}
	if err != nil {
		return err
	}
	logger.Infof(ctx, "GC completed, %d workspace(s) removed", len(removed))
	return nil
}
