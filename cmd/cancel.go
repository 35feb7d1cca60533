package cmd

import (
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel MIGRATION [MIGRATION...]",
	Short: "Request cooperative cancellation of in-flight migration(s)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	logger := log.WithFunc("cmd.cancel")
	o, err := newOrchestrator()
	if err != nil {
		return err
	}

	var failed []string
	for _, id := range args {
		if err := o.Cancel(ctx, id); err != nil {
			logger.Warnf(ctx, "cancel %s: %v", id, err)
			failed = append(failed, id)
			continue
		}
		logger.Infof(ctx, "cancel requested: %s", id)
	}
	if len(failed) > 0 {
		return fmt.Errorf("cancel failed for: %s", strings.Join(failed, ", "))
	}
	return nil
}
