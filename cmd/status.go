package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status MIGRATION",
	Short: "Show detailed migration state (JSON)",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	o, err := newOrchestrator()
	if err != nil {
		return err
	}

	st, err := o.Status(ctx, args[0])
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(st)
	return nil
}
