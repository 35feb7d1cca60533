package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [flags] CONTAINER",
		Short: "Check whether a container can migrate to a target architecture",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheck,
	}
	addMigrationFlags(cmd)
	return cmd
}()

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	req, err := requestFromFlags(cmd, args[0])
	if err != nil {
		return err
	}

	checker, prober := newChecker(req)
	report := checker.Check(ctx, req, prober)
	printReport(report)
	if !report.Compatible {
		return fmt.Errorf("container %s cannot migrate to %s", req.ContainerID, req.TargetArch)
	}
	return nil
}
