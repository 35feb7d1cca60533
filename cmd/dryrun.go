package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/caravanctl/caravan/criu"
	"github.com/caravanctl/caravan/remote"
	"github.com/caravanctl/caravan/runtime"
)

var dryrunCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dryrun [flags] CONTAINER",
		Short: "Validate migration prerequisites without side effects",
		Args:  cobra.ExactArgs(1),
		RunE:  runDryrun,
	}
	addMigrationFlags(cmd)
	return cmd
}()

func runDryrun(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	req, err := requestFromFlags(cmd, args[0])
	if err != nil {
		return err
	}

	failed := false

	// Checkpoint/restore environment on both ends.
	restoreWait := time.Duration(conf.RestoreWaitSeconds) * time.Second
	for _, end := range []struct {
		label  string
		runner remote.Runner
	}{
		{"source", remote.Local{}},
		{"target", targetRunner(req.TargetHost)},
	} {
		rt := runtime.NewDocker(conf.DockerBinary, end.runner, conf.StopTimeoutSeconds)
		engine := criu.New(conf.CriuBinary, end.runner, rt, restoreWait)
		if err := engine.ValidateEnvironment(ctx); err != nil {
			fmt.Printf("%s environment: FAIL (%v)\n", end.label, err)
			failed = true
		} else {
			fmt.Printf("%s environment: ok\n", end.label)
		}
	}

	checker, prober := newChecker(req)
	report := checker.Check(ctx, req, prober)
	printReport(report)

	if failed || !report.Compatible {
		return fmt.Errorf("dry run failed for container %s", req.ContainerID)
	}
	fmt.Printf("container %s is ready to migrate to %s@%s\n", req.ContainerID, req.TargetArch, req.TargetHost)
	return nil
}
