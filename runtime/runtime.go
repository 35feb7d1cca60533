// Package runtime defines the narrow container-runtime contract the
// migration core depends on: inspect, stop, start.
package runtime

import (
	"context"
	"errors"

	"github.com/caravanctl/caravan/types"
)

var (
	ErrNotFound = errors.New("container not found")
)

// Runtime queries and controls containers on one host.
type Runtime interface {
	Inspect(ctx context.Context, id string) (*types.ContainerInfo, error)
	Stop(ctx context.Context, id string) error
	Start(ctx context.Context, id string) error
	// IsRunning is a cheap liveness probe used by restore validation.
	IsRunning(ctx context.Context, id string) (bool, error)
}
