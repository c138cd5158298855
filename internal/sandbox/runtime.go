package sandbox

import "context"

// ContainerSpec is what the orchestrator asks the runtime to start. It is
// deliberately runtime-agnostic; the docker implementation translates it
// to CLI flags.
type ContainerSpec struct {
	Name     string
	Image    string
	Networks []string
	DNS      string
	Env      map[string]string
	Mounts   []Mount
}

// Handle identifies a started container to its runtime.
type Handle string

// Status is the runtime's view of a container.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusUnknown Status = "unknown"
)

// Runtime is the narrow boundary to the container engine. The orchestrator
// depends on nothing else about the engine, so a fake runtime exercises
// the full state machine in tests.
type Runtime interface {
	CreateNetwork(ctx context.Context, spec NetworkSpec) error
	RemoveNetwork(ctx context.Context, name string) error
	StartContainer(ctx context.Context, spec ContainerSpec) (Handle, error)
	StopContainer(ctx context.Context, h Handle) error
	ContainerStatus(ctx context.Context, h Handle) (Status, error)
}
