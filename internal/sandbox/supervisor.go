package sandbox

import (
	"context"
	"io"
)

type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Spec describes one sandbox process.
type Spec struct {
	Name    string
	WorkDir string
	Mounts  []Mount
	Env     []string
}

// Handle is a running sandbox process.
type Handle interface {
	Name() string
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	Kill() error
}

// Orphan is a sandbox left running by a previous host process.
type Orphan struct {
	Name    string `json:"name"`
	Runtime string `json:"runtime"`
	PID     int    `json:"pid,omitempty"`
}

// Supervisor spawns sandbox processes through some isolation runtime.
type Supervisor interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
	// Ensure fails when the runtime cannot spawn anything.
	Ensure(ctx context.Context) error
	Orphans(ctx context.Context) ([]Orphan, error)
}
