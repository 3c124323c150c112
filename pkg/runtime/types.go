package runtime

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an image or container does not exist.
var ErrNotFound = errors.New("not found")

// Labels applied to every container and image this tool creates.
const (
	LabelManagedBy   = "devenv.managed-by"
	LabelEnvironment = "devenv.environment"
	LabelFingerprint = "devenv.fingerprint"

	ManagedByValue = "devenv"
)

// ContainerState is the raw lifecycle state reported by the runtime.
type ContainerState string

const (
	StateCreated    ContainerState = "created"
	StateRunning    ContainerState = "running"
	StatePaused     ContainerState = "paused"
	StateRestarting ContainerState = "restarting"
	StateRemoving   ContainerState = "removing"
	StateExited     ContainerState = "exited"
	StateDead       ContainerState = "dead"
)

// IsRunning returns true if the container has a live process.
func (s ContainerState) IsRunning() bool {
	return s == StateRunning || s == StatePaused || s == StateRestarting
}

// ImageInfo describes an image known to the runtime.
type ImageInfo struct {
	ID        string    `json:"id"`
	Tags      []string  `json:"tags,omitempty"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// ContainerInfo describes a container known to the runtime.
type ContainerInfo struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	State     ContainerState    `json:"state"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// BuildRequest asks the runtime to produce an image for an environment.
type BuildRequest struct {
	// Environment is the environment name, used for tagging and labels.
	Environment string

	// BaseImage is the image to start from.
	BaseImage string

	// ContextPath is the build context directory. May be empty.
	ContextPath string

	// Dockerfile is relative to ContextPath.
	Dockerfile string

	// Instructions are appended to a generated "FROM BaseImage" Dockerfile.
	Instructions []string

	// Args are build arguments. BASE_IMAGE is always provided.
	Args map[string]string

	// Tag is the image reference to apply to the result.
	Tag string

	// Labels are attached to the built image.
	Labels map[string]string
}

// HasContext reports whether the request needs an actual image build
// rather than just resolving BaseImage.
func (r BuildRequest) HasContext() bool {
	return r.ContextPath != "" || r.Dockerfile != "" || len(r.Instructions) > 0
}

// Mount is a bind mount for CreateRequest.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// PortBinding publishes a container port on a host port.
type PortBinding struct {
	HostPort      int
	ContainerPort int
	Protocol      string
}

// CreateRequest asks the runtime to create (but not start) a container.
type CreateRequest struct {
	Name     string
	Image    string
	Hostname string
	WorkDir  string
	Command  []string
	Env      []string
	Mounts   []Mount
	Ports    []PortBinding
	Labels   map[string]string
}

// Client is the container runtime boundary.
type Client interface {
	// Ping verifies the runtime daemon is reachable.
	Ping(ctx context.Context) error

	// InspectImage returns ErrNotFound if ref is unknown.
	InspectImage(ctx context.Context, ref string) (*ImageInfo, error)

	// BuildImage builds (or pulls, when the request has no context) and
	// returns the resulting image reference.
	BuildImage(ctx context.Context, req BuildRequest) (string, error)

	// RemoveImage deletes an image. ErrNotFound if already gone.
	RemoveImage(ctx context.Context, ref string) error

	// InspectContainer returns ErrNotFound if ref is unknown.
	InspectContainer(ctx context.Context, ref string) (*ContainerInfo, error)

	// CreateContainer returns the new container's reference.
	CreateContainer(ctx context.Context, req CreateRequest) (string, error)

	// StartContainer starts a created or stopped container.
	StartContainer(ctx context.Context, ref string) error

	// StopContainer stops a running container. Stopping a container that is
	// not running succeeds.
	StopContainer(ctx context.Context, ref string, timeout time.Duration) error

	// RemoveContainer deletes a container.
	RemoveContainer(ctx context.Context, ref string, force bool) error

	// Close releases the client's resources.
	Close() error
}

// IsNotFound reports whether err indicates a missing image or container.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
