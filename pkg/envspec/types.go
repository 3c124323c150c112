package envspec

import (
	"fmt"
	"os"
	"sort"
)

// ContainerNamePrefix is prepended to an environment name to form its container name.
const ContainerNamePrefix = "devenv-"

// Protocol is the transport protocol of a published port.
type Protocol string

const (
	// ProtocolTCP is the default protocol.
	ProtocolTCP Protocol = "tcp"

	// ProtocolUDP publishes a UDP port.
	ProtocolUDP Protocol = "udp"

	// ProtocolSCTP publishes an SCTP port.
	ProtocolSCTP Protocol = "sctp"
)

// Validate checks if the protocol is valid.
func (p Protocol) Validate() error {
	switch p {
	case ProtocolTCP, ProtocolUDP, ProtocolSCTP:
		return nil
	default:
		return fmt.Errorf("invalid protocol: %s", p)
	}
}

// EnvironmentSpec is the validated desired state of one environment.
type EnvironmentSpec struct {
	// Name uniquely identifies the environment.
	Name string `json:"name"`

	// Description is cosmetic and never affects the fingerprint.
	Description string `json:"description,omitempty"`

	// BaseImage is the image the environment starts from.
	BaseImage string `json:"base_image"`

	// Build is an optional build context layered on top of BaseImage.
	Build *BuildContext `json:"build,omitempty"`

	// Mounts are bind mounts, applied in order.
	Mounts []Mount `json:"mounts,omitempty"`

	// Ports is a set keyed by host port, kept sorted.
	Ports []PortMapping `json:"ports,omitempty"`

	// Env holds environment variables for the container.
	Env map[string]string `json:"env,omitempty"`

	// Command overrides the image command when non-empty.
	Command []string `json:"command,omitempty"`

	// WorkDir overrides the image working directory when set.
	WorkDir string `json:"workdir,omitempty"`

	// Hostname is the container hostname. Defaults to Name.
	Hostname string `json:"hostname,omitempty"`
}

// BuildContext describes how to derive an image from BaseImage.
type BuildContext struct {
	// Path is the absolute build context directory. Empty means a
	// context containing only the generated Dockerfile.
	Path string `json:"path,omitempty"`

	// Dockerfile is a Dockerfile path relative to Path.
	Dockerfile string `json:"dockerfile,omitempty"`

	// Instructions are Dockerfile lines appended after FROM <BaseImage>.
	Instructions []string `json:"instructions,omitempty"`

	// Args are build arguments.
	Args map[string]string `json:"args,omitempty"`
}

// Mount is a bind mount from the host into the container.
type Mount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only,omitempty"`
}

// String returns the mount in host:container[:ro] form.
func (m Mount) String() string {
	if m.ReadOnly {
		return fmt.Sprintf("%s:%s:ro", m.HostPath, m.ContainerPath)
	}
	return fmt.Sprintf("%s:%s", m.HostPath, m.ContainerPath)
}

// PortMapping publishes a container port on the host.
type PortMapping struct {
	HostPort      int      `json:"host_port"`
	ContainerPort int      `json:"container_port"`
	Protocol      Protocol `json:"protocol"`
}

// String returns the mapping in host:container/protocol form.
func (p PortMapping) String() string {
	return fmt.Sprintf("%d:%d/%s", p.HostPort, p.ContainerPort, p.Protocol)
}

// ContainerName returns the deterministic runtime container name for the environment.
func (s *EnvironmentSpec) ContainerName() string {
	return ContainerNamePrefix + s.Name
}

// EnvList returns the environment as sorted KEY=VALUE pairs.
func (s *EnvironmentSpec) EnvList() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.Env[k])
	}
	return out
}

// HostPorts returns the set of host ports this spec publishes.
func (s *EnvironmentSpec) HostPorts() []int {
	ports := make([]int, 0, len(s.Ports))
	for _, p := range s.Ports {
		ports = append(ports, p.HostPort)
	}
	return ports
}

// CheckHostPaths verifies that every mount source and the build context
// exist on the host. It is run at apply time, not at load time.
func (s *EnvironmentSpec) CheckHostPaths(stat func(string) (os.FileInfo, error)) error {
	if stat == nil {
		stat = os.Stat
	}

	verr := &ValidationError{Name: s.Name}
	for i, m := range s.Mounts {
		if _, err := stat(m.HostPath); err != nil {
			verr.add("mounts[%d]: host path %s: %v", i, m.HostPath, err)
		}
	}
	if s.Build != nil && s.Build.Path != "" {
		info, err := stat(s.Build.Path)
		switch {
		case err != nil:
			verr.add("build: context %s: %v", s.Build.Path, err)
		case !info.IsDir():
			verr.add("build: context %s is not a directory", s.Build.Path)
		}
	}
	return verr.orNil()
}

// Clone returns a deep copy of the spec.
func (s *EnvironmentSpec) Clone() *EnvironmentSpec {
	if s == nil {
		return nil
	}

	out := *s
	if s.Build != nil {
		b := *s.Build
		b.Instructions = append([]string(nil), s.Build.Instructions...)
		b.Args = cloneMap(s.Build.Args)
		out.Build = &b
	}
	out.Mounts = append([]Mount(nil), s.Mounts...)
	out.Ports = append([]PortMapping(nil), s.Ports...)
	out.Env = cloneMap(s.Env)
	out.Command = append([]string(nil), s.Command...)
	return &out
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
