package envspec

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	// namePattern follows the image repository component grammar so the
	// name can be used verbatim in an image tag.
	namePattern   = regexp.MustCompile(`^[a-zA-Z0-9]+(?:(?:[._]|__|-+)[a-zA-Z0-9]+)*$`)
	envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	validateOnce sync.Once
	validate     *validator.Validate
)

// Raw is the untyped spec as decoded from a CUE or YAML document.
type Raw struct {
	Name        string            `json:"name" yaml:"name" validate:"required,max=63"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	BaseImage   string            `json:"base_image" yaml:"base_image" validate:"required"`
	Build       *RawBuild         `json:"build,omitempty" yaml:"build,omitempty"`
	Mounts      []RawMount        `json:"mounts,omitempty" yaml:"mounts,omitempty" validate:"dive"`
	Ports       []RawPort         `json:"ports,omitempty" yaml:"ports,omitempty" validate:"dive"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Command     []string          `json:"command,omitempty" yaml:"command,omitempty"`
	WorkDir     string            `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Hostname    string            `json:"hostname,omitempty" yaml:"hostname,omitempty" validate:"omitempty,hostname_rfc1123"`
}

// RawBuild is the untyped build context.
type RawBuild struct {
	Path         string            `json:"path,omitempty" yaml:"path,omitempty"`
	Dockerfile   string            `json:"dockerfile,omitempty" yaml:"dockerfile,omitempty"`
	Instructions []string          `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Args         map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
}

// RawMount is the untyped bind mount.
type RawMount struct {
	Host      string `json:"host" yaml:"host" validate:"required"`
	Container string `json:"container" yaml:"container" validate:"required"`
	ReadOnly  bool   `json:"read_only,omitempty" yaml:"read_only,omitempty"`
}

// RawPort is the untyped port mapping.
type RawPort struct {
	Host      int    `json:"host" yaml:"host" validate:"min=1,max=65535"`
	Container int    `json:"container" yaml:"container" validate:"min=1,max=65535"`
	Protocol  string `json:"protocol,omitempty" yaml:"protocol,omitempty" validate:"omitempty,oneof=tcp udp sctp"`
}

// ResolvePaths makes relative mount and build paths absolute against baseDir.
// Loaders call it with the directory of the spec file before Load.
func (r *Raw) ResolvePaths(baseDir string) {
	for i := range r.Mounts {
		r.Mounts[i].Host = resolve(baseDir, r.Mounts[i].Host)
	}
	if r.Build != nil && r.Build.Path != "" {
		r.Build.Path = resolve(baseDir, r.Build.Path)
	}
}

func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Load validates raw and returns the typed spec. Every problem found is
// reported in a single *ValidationError wrapping ErrInvalidSpec.
// Load performs no I/O; mount host paths are checked at apply time.
func Load(raw Raw) (*EnvironmentSpec, error) {
	verr := &ValidationError{Name: raw.Name}

	if err := validatorInstance().Struct(raw); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, fmt.Errorf("failed to validate spec: %w", err)
		}
		for _, fe := range fieldErrs {
			verr.add("%s: %s", fieldPath(fe), describe(fe))
		}
	}

	if raw.Name != "" && !namePattern.MatchString(raw.Name) {
		verr.add("name: %q must match %s", raw.Name, namePattern.String())
	}

	spec := &EnvironmentSpec{
		Name:        raw.Name,
		Description: raw.Description,
		BaseImage:   raw.BaseImage,
		Command:     append([]string(nil), raw.Command...),
		WorkDir:     raw.WorkDir,
		Hostname:    raw.Hostname,
	}
	if spec.Hostname == "" {
		spec.Hostname = raw.Name
	}
	if raw.WorkDir != "" && !path.IsAbs(raw.WorkDir) {
		verr.add("workdir: %q must be an absolute container path", raw.WorkDir)
	}

	spec.Build = loadBuild(raw.Build, verr)
	spec.Mounts = loadMounts(raw.Mounts, verr)
	spec.Ports = loadPorts(raw.Ports, verr)

	if len(raw.Env) > 0 {
		spec.Env = make(map[string]string, len(raw.Env))
		for k, v := range raw.Env {
			if !envKeyPattern.MatchString(k) {
				verr.add("env: %q is not a valid variable name", k)
				continue
			}
			spec.Env[k] = v
		}
	}

	if err := verr.orNil(); err != nil {
		sort.Strings(verr.Problems)
		return nil, err
	}
	return spec, nil
}

func loadBuild(raw *RawBuild, verr *ValidationError) *BuildContext {
	if raw == nil {
		return nil
	}

	b := &BuildContext{
		Path:         raw.Path,
		Dockerfile:   raw.Dockerfile,
		Instructions: append([]string(nil), raw.Instructions...),
		Args:         cloneMap(raw.Args),
	}
	if b.Path != "" && !filepath.IsAbs(b.Path) {
		verr.add("build.path: %q must be absolute", b.Path)
	}
	if b.Dockerfile != "" && len(b.Instructions) > 0 {
		verr.add("build: dockerfile and instructions are mutually exclusive")
	}
	if b.Dockerfile != "" && b.Path == "" {
		verr.add("build.dockerfile: requires build.path")
	}
	if b.Path == "" && b.Dockerfile == "" && len(b.Instructions) == 0 {
		verr.add("build: one of path, dockerfile or instructions is required")
	}
	for i, line := range b.Instructions {
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(line)), "FROM ") {
			verr.add("build.instructions[%d]: FROM is implied by base_image", i)
		}
	}
	return b
}

func loadMounts(raw []RawMount, verr *ValidationError) []Mount {
	if len(raw) == 0 {
		return nil
	}

	mounts := make([]Mount, 0, len(raw))
	targets := make(map[string]int, len(raw))
	for i, m := range raw {
		if m.Host != "" && !filepath.IsAbs(m.Host) {
			verr.add("mounts[%d].host: %q must be absolute", i, m.Host)
		}
		if m.Container != "" && !path.IsAbs(m.Container) {
			verr.add("mounts[%d].container: %q must be an absolute container path", i, m.Container)
		}
		target := path.Clean(m.Container)
		if j, dup := targets[target]; dup && m.Container != "" {
			verr.add("mounts[%d].container: %s already mounted by mounts[%d]", i, target, j)
		}
		targets[target] = i
		mounts = append(mounts, Mount{
			HostPath:      m.Host,
			ContainerPath: m.Container,
			ReadOnly:      m.ReadOnly,
		})
	}
	return mounts
}

func loadPorts(raw []RawPort, verr *ValidationError) []PortMapping {
	if len(raw) == 0 {
		return nil
	}

	ports := make([]PortMapping, 0, len(raw))
	seen := make(map[int]int, len(raw))
	for i, p := range raw {
		if j, dup := seen[p.Host]; dup {
			verr.add("ports[%d].host: %d already published by ports[%d]", i, p.Host, j)
			continue
		}
		seen[p.Host] = i

		proto := Protocol(strings.ToLower(p.Protocol))
		if proto == "" {
			proto = ProtocolTCP
		}
		ports = append(ports, PortMapping{
			HostPort:      p.Host,
			ContainerPort: p.Container,
			Protocol:      proto,
		})
	}
	sort.Slice(ports, func(a, b int) bool {
		return ports[a].HostPort < ports[b].HostPort
	})
	return ports
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "hostname_rfc1123":
		return fmt.Sprintf("%v is not a valid hostname", fe.Value())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
