package docker

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/devenv/pkg/runtime"
)

// GeneratedDockerfile is the name of the Dockerfile synthesized from inline instructions.
const GeneratedDockerfile = ".devenv.Dockerfile"

// BuildImage implements runtime.Client. Requests without a context resolve
// the base image, pulling it when missing.
func (c *Client) BuildImage(ctx context.Context, req runtime.BuildRequest) (string, error) {
	if !req.HasContext() {
		return c.ensureImage(ctx, req.BaseImage)
	}

	buildCtx, dockerfile, err := BuildContext(req)
	if err != nil {
		return "", &runtime.Error{Op: "build", Ref: req.Tag, Err: err}
	}
	defer buildCtx.Close()

	args := map[string]*string{}
	for k, v := range req.Args {
		v := v
		args[k] = &v
	}
	base := req.BaseImage
	args["BASE_IMAGE"] = &base

	log.Info().
		Str("environment", req.Environment).
		Str("tag", req.Tag).
		Str("dockerfile", dockerfile).
		Msg("building image")

	resp, err := c.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{req.Tag},
		Dockerfile:  dockerfile,
		BuildArgs:   args,
		Labels:      req.Labels,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", translate("build", req.Tag, err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, c.buildOutput, 0, false, nil); err != nil {
		return "", &runtime.Error{Op: "build", Ref: req.Tag, Err: err}
	}

	info, err := c.InspectImage(ctx, req.Tag)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (c *Client) ensureImage(ctx context.Context, ref string) (string, error) {
	info, err := c.InspectImage(ctx, ref)
	if err == nil {
		return info.ID, nil
	}
	if !runtime.IsNotFound(err) {
		return "", err
	}

	if err := c.pull(ctx, ref); err != nil {
		return "", err
	}

	info, err = c.InspectImage(ctx, ref)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// GenerateDockerfile renders inline instructions on top of the base image.
func GenerateDockerfile(baseImage string, instructions []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", baseImage)
	for _, line := range instructions {
		b.WriteString(strings.TrimRight(line, "\n"))
		b.WriteByte('\n')
	}
	return b.String()
}

// BuildContext returns the tar stream sent to the daemon and the Dockerfile
// path inside it.
func BuildContext(req runtime.BuildRequest) (io.ReadCloser, string, error) {
	if len(req.Instructions) == 0 {
		dockerfile := req.Dockerfile
		if dockerfile == "" {
			dockerfile = "Dockerfile"
		}
		rc, err := tarDir(req.ContextPath)
		if err != nil {
			return nil, "", err
		}
		return rc, dockerfile, nil
	}

	content := GenerateDockerfile(req.BaseImage, req.Instructions)
	if req.ContextPath == "" {
		r, err := archive.Generate(GeneratedDockerfile, content)
		if err != nil {
			return nil, "", fmt.Errorf("failed to generate build context: %w", err)
		}
		return io.NopCloser(r), GeneratedDockerfile, nil
	}

	rc, err := tarDir(req.ContextPath)
	if err != nil {
		return nil, "", err
	}
	return archive.ReplaceFileTarWrapper(rc, map[string]archive.TarModifierFunc{
		GeneratedDockerfile: func(path string, _ *tar.Header, _ io.Reader) (*tar.Header, []byte, error) {
			return &tar.Header{
				Name:     path,
				Mode:     0o644,
				Typeflag: tar.TypeReg,
				ModTime:  time.Now(),
			}, []byte(content), nil
		},
	}), GeneratedDockerfile, nil
}

// tarDir archives a context directory honouring its .dockerignore.
func tarDir(dir string) (io.ReadCloser, error) {
	excludes, err := readDockerignore(dir)
	if err != nil {
		return nil, err
	}

	rc, err := archive.TarWithOptions(dir, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return nil, fmt.Errorf("failed to archive build context %s: %w", dir, err)
	}
	return rc, nil
}

func readDockerignore(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, ".dockerignore"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open .dockerignore: %w", err)
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read .dockerignore: %w", err)
	}
	return patterns, nil
}

// portBindings converts port mappings into the daemon's port set and bindings.
func portBindings(ports []runtime.PortBinding) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, strconv.Itoa(p.ContainerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %d/%s: %w", p.ContainerPort, proto, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostPort: strconv.Itoa(p.HostPort)})
	}
	return exposed, bindings, nil
}
