// Package docker implements runtime.Client on top of the Docker Engine API.
package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/devenv/pkg/runtime"
)

// Client talks to a Docker daemon.
type Client struct {
	cli         *client.Client
	host        string
	buildOutput io.Writer
}

// Option configures a Client.
type Option func(*Client)

// WithHost connects to an explicit daemon address instead of DOCKER_HOST.
func WithHost(host string) Option {
	return func(c *Client) {
		c.host = host
	}
}

// WithBuildOutput streams build and pull progress to w.
func WithBuildOutput(w io.Writer) Option {
	return func(c *Client) {
		c.buildOutput = w
	}
}

// New creates a Docker client. Connectivity is not required here; call Ping
// to verify the daemon is reachable.
func New(opts ...Option) (*Client, error) {
	c := &Client{buildOutput: io.Discard}
	for _, opt := range opts {
		opt(c)
	}

	cli, err := c.connect()
	if err != nil {
		return nil, err
	}
	c.cli = cli
	return c, nil
}

// connect tries the configured host, then the environment, then the common
// socket locations of Docker Desktop and Colima.
func (c *Client) connect() (*client.Client, error) {
	if c.host != "" {
		cli, err := client.NewClientWithOpts(client.WithHost(c.host), client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		return cli, nil
	}

	envClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if os.Getenv("DOCKER_HOST") != "" || pingable(envClient) {
		return envClient, nil
	}

	home := os.Getenv("HOME")
	for _, socket := range []string{
		"unix://" + home + "/.docker/run/docker.sock",
		"unix://" + home + "/.colima/docker.sock",
	} {
		cli, err := client.NewClientWithOpts(client.WithHost(socket), client.WithAPIVersionNegotiation())
		if err != nil {
			continue
		}
		if pingable(cli) {
			log.Debug().Str("host", socket).Msg("using docker socket")
			_ = envClient.Close()
			return cli, nil
		}
		_ = cli.Close()
	}

	// Nothing answered; keep the default client so Ping reports the failure.
	return envClient, nil
}

func pingable(cli *client.Client) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := cli.Ping(ctx)
	return err == nil
}

// Ping verifies the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return &runtime.Error{Op: "ping", Ref: c.cli.DaemonHost(), Err: fmt.Errorf("%w: %v", runtime.ErrUnavailable, err)}
	}
	return nil
}

// InspectImage implements runtime.Client.
func (c *Client) InspectImage(ctx context.Context, ref string) (*runtime.ImageInfo, error) {
	inspect, _, err := c.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return nil, translate("inspect image", ref, err)
	}

	created, _ := time.Parse(time.RFC3339Nano, inspect.Created)
	return &runtime.ImageInfo{
		ID:        inspect.ID,
		Tags:      inspect.RepoTags,
		Size:      inspect.Size,
		CreatedAt: created,
	}, nil
}

// RemoveImage implements runtime.Client.
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	if _, err := c.cli.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true}); err != nil {
		return translate("remove image", ref, err)
	}
	return nil
}

// pull fetches an image and surfaces any error reported in the progress stream.
func (c *Client) pull(ctx context.Context, ref string) error {
	log.Info().Str("image", ref).Msg("pulling image")

	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return translate("pull", ref, err)
	}
	defer reader.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(reader, c.buildOutput, 0, false, nil); err != nil {
		return &runtime.Error{Op: "pull", Ref: ref, Err: err}
	}
	return nil
}

// InspectContainer implements runtime.Client.
func (c *Client) InspectContainer(ctx context.Context, ref string) (*runtime.ContainerInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, ref)
	if err != nil {
		return nil, translate("inspect container", ref, err)
	}

	info := &runtime.ContainerInfo{
		ID:    inspect.ID,
		Name:  strings.TrimPrefix(inspect.Name, "/"),
		Image: inspect.Image,
	}
	if inspect.State != nil {
		info.State = runtime.ContainerState(inspect.State.Status)
	}
	if inspect.Config != nil {
		info.Labels = inspect.Config.Labels
	}
	info.CreatedAt, _ = time.Parse(time.RFC3339Nano, inspect.Created)
	return info, nil
}

// CreateContainer implements runtime.Client.
func (c *Client) CreateContainer(ctx context.Context, req runtime.CreateRequest) (string, error) {
	exposed, bindings, err := portBindings(req.Ports)
	if err != nil {
		return "", &runtime.Error{Op: "create", Ref: req.Name, Err: err}
	}

	cfg := &container.Config{
		Image:        req.Image,
		Hostname:     req.Hostname,
		WorkingDir:   req.WorkDir,
		Env:          req.Env,
		Labels:       req.Labels,
		ExposedPorts: exposed,
		Tty:          true,
		OpenStdin:    true,
	}
	if len(req.Command) > 0 {
		cfg.Cmd = req.Command
	}

	mounts := make([]mount.Mount, 0, len(req.Mounts))
	for _, m := range req.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	hostCfg := &container.HostConfig{
		Mounts:       mounts,
		PortBindings: bindings,
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, req.Name)
	if err != nil {
		return "", translate("create", req.Name, err)
	}
	for _, w := range resp.Warnings {
		log.Warn().Str("container", req.Name).Msg(w)
	}

	return resp.ID, nil
}

// StartContainer implements runtime.Client.
func (c *Client) StartContainer(ctx context.Context, ref string) error {
	if err := c.cli.ContainerStart(ctx, ref, container.StartOptions{}); err != nil {
		return translate("start", ref, err)
	}
	return nil
}

// StopContainer implements runtime.Client. The daemon treats stopping a
// stopped container as success.
func (c *Client) StopContainer(ctx context.Context, ref string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &secs}); err != nil {
		return translate("stop", ref, err)
	}
	return nil
}

// RemoveContainer implements runtime.Client.
func (c *Client) RemoveContainer(ctx context.Context, ref string, force bool) error {
	if err := c.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: force}); err != nil {
		return translate("remove", ref, err)
	}
	return nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	if c.cli != nil {
		return c.cli.Close()
	}
	return nil
}

// translate maps daemon errors onto the runtime package's sentinels while
// keeping the daemon's own message.
func translate(op, ref string, err error) error {
	switch {
	case errdefs.IsNotFound(err):
		err = fmt.Errorf("%w: %v", runtime.ErrNotFound, err)
	case client.IsErrConnectionFailed(err), errdefs.IsUnavailable(err):
		err = fmt.Errorf("%w: %v", runtime.ErrUnavailable, err)
	}
	return &runtime.Error{Op: op, Ref: ref, Err: err}
}

var _ runtime.Client = (*Client)(nil)
