// Package container implements the container driver and image cache layer
// over the real Docker Engine SDK (github.com/docker/docker/client),
// giving the lifecycle manager the typed API it needs: networks,
// read-only mounts, GPU device requests, and image inspection for the
// offline policy.
package container

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"

	"github.com/aulendur/cortex/pkg/contracts"
)

// Driver implements contracts.ContainerDriver against a local Docker
// daemon. One Driver instance is shared by the lifecycle manager and the
// admin image-readiness endpoint.
type Driver struct {
	cli *client.Client
}

// New connects to the Docker daemon using the standard environment
// configuration (DOCKER_HOST, DOCKER_TLS_VERIFY, etc).
func New() (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("container: connect to docker: %w", err)
	}
	return &Driver{cli: cli}, nil
}

// EnsureNetwork creates the named bridge network if it does not already
// exist. Callers fall back to the runtime default bridge when this
// returns an error.
func (d *Driver) EnsureNetwork(ctx context.Context, name string) error {
	list, err := d.cli.NetworkList(ctx, types.NetworkListOptions{})
	if err != nil {
		return fmt.Errorf("container: list networks: %w", err)
	}
	for _, n := range list {
		if n.Name == name {
			return nil
		}
	}
	_, err = d.cli.NetworkCreate(ctx, name, types.NetworkCreate{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("container: create network %s: %w", name, err)
	}
	log.Info().Str("network", name).Msg("container network created")
	return nil
}

// Create materializes a container from spec without starting it.
func (d *Driver) Create(ctx context.Context, spec contracts.ContainerSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	containerPort := nat.Port(strconv.Itoa(spec.ContainerPort) + "/tcp")
	exposedPorts := nat.PortSet{containerPort: struct{}{}}
	portBindings := nat.PortMap{
		containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.Port)}},
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}

	var resources container.Resources
	if len(spec.GPUDeviceIDs) > 0 {
		ids := make([]string, len(spec.GPUDeviceIDs))
		for i, id := range spec.GPUDeviceIDs {
			ids[i] = strconv.Itoa(id)
		}
		resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			DeviceIDs:    ids,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	hostCfg := &container.HostConfig{
		Mounts:        mounts,
		PortBindings:  portBindings,
		RestartPolicy: container.RestartPolicy{Name: "no"}, // never auto-restart after crash
		Resources:     resources,
	}
	if spec.NetworkName != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.NetworkName)
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Cmd:          spec.Args,
			Env:          env,
			ExposedPorts: exposedPorts,
		},
		hostCfg,
		&network.NetworkingConfig{},
		nil,
		spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("container: create %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (d *Driver) Start(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("container: start %s: %w", containerID, err)
	}
	return nil
}

// Stop sends a graceful stop with the engine-specific timeout (quantized
// engines get longer than transformer ones), then the caller is expected to
// call Remove.
func (d *Driver) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("container: stop %s: %w", containerID, err)
	}
	return nil
}

func (d *Driver) Remove(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("container: remove %s: %w", containerID, err)
	}
	return nil
}

func (d *Driver) Inspect(ctx context.Context, containerID string) (contracts.ContainerStatus, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return contracts.ContainerStatus{}, fmt.Errorf("container: inspect %s: %w", containerID, err)
	}
	started, _ := time.Parse(time.RFC3339Nano, info.State.StartedAt)
	return contracts.ContainerStatus{
		ID:        info.ID,
		Running:   info.State.Running,
		ExitCode:  info.State.ExitCode,
		StartedAt: started,
	}, nil
}

func (d *Driver) Logs(ctx context.Context, containerID string, tail int, follow bool) (io.ReadCloser, error) {
	opts := types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := d.cli.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return nil, fmt.Errorf("container: logs %s: %w", containerID, err)
	}
	return rc, nil
}

// ListByNamePrefix lists (including stopped) containers whose name begins
// with prefix — used by the startup orphan sweep.
func (d *Driver) ListByNamePrefix(ctx context.Context, prefix string) ([]string, error) {
	list, err := d.cli.ContainerList(ctx, types.ContainerListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("container: list: %w", err)
	}
	var out []string
	for _, c := range list {
		for _, name := range c.Names {
			if strings.HasPrefix(strings.TrimPrefix(name, "/"), prefix) {
				out = append(out, c.ID)
				break
			}
		}
	}
	return out, nil
}

// ImageAvailable reports whether image is present in the local image
// cache, backing the image cache layer's offline policy.
func (d *Driver) ImageAvailable(ctx context.Context, ref string) (bool, error) {
	list, err := d.cli.ImageList(ctx, types.ImageListOptions{})
	if err != nil {
		return false, fmt.Errorf("container: list images: %w", err)
	}
	for _, img := range list {
		for _, tag := range img.RepoTags {
			if tag == ref {
				return true, nil
			}
		}
	}
	return false, nil
}

// ImageInfo is one row of GET /admin/system/docker-images, reporting
// cache status, size, and whether a pull is required before use.
type ImageInfo struct {
	Name         string    `json:"name"`
	Cached       bool      `json:"cached"`
	SizeMB       int64     `json:"size_mb"`
	Created      time.Time `json:"created"`
	Digest       string    `json:"digest,omitempty"`
	PullRequired bool      `json:"pull_required"`
}

// ImageReport enumerates locally-available engine images and flags which
// of the required images are missing, backing GET /admin/system/docker-images.
func (d *Driver) ImageReport(ctx context.Context, required []string) ([]ImageInfo, bool, error) {
	list, err := d.cli.ImageList(ctx, types.ImageListOptions{All: false})
	if err != nil {
		return nil, false, fmt.Errorf("container: list images: %w", err)
	}

	cached := make(map[string]image.Summary)
	for _, img := range list {
		for _, tag := range img.RepoTags {
			cached[tag] = img
		}
	}

	var out []ImageInfo
	ready := true
	for _, ref := range required {
		img, ok := cached[ref]
		info := ImageInfo{Name: ref, Cached: ok, PullRequired: !ok}
		if ok {
			info.SizeMB = img.Size / (1024 * 1024)
			info.Created = time.Unix(img.Created, 0).UTC()
			info.Digest = img.ID
		} else {
			ready = false
		}
		out = append(out, info)
	}
	return out, ready, nil
}

// Close releases the Docker client's transport.
func (d *Driver) Close() error { return d.cli.Close() }
