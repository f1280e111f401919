package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/melih/termfleet/internal/core/domain"
	"github.com/melih/termfleet/internal/core/ports"
)

// Options tunes the adapter.
type Options struct {
	// StopTimeout is how long the daemon waits before killing a stopped container.
	StopTimeout time.Duration
	// InspectConcurrency bounds parallel inspections when listing.
	InspectConcurrency int
	// ManagedLabel restricts pruning to containers and volumes carrying it.
	ManagedLabel string
}

// Adapter implements ports.ContainerRuntime using the Docker SDK.
type Adapter struct {
	cli  *client.Client
	opts Options
	log  logrus.FieldLogger
}

// NewAdapter creates a new Docker adapter and checks the daemon is reachable.
func NewAdapter(ctx context.Context, opts Options, log logrus.FieldLogger) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, domain.WrapError(domain.KindRuntimeUnavailable, "failed to create docker client", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, domain.WrapError(domain.KindRuntimeUnavailable, "docker daemon not reachable", err)
	}

	if opts.InspectConcurrency <= 0 {
		opts.InspectConcurrency = 8
	}
	if opts.ManagedLabel == "" {
		opts.ManagedLabel = domain.UserLabel
	}

	return &Adapter{
		cli:  cli,
		opts: opts,
		log:  log.WithField("component", "docker"),
	}, nil
}

// Close releases the client.
func (a *Adapter) Close() error {
	return a.cli.Close()
}

// ListRunning returns running containers with their port-mapping tables.
func (a *Adapter) ListRunning(ctx context.Context) ([]domain.RuntimeContainer, error) {
	list, err := a.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, classify(domain.KindRuntime, "failed to list containers", err)
	}

	var (
		mu     sync.Mutex
		result = make([]domain.RuntimeContainer, 0, len(list))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.InspectConcurrency)

	for _, c := range list {
		id := c.ID
		g.Go(func() error {
			info, err := a.cli.ContainerInspect(gctx, id)
			if err != nil {
				// Gone between list and inspect.
				if errdefs.IsNotFound(err) {
					return nil
				}
				return classify(domain.KindRuntime, "failed to inspect container", err)
			}

			rc := domain.RuntimeContainer{
				ID:   info.ID,
				Name: strings.TrimPrefix(info.Name, "/"),
			}
			if info.Config != nil {
				rc.Image = info.Config.Image
			}
			if info.NetworkSettings != nil {
				rc.Ports = portTable(info.NetworkSettings.Ports)
			}

			mu.Lock()
			result = append(result, rc)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ImageTags returns the repo:tag strings of every local image.
func (a *Adapter) ImageTags(ctx context.Context) ([]string, error) {
	images, err := a.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, classify(domain.KindRuntime, "failed to list images", err)
	}

	var tags []string
	for _, img := range images {
		tags = append(tags, img.RepoTags...)
	}
	return tags, nil
}

// PullImage pulls ref and waits for the pull to complete.
func (a *Adapter) PullImage(ctx context.Context, ref string) error {
	reader, err := a.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify(domain.KindImagePullFailed, fmt.Sprintf("failed to pull image %s", ref), err)
	}
	defer reader.Close()

	// Pull errors arrive inside the progress stream, not as an API error.
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return classify(domain.KindImagePullFailed, fmt.Sprintf("failed to pull image %s", ref), err)
	}

	a.log.WithField("image", ref).Info("Image pulled")
	return nil
}

// RunContainer creates and starts a container; a container that fails to
// start is removed again.
func (a *Adapter) RunContainer(ctx context.Context, spec domain.RunSpec) (domain.Container, error) {
	containerPort, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return domain.Container{}, domain.WrapError(domain.KindInvalidRequest, "invalid container port", err)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: m.Source,
			Target: m.Target,
		})
	}

	hostCfg := &container.HostConfig{
		AutoRemove: true,
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{
				HostIP:   spec.HostIP,
				HostPort: strconv.Itoa(spec.HostPort),
			}},
		},
		Mounts: mounts,
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}

	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return domain.Container{}, classifyCreate(spec.Name, err)
	}

	for _, w := range resp.Warnings {
		a.log.WithField("container_id", resp.ID).Warn(w)
	}

	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := a.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil && !errdefs.IsNotFound(rmErr) {
			a.log.WithError(rmErr).WithField("container_id", resp.ID).Warn("Failed to remove container after start failure")
		}
		return domain.Container{}, classifyStart(spec.HostPort, err)
	}

	info, err := a.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return domain.Container{}, classify(domain.KindRuntime, "failed to inspect new container", err)
	}

	c := domain.Container{
		ID:        info.ID,
		Name:      strings.TrimPrefix(info.Name, "/"),
		Image:     spec.Image,
		Port:      spec.HostPort,
		CreatedAt: parseTime(info.Created),
	}
	if info.Config != nil {
		c.Image = info.Config.Image
	}
	if info.State != nil {
		c.State = info.State.Status
	}
	return c, nil
}

// StopContainer stops a running container.
func (a *Adapter) StopContainer(ctx context.Context, id string) error {
	opts := container.StopOptions{}
	if a.opts.StopTimeout > 0 {
		secs := int(a.opts.StopTimeout.Seconds())
		opts.Timeout = &secs
	}

	if err := a.cli.ContainerStop(ctx, id, opts); err != nil {
		return classifyContainer(id, "failed to stop container", err)
	}
	return nil
}

// InspectContainer returns the runtime's state record for id.
func (a *Adapter) InspectContainer(ctx context.Context, id string) (domain.ContainerStatus, error) {
	info, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		return domain.ContainerStatus{}, classifyContainer(id, "failed to inspect container", err)
	}

	status := domain.ContainerStatus{
		ID:        info.ID,
		Name:      strings.TrimPrefix(info.Name, "/"),
		CreatedAt: parseTime(info.Created),
	}
	if info.Config != nil {
		status.Image = info.Config.Image
		status.Labels = info.Config.Labels
	}
	if info.State != nil {
		status.Status = info.State.Status
		status.Running = info.State.Running
		status.ExitCode = info.State.ExitCode
		status.Error = info.State.Error
		status.StartedAt = parseTime(info.State.StartedAt)
		status.FinishedAt = parseTime(info.State.FinishedAt)
	}
	if info.NetworkSettings != nil {
		status.Ports = portTable(info.NetworkSettings.Ports)
	}
	return status, nil
}

// ContainerLogs returns stdout and stderr demultiplexed into one text stream.
func (a *Adapter) ContainerLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := a.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, classifyContainer(id, "failed to read container logs", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, fmt.Errorf("demultiplexing container logs: %w", err)
	}
	return io.NopCloser(&buf), nil
}

// Prune removes stopped containers and unused volumes carrying the managed
// label. Other workloads on the host are left alone.
func (a *Adapter) Prune(ctx context.Context) (domain.PruneReport, error) {
	var report domain.PruneReport
	args := pruneFilters(a.opts.ManagedLabel)

	containers, err := a.cli.ContainersPrune(ctx, args)
	if err != nil {
		return report, classify(domain.KindRuntime, "failed to prune containers", err)
	}
	report.ContainersDeleted = containers.ContainersDeleted
	report.SpaceReclaimed += containers.SpaceReclaimed

	volumes, err := a.cli.VolumesPrune(ctx, args)
	if err != nil {
		return report, classify(domain.KindRuntime, "failed to prune volumes", err)
	}
	report.VolumesDeleted = volumes.VolumesDeleted
	report.SpaceReclaimed += volumes.SpaceReclaimed

	return report, nil
}

func pruneFilters(label string) filters.Args {
	return filters.NewArgs(filters.Arg("label", label))
}

func portTable(pm nat.PortMap) domain.PortTable {
	if pm == nil {
		return nil
	}
	table := make(domain.PortTable, len(pm))
	for port, bindings := range pm {
		var out []domain.PortBinding
		for _, b := range bindings {
			out = append(out, domain.PortBinding{HostIP: b.HostIP, HostPort: b.HostPort})
		}
		table[string(port)] = out
	}
	return table
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ ports.ContainerRuntime = (*Adapter)(nil)
