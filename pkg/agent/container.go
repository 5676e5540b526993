package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/holon-run/harness/pkg/bus"
	harnesslog "github.com/holon-run/harness/pkg/log"
)

// ContainerWorkdir is where the thread's directory is mounted.
const ContainerWorkdir = "/workspace"

// ContainerAPI is the subset of the docker client used by ContainerRunner.
type ContainerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

var _ ContainerAPI = (*client.Client)(nil)

// ContainerRunner runs each prompt in a fresh container and streams its
// stdout lines as assistant text.
type ContainerRunner struct {
	API   ContainerAPI
	Image string
	Env   []string
	Bus   bus.Publisher
	// Pull fetches the image before the first run.
	Pull bool

	pullOnce sync.Once
}

// NewContainerRunner connects to the docker daemon from the environment.
func NewContainerRunner(imageRef string, env []string, pub bus.Publisher) (*ContainerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &ContainerRunner{API: cli, Image: imageRef, Env: env, Bus: pub, Pull: true}, nil
}

func (r *ContainerRunner) pull(ctx context.Context) {
	r.pullOnce.Do(func() {
		if !r.Pull {
			return
		}
		reader, err := r.API.ImagePull(ctx, r.Image, image.PullOptions{})
		if err != nil {
			harnesslog.Warn("failed to pull agent image; using local copy", "image", r.Image, "error", err)
			return
		}
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
	})
}

func (r *ContainerRunner) Run(ctx context.Context, req RunRequest) error {
	r.pull(ctx)

	workdir, err := filepath.Abs(req.Directory)
	if err != nil {
		return fmt.Errorf("resolve workspace %s: %w", req.Directory, err)
	}
	env := append([]string{
		"HARNESS_SESSION_ID=" + req.SessionID,
		"HARNESS_MODEL=" + req.Model.String(),
		"HARNESS_AGENT=" + req.Agent,
	}, r.Env...)

	resp, err := r.API.ContainerCreate(ctx, &container.Config{
		Image:      r.Image,
		Cmd:        []string{req.Text()},
		Env:        env,
		WorkingDir: ContainerWorkdir,
		Tty:        false,
	}, &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workdir,
			Target: ContainerWorkdir,
		}},
	}, nil, nil, "")
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		// The run context may already be cancelled.
		if err := r.API.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			harnesslog.Debug("failed to remove agent container", "container", resp.ID, "error", err)
		}
	}()

	if err := r.API.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return r.classify(ctx, fmt.Errorf("failed to start container: %w", err))
	}

	logs, err := r.API.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return r.classify(ctx, fmt.Errorf("failed to stream container logs: %w", err))
	}
	defer logs.Close()

	streamed := make(chan struct{})
	go func() {
		defer close(streamed)
		r.stream(req.SessionID, logs)
	}()

	statusCh, errCh := r.API.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var runErr error
	select {
	case err := <-errCh:
		if err != nil {
			runErr = r.classify(ctx, fmt.Errorf("container wait error: %w", err))
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			runErr = fmt.Errorf("container failed with exit code %d", status.StatusCode)
		}
	case <-ctx.Done():
		runErr = fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
	}
	if runErr != nil {
		_ = logs.Close()
	}
	<-streamed
	return runErr
}

func (r *ContainerRunner) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return err
}

// stream demultiplexes the docker log stream and publishes stdout lines.
// Stderr is logged.
func (r *ContainerRunner) stream(sessionID string, logs io.Reader) {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, logs)
		_ = stdoutW.CloseWithError(err)
		_ = stderrW.CloseWithError(err)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderrR)
		for scanner.Scan() {
			harnesslog.Debug("agent container stderr", "session", sessionID, "line", scanner.Text())
		}
		_, _ = io.Copy(io.Discard, stderrR)
	}()

	part := bus.Part{ID: "prt_" + uuid.NewString(), SessionID: sessionID, MessageID: "msg_" + uuid.NewString(), Kind: bus.PartText}
	reader := bufio.NewReader(stdoutR)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			r.Bus.Publish(bus.PartUpdated{Part: part, Delta: line})
		}
		if err != nil {
			break
		}
	}
	_, _ = io.Copy(io.Discard, stdoutR)
	wg.Wait()
}
