package grader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/andrewstec/classy/autotest/queue"
)

// ErrTimeout marks a container that exceeded its deliverable timeout.
var ErrTimeout = errors.New("grader: container timed out")

// reportRelPath is where grading images leave their structured report,
// relative to the mounted workspace.
const reportRelPath = "output/report.json"

// maxLogBytes caps the stdio captured onto the result record.
const maxLogBytes = 64 * 1024

// RunSpec describes one container execution.
type RunSpec struct {
	Image        string
	WorkspaceDir string
	Timeout      time.Duration
	Env          []string
}

// Runtime runs one grading container to completion and returns the
// report it produced, plus collected stdio.
type Runtime interface {
	Run(ctx context.Context, spec RunSpec) (*queue.GradeReport, string, error)
}

// DockerRuntime implements Runtime against a Docker daemon. The client
// handle is shared read-only across jobs.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the daemon. A host with an http, https
// or tcp scheme selects a TCP endpoint, with TLS when certificates are
// configured; an empty host falls back to the environment (local
// socket).
func NewDockerRuntime(host, certPath, keyPath, caPath string) (*DockerRuntime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}

	if host == "" {
		opts = append(opts, client.FromEnv)
	} else {
		tcpHost, useTLS, err := dockerEndpoint(host, certPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithHost(tcpHost))
		if useTLS {
			if certPath == "" || keyPath == "" {
				return nil, fmt.Errorf("grader: docker TLS requested but certificate paths are unset")
			}
			opts = append(opts, client.WithTLSClientConfig(caPath, certPath, keyPath))
		}
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &DockerRuntime{cli: cli}, nil
}

// dockerEndpoint normalizes the configured host to a tcp endpoint and
// reports whether TLS should be used. https always means TLS; http and
// tcp use TLS whenever certificates are configured.
func dockerEndpoint(host, certPath string) (string, bool, error) {
	switch {
	case strings.HasPrefix(host, "https://"):
		return "tcp://" + strings.TrimPrefix(host, "https://"), true, nil
	case strings.HasPrefix(host, "http://"):
		return "tcp://" + strings.TrimPrefix(host, "http://"), certPath != "", nil
	case strings.HasPrefix(host, "tcp://"):
		return host, certPath != "", nil
	default:
		return "", false, fmt.Errorf("grader: unsupported docker host %q", host)
	}
}

// Run creates and starts the container with the workspace bind-mounted
// at /assn, waits for exit or timeout, reads the report and removes
// the container. Whatever happens, the container does not outlive the
// call.
func (d *DockerRuntime) Run(ctx context.Context, spec RunSpec) (*queue.GradeReport, string, error) {
	created, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
	}, &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: spec.WorkspaceDir,
				Target: "/assn",
			},
		},
		NetworkMode: "none",
	}, nil, nil, "")
	if err != nil {
		return nil, "", fmt.Errorf("grader: create container: %w", err)
	}
	id := created.ID

	defer func() {
		removeOpts := types.ContainerRemoveOptions{RemoveVolumes: true, Force: true}
		if err := d.cli.ContainerRemove(context.Background(), id, removeOpts); err != nil {
			log.Printf("grader: remove container %s: %v", id, err)
		}
	}()

	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return nil, "", fmt.Errorf("grader: start container: %w", err)
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	statusCh, errCh := d.cli.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		logs := d.collectLogs(id)
		if errors.Is(err, context.DeadlineExceeded) || waitCtx.Err() != nil {
			stopTimeout := 5 * time.Second
			if stopErr := d.cli.ContainerStop(context.Background(), id, &stopTimeout); stopErr != nil {
				log.Printf("grader: stop timed-out container %s: %v", id, stopErr)
			}
			return nil, logs, ErrTimeout
		}
		return nil, logs, fmt.Errorf("grader: wait on container: %w", err)
	case <-statusCh:
	}

	logs := d.collectLogs(id)
	report, err := readReport(spec.WorkspaceDir)
	if err != nil {
		// A missing or unparsable report is a failed grading run, not a
		// runtime error.
		log.Printf("grader: no report from container %s: %v", id, err)
		return nil, logs, nil
	}
	return report, logs, nil
}

func (d *DockerRuntime) collectLogs(id string) string {
	rc, err := d.cli.ContainerLogs(context.Background(), id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return ""
	}
	defer rc.Close()
	data, _ := io.ReadAll(io.LimitReader(rc, maxLogBytes))
	return string(data)
}

func readReport(workspaceDir string) (*queue.GradeReport, error) {
	data, err := os.ReadFile(filepath.Join(workspaceDir, filepath.FromSlash(reportRelPath)))
	if err != nil {
		return nil, err
	}
	var report queue.GradeReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
