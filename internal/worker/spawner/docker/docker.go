// Package docker implements the `docker` Spawner variant (spec §5): one
// container per job for stronger isolation than the `native` re-exec
// spawner, adapted from the teacher's container lifecycle code
// (internal/orchestrator/docker) with the sidecar/volume/artifact
// machinery dropped — a job-callable container only needs stdin/stdout,
// not a staging area.
package docker

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/dcm-common/orchestra/internal/registry"
	"github.com/dcm-common/orchestra/internal/report"
	"github.com/dcm-common/orchestra/internal/worker"
)

// Config configures the Spawner.
type Config struct {
	Image      string // image running the orchestra-worker entrypoint
	ExtraHosts []string
}

// Spawner runs each job in its own container.
type Spawner struct {
	client *client.Client
	cfg    Config
}

// New constructs a Spawner using an ambient Docker client configuration
// (DOCKER_HOST and friends via client.FromEnv, mirroring the teacher's
// NewOrchestrator).
func New(cfg Config) (*Spawner, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker spawner: new client: %w", err)
	}
	return &Spawner{client: c, cfg: cfg}, nil
}

type process struct {
	client      *client.Client
	containerID string
	updates     chan report.Report
	done        chan struct{}
	final       report.Report
	err         error
	mu          sync.Mutex
}

// Spawn starts a container running the named job-callable against cfg,
// passing the JobConfig as a base64-encoded env var (containers have no
// stdin pipe equivalent to os/exec's, so the wire format differs from the
// native spawner while the NDJSON Report protocol on stdout stays the
// same).
func (s *Spawner) Spawn(ctx context.Context, callable string, cfg registry.JobConfig, host string) (worker.Process, error) {
	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("docker spawner: marshal jobconfig: %w", err)
	}

	containerConfig := &container.Config{
		Image: s.cfg.Image,
		Env: []string{
			"ORCHESTRA_CALLABLE=" + callable,
			"ORCHESTRA_HOST=" + host,
			"ORCHESTRA_JOB_CONFIG=" + base64.StdEncoding.EncodeToString(body),
		},
		Labels: map[string]string{
			"orchestra.token":      cfg.Token.Value,
			"orchestra.managed-by": "orchestra-worker",
		},
	}
	hostConfig := &container.HostConfig{ExtraHosts: s.cfg.ExtraHosts}

	resp, err := s.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("docker spawner: create: %w", err)
	}
	if err := s.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("docker spawner: start: %w", err)
	}

	p := &process{client: s.client, containerID: resp.ID, updates: make(chan report.Report, 1), done: make(chan struct{})}
	go p.watch(ctx)
	return p, nil
}

func (p *process) watch(ctx context.Context) {
	defer close(p.done)
	defer close(p.updates)

	logs, err := p.client.ContainerLogs(ctx, p.containerID, container.LogsOptions{ShowStdout: true, Follow: true})
	if err == nil {
		p.streamLogs(logs)
		_ = logs.Close()
	}

	statusCh, errCh := p.client.ContainerWait(ctx, p.containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		p.mu.Lock()
		if status.StatusCode != 0 {
			p.err = fmt.Errorf("docker spawner: container exited with status %d", status.StatusCode)
		}
		p.mu.Unlock()
	case err := <-errCh:
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	case <-ctx.Done():
	}
}

// streamLogs decodes one NDJSON Report per line from the container's
// multiplexed log stream, matching the native spawner's wire protocol.
func (p *process) streamLogs(logs io.Reader) {
	scanner := bufio.NewScanner(logs)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := stripDockerLogHeader(scanner.Bytes())
		var snapshot report.Report
		if json.Unmarshal(line, &snapshot) != nil {
			continue
		}
		p.mu.Lock()
		p.final = snapshot
		p.mu.Unlock()
		select {
		case p.updates <- snapshot:
		default:
		}
	}
}

// stripDockerLogHeader drops the 8-byte multiplexed stream header Docker
// prepends to each log frame when the container has no TTY attached.
func stripDockerLogHeader(line []byte) []byte {
	if len(line) > 8 {
		return line[8:]
	}
	return line
}

func (p *process) Updates() <-chan report.Report { return p.updates }

func (p *process) RequestAbort() error {
	return p.client.ContainerStop(context.Background(), p.containerID, container.StopOptions{})
}

func (p *process) Kill() error {
	return p.client.ContainerKill(context.Background(), p.containerID, "SIGKILL")
}

func (p *process) Wait() (report.Report, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.final, p.err
}
