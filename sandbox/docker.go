package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/pennylabs/penny"
)

const agentPort = "9000/tcp"

// DockerRunner runs each session in its own container with hard resource
// caps: no network unless allowed, read-only rootfs, tmpfs scratch, memory
// and cpu ceilings. Code execution inside the container is delegated to the
// penny-sandbox agent over HTTP.
type DockerRunner struct {
	docker   *client.Client
	sessions *Manager
	policy   *Policy

	image         string
	maxMemoryMB   int64
	maxCPUPercent int64
	scratchBytes  int64
	logger        *slog.Logger

	cmu     sync.Mutex
	clients map[string]*Client // session id -> agent client
}

// DockerOption configures a DockerRunner.
type DockerOption func(*DockerRunner)

// DockerImage sets the sandbox image (default "penny/sandbox:latest").
func DockerImage(image string) DockerOption {
	return func(r *DockerRunner) { r.image = image }
}

// DockerResources sets the per-container memory and cpu caps.
func DockerResources(memMB, cpuPercent int) DockerOption {
	return func(r *DockerRunner) {
		r.maxMemoryMB = int64(memMB)
		r.maxCPUPercent = int64(cpuPercent)
	}
}

// DockerScratchSize caps the writable tmpfs mount (default 64MB).
func DockerScratchSize(bytes int64) DockerOption {
	return func(r *DockerRunner) { r.scratchBytes = bytes }
}

func DockerLogger(l *slog.Logger) DockerOption {
	return func(r *DockerRunner) { r.logger = l }
}

// NewDockerRunner connects to the local docker daemon and builds a runner
// whose sessions expire after sessionTTL idle.
func NewDockerRunner(policy *Policy, sessionTTL time.Duration, opts ...DockerOption) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, penny.WrapErr(penny.CodeUnavailable, err)
	}
	r := &DockerRunner{
		docker:        cli,
		policy:        policy,
		image:         "penny/sandbox:latest",
		maxMemoryMB:   512,
		maxCPUPercent: 50,
		scratchBytes:  64 << 20,
		clients:       make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	r.sessions = NewManager(sessionTTL,
		ManagerTeardown(r.teardownSession),
		ManagerLogger(r.logger),
	)
	return r, nil
}

// Execute runs one request in the session's container, creating the
// container on first use. The policy check happens before anything starts.
func (r *DockerRunner) Execute(ctx context.Context, req Request) (Result, error) {
	agent, sess, err := r.admit(ctx, req)
	if err != nil {
		return Result{}, err
	}
	defer sess.Unlock()
	return agent.Execute(ctx, req)
}

// ExecuteStream is Execute with typed event streaming.
func (r *DockerRunner) ExecuteStream(ctx context.Context, req Request, ch chan<- Event) (Result, error) {
	agent, sess, err := r.admit(ctx, req)
	if err != nil {
		ch <- Event{Type: EventError, Code: string(penny.CodeOf(err)), Message: err.Error()}
		close(ch)
		return Result{}, err
	}
	defer sess.Unlock()
	return agent.ExecuteStream(ctx, req, ch)
}

// admit runs the policy check, acquires the session, and ensures its
// container is up. The session is returned locked.
func (r *DockerRunner) admit(ctx context.Context, req Request) (*Client, *Session, error) {
	if err := r.policy.Check(req.Code); err != nil {
		return nil, nil, err
	}
	sess, err := r.sessions.Get(req.SessionID)
	if err != nil {
		return nil, nil, err
	}
	sess.Lock()
	agent, err := r.ensureContainer(ctx, sess, req.AllowNet)
	if err != nil {
		sess.Unlock()
		return nil, nil, err
	}
	return agent, sess, nil
}

// ensureContainer starts the session's container if it is not already
// running. Caller holds the session lock.
func (r *DockerRunner) ensureContainer(ctx context.Context, sess *Session, allowNet bool) (*Client, error) {
	if sess.ContainerID != "" {
		r.cmu.Lock()
		agent, ok := r.clients[sess.ID]
		r.cmu.Unlock()
		if ok && agent.Healthy(ctx) {
			return agent, nil
		}
		// Container died underneath us; replace it.
		r.removeContainer(ctx, sess.ContainerID)
		sess.ContainerID = ""
	}

	netMode := container.NetworkMode("none")
	if allowNet {
		netMode = container.NetworkMode("bridge")
	}
	cfg := &container.Config{
		Image: r.image,
		ExposedPorts: nat.PortSet{
			nat.Port(agentPort): struct{}{},
		},
		Env: []string{fmt.Sprintf("PENNY_SANDBOX_SESSION=%s", sess.ID)},
	}
	hostCfg := &container.HostConfig{
		ReadonlyRootfs: true,
		NetworkMode:    netMode,
		Tmpfs: map[string]string{
			"/workspace": fmt.Sprintf("rw,size=%d", r.scratchBytes),
			"/tmp":       "rw,size=16m",
		},
		Resources: container.Resources{
			Memory:   r.maxMemoryMB << 20,
			NanoCPUs: r.maxCPUPercent * 1e7, // percent of one core
		},
		PortBindings: nat.PortMap{
			nat.Port(agentPort): []nat.PortBinding{{HostIP: "127.0.0.1"}},
		},
		AutoRemove: false,
	}

	created, err := r.docker.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, "penny-sandbox-"+sess.ID)
	if err != nil {
		return nil, penny.WrapErr(penny.CodeUnavailable, err)
	}
	if err := r.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		r.removeContainer(ctx, created.ID)
		return nil, penny.WrapErr(penny.CodeUnavailable, err)
	}

	hostPort, err := r.agentHostPort(ctx, created.ID)
	if err != nil {
		r.removeContainer(ctx, created.ID)
		return nil, err
	}

	agent := NewClient("http://127.0.0.1:" + hostPort)
	if err := r.awaitHealthy(ctx, agent); err != nil {
		r.removeContainer(ctx, created.ID)
		return nil, err
	}

	sess.ContainerID = created.ID
	r.cmu.Lock()
	r.clients[sess.ID] = agent
	r.cmu.Unlock()
	r.logger.Info("sandbox container started", "session_id", sess.ID, "container_id", created.ID[:12])
	return agent, nil
}

// agentHostPort reads the dynamically bound host port for the agent.
func (r *DockerRunner) agentHostPort(ctx context.Context, containerID string) (string, error) {
	info, err := r.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", penny.WrapErr(penny.CodeUnavailable, err)
	}
	bindings := info.NetworkSettings.Ports[nat.Port(agentPort)]
	if len(bindings) == 0 {
		return "", penny.Errf(penny.CodeUnavailable, "sandbox agent port not bound")
	}
	return bindings[0].HostPort, nil
}

func (r *DockerRunner) awaitHealthy(ctx context.Context, agent *Client) error {
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if agent.Healthy(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return penny.WrapErr(penny.CodeCancelled, ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
	return penny.Errf(penny.CodeUnavailable, "sandbox agent did not become healthy")
}

// CloseSession destroys the session and its container.
func (r *DockerRunner) CloseSession(ctx context.Context, sessionID string) error {
	return r.sessions.Delete(ctx, sessionID)
}

// Shutdown tears down every live session.
func (r *DockerRunner) Shutdown(ctx context.Context) error {
	r.sessions.Close(ctx)
	return r.docker.Close()
}

func (r *DockerRunner) teardownSession(ctx context.Context, s *Session) {
	r.cmu.Lock()
	delete(r.clients, s.ID)
	r.cmu.Unlock()
	if s.ContainerID != "" {
		r.removeContainer(ctx, s.ContainerID)
	}
}

func (r *DockerRunner) removeContainer(ctx context.Context, id string) {
	timeout := 5
	if err := r.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		r.logger.Debug("container stop failed", "container_id", id[:12], "error", err)
	}
	if err := r.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Warn("container remove failed", "container_id", id[:12], "error", err)
	}
}

// compile-time check
var _ Runner = (*DockerRunner)(nil)
