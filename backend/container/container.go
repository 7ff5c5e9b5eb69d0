// Package container implements backend.Backend by bringing up an
// ephemeral SLURM cluster from containers on the invoking host, for
// pipelines that have no real cluster to submit to (local development,
// CI smoke tests).
//
// Grounded on the Docker SDK wiring in
// Noldarim-noldarim/pkg/containers/docker/client.go — the richest Docker
// client in the example pack — generalized from "run one task container"
// to "bring up a controller plus N worker containers wired together on a
// bridge network."
package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"kennel/backend"
	"kennel/log"
	"kennel/transport"
	"kennel/transport/sftpfs"
)

func init() {
	backend.Register("Container", func(options map[string]any) (backend.Backend, error) {
		return NewFromOptions(options)
	})
}

const (
	networkName      = "kennel-cluster"
	readyMarker      = "/mnt/nfs/controller.ready"
	controllerPrefix = "kennel-controller-"
	workerLabelKey   = "kennel.role"
	workerLabelVal   = "worker"
)

// Config is the backend.type: Container config block.
type Config struct {
	Image           string
	WorkerCount     int
	ControllerSetup string // extra script run inside the controller once ready
	ComputeSetup    string // extra script run inside each worker once ready
	Logger          log.LibraryLogger
}

// Backend brings up and tears down an ephemeral, containerized SLURM
// cluster for a single orchestrator run.
type Backend struct {
	cfg    Config
	logger log.LibraryLogger

	docker        *client.Client
	controllerID  string
	workerIDs     []string
	hostPort      int
	bindMountDir  string
	sshUser       string
	sshKeyPath    string
}

// NewFromOptions builds a Backend from a config.TypedOptions.Options map.
func NewFromOptions(options map[string]any) (backend.Backend, error) {
	cfg := Config{Image: "giulianboezio/slurm-docker-cluster:latest", WorkerCount: 1}
	if v, ok := options["image"].(string); ok && v != "" {
		cfg.Image = v
	}
	if v, ok := options["worker_count"].(int); ok {
		cfg.WorkerCount = v
	}
	if v, ok := options["controller_setup"].(string); ok {
		cfg.ControllerSetup = v
	}
	if v, ok := options["compute_setup"].(string); ok {
		cfg.ComputeSetup = v
	}
	return New(cfg), nil
}

// New returns a container backend for cfg. Nothing is brought up until
// Enter is called.
func New(cfg Config) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = &log.NoOpLogger{}
	}
	return &Backend{cfg: cfg, logger: logger}
}

// Enter runs the 8-step bring-up sequence: find a free host port, create a
// bind-mounted temp directory, ensure the bridge network exists, pull the
// cluster image, launch the controller, poll its logs until the ready
// marker appears, enumerate (and count-validate) worker containers, then
// optionally dispatch controller/compute setup scripts, awaiting all of
// them together.
func (b *Backend) Enter(ctx context.Context) error {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return &backend.ClusterStartupError{Op: "docker-client", Err: err}
	}
	b.docker = dockerClient

	port, err := freePort()
	if err != nil {
		return &backend.ClusterStartupError{Op: "free-port", Err: err}
	}
	b.hostPort = port

	dir, err := os.MkdirTemp("", "kennel-cluster-*")
	if err != nil {
		return &backend.ClusterStartupError{Op: "bind-mount-dir", Err: err}
	}
	b.bindMountDir = dir

	if err := b.ensureNetwork(ctx); err != nil {
		return &backend.ClusterStartupError{Op: "network", Err: err}
	}

	if err := b.pullImage(ctx); err != nil {
		return &backend.ClusterStartupError{Op: "image-pull", Err: err}
	}

	if err := b.launchController(ctx); err != nil {
		return &backend.ClusterStartupError{Op: "controller-launch", Err: err}
	}

	if err := b.waitForReadyMarker(ctx); err != nil {
		return &backend.ClusterStartupError{Op: "controller-ready", Err: err}
	}

	if err := b.enumerateWorkers(ctx); err != nil {
		return &backend.ClusterStartupError{Op: "worker-enumeration", Err: err}
	}

	if err := b.dispatchSetupScripts(ctx); err != nil {
		return &backend.ClusterStartupError{Op: "setup-dispatch", Err: err}
	}

	b.sshUser = "root"
	return nil
}

func (b *Backend) ensureNetwork(ctx context.Context) error {
	args := filters.NewArgs()
	args.Add("name", networkName)
	list, err := b.docker.NetworkList(ctx, network.ListOptions{Filters: args})
	if err != nil {
		return err
	}
	for _, n := range list {
		if n.Name == networkName {
			return nil
		}
	}
	_, err = b.docker.NetworkCreate(ctx, networkName, network.CreateOptions{Driver: "bridge"})
	return err
}

func (b *Backend) pullImage(ctx context.Context) error {
	reader, err := b.docker.ImagePull(ctx, b.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	// Drain the pull's progress stream; we don't render it, just need the
	// pull to complete before the controller container starts from it.
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (b *Backend) launchController(ctx context.Context) error {
	portKey := nat.Port("22/tcp")
	resp, err := b.docker.ContainerCreate(ctx,
		&container.Config{
			Image:        b.cfg.Image,
			Labels:       map[string]string{workerLabelKey: "controller"},
			ExposedPorts: nat.PortSet{portKey: struct{}{}},
			Cmd:          []string{"/usr/sbin/sshd", "-D"},
		},
		&container.HostConfig{
			Binds:        []string{fmt.Sprintf("%s:/mnt/nfs", b.bindMountDir)},
			NetworkMode:  container.NetworkMode(networkName),
			PortBindings: nat.PortMap{portKey: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(b.hostPort)}}},
		},
		&network.NetworkingConfig{},
		nil,
		controllerPrefix+strconv.Itoa(b.hostPort),
	)
	if err != nil {
		return err
	}
	b.controllerID = resp.ID
	return b.docker.ContainerStart(ctx, b.controllerID, container.StartOptions{})
}

// waitForReadyMarker checks every 5 seconds (via `test -f` exec'd in the
// controller) for the sentinel marker file the cluster's entrypoint
// touches once SLURM accepts submissions; the controller's logs are not
// read. The same bounded-polling shape as
// build/bootstrap.go's "wait for a toolchain to be staged" loop,
// generalized to a different sentinel condition.
func (b *Backend) waitForReadyMarker(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		ready, err := b.checkReadyMarker(ctx)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Backend) checkReadyMarker(ctx context.Context) (bool, error) {
	execResp, err := b.docker.ContainerExecCreate(ctx, b.controllerID, container.ExecOptions{
		Cmd:          []string{"test", "-f", readyMarker},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return false, err
	}
	attach, err := b.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return false, err
	}
	defer attach.Close()
	var buf bytes.Buffer
	buf.ReadFrom(attach.Reader)

	inspect, err := b.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return false, err
	}
	return inspect.ExitCode == 0, nil
}

func (b *Backend) enumerateWorkers(ctx context.Context) error {
	args := filters.NewArgs()
	args.Add("label", fmt.Sprintf("%s=%s", workerLabelKey, workerLabelVal))
	containers, err := b.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return err
	}
	b.workerIDs = nil
	for _, c := range containers {
		b.workerIDs = append(b.workerIDs, c.ID)
	}
	if len(b.workerIDs) < b.cfg.WorkerCount {
		return fmt.Errorf("expected %d worker containers, found %d", b.cfg.WorkerCount, len(b.workerIDs))
	}
	return nil
}

// dispatchSetupScripts runs the configured controller/compute setup
// scripts (if any) inside the controller and every worker, awaiting all
// of them together via a WaitGroup before Enter returns.
func (b *Backend) dispatchSetupScripts(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, 0)
	var mu sync.Mutex

	dispatch := func(containerID, script string) {
		defer wg.Done()
		if script == "" {
			return
		}
		if err := b.execScript(ctx, containerID, script); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}

	if b.cfg.ControllerSetup != "" {
		wg.Add(1)
		go dispatch(b.controllerID, b.cfg.ControllerSetup)
	}
	for _, workerID := range b.workerIDs {
		if b.cfg.ComputeSetup == "" {
			continue
		}
		wg.Add(1)
		go dispatch(workerID, b.cfg.ComputeSetup)
	}
	wg.Wait()

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (b *Backend) execScript(ctx context.Context, containerID, script string) error {
	execResp, err := b.docker.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"/bin/bash", "-c", script},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return err
	}
	attach, err := b.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return err
	}
	defer attach.Close()
	io.Copy(io.Discard, attach.Reader)

	inspect, err := b.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return err
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("setup script exited %d in container %s", inspect.ExitCode, containerID)
	}
	return nil
}

// Exit stops and removes every container this backend created, and the
// bind-mounted temp directory; the bridge network is left in place for
// the next run to reuse. Idempotent: tolerates
// partial bring-up (Enter returning early with some resources unset).
func (b *Backend) Exit() error {
	if b.docker == nil {
		return nil
	}
	ctx := context.Background()

	for _, id := range append([]string{b.controllerID}, b.workerIDs...) {
		if id == "" {
			continue
		}
		if err := b.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			b.logger.Warn("container backend: error removing container %s: %v", id, err)
		}
	}
	if b.bindMountDir != "" {
		if err := os.RemoveAll(b.bindMountDir); err != nil {
			b.logger.Warn("container backend: error removing bind mount dir %s: %v", b.bindMountDir, err)
		}
	}
	if err := b.docker.Close(); err != nil {
		b.logger.Warn("container backend: error closing docker client: %v", err)
	}
	b.docker = nil
	return nil
}

// Transport opens an SFTP session to the controller container, reached on
// localhost at the port published during Enter.
func (b *Backend) Transport(ctx context.Context) (transport.Transport, error) {
	return sftpfs.Dial(sftpfs.Config{
		Host:        "127.0.0.1",
		Port:        b.hostPort,
		User:        b.sshUser,
		Password:    "screencast",
		DialTimeout: 30 * time.Second,
	})
}

func (b *Backend) Invoke(ctx context.Context, command string, opts backend.InvokeOptions) (backend.InvokeResult, error) {
	execConfig := container.ExecOptions{
		Cmd:          []string{"/bin/bash", "-c", command},
		WorkingDir:   opts.WorkDir,
		Env:          envMapToSlice(opts.Env),
		AttachStdout: true,
		AttachStderr: true,
	}
	start := time.Now()
	execResp, err := b.docker.ContainerExecCreate(ctx, b.controllerID, execConfig)
	if err != nil {
		return backend.InvokeResult{}, &backend.CommandError{Op: "exec-create", Command: command, Err: err}
	}
	attach, err := b.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return backend.InvokeResult{}, &backend.CommandError{Op: "exec-attach", Command: command, Err: err}
	}
	defer attach.Close()

	var out bytes.Buffer
	out.ReadFrom(attach.Reader)

	inspect, err := b.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return backend.InvokeResult{}, &backend.CommandError{Op: "exec-inspect", Command: command, Err: err}
	}
	return backend.InvokeResult{ExitCode: inspect.ExitCode, Stdout: out.String(), Duration: time.Since(start)}, nil
}

// InvokeTTY shells out to `docker exec -it` directly, never through the
// SDK, so the user's own terminal attaches (spec.md §4.2).
func (b *Backend) InvokeTTY(ctx context.Context, command string) error {
	return execDockerTTY(ctx, b.controllerID, command)
}

func (b *Backend) Sbatch(ctx context.Context, scriptPath string, flags map[string]any) (backend.BatchID, error) {
	cmd := "sbatch --parsable"
	for k, v := range flags {
		cmd += fmt.Sprintf(" --%s=%v", k, v)
	}
	cmd += " " + scriptPath
	result, err := b.Invoke(ctx, cmd, backend.InvokeOptions{})
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(result.Stdout)
	if idx := strings.Index(id, ";"); idx != -1 {
		id = id[:idx]
	}
	return backend.BatchID(id), nil
}

func (b *Backend) Sacct(ctx context.Context, batchID backend.BatchID) (backend.AcctTable, error) {
	cmd := fmt.Sprintf("sacct -j %s --format=JobID,State,ExitCode,Elapsed --parsable2 --noheader", batchID)
	result, err := b.Invoke(ctx, cmd, backend.InvokeOptions{})
	if err != nil {
		return nil, err
	}
	return parseSacct(result.Stdout), nil
}

func (b *Backend) PackBatchScript(ctx context.Context, lines []string, scriptPath string) (string, error) {
	var body strings.Builder
	body.WriteString("#!/bin/bash\n")
	for _, line := range lines {
		body.WriteString(line)
		body.WriteString("\n")
	}
	cmd := fmt.Sprintf("mkdir -p $(dirname %s) && cat > %s << 'KENNEL_SCRIPT_EOF'\n%sKENNEL_SCRIPT_EOF\nchmod 0755 %s",
		scriptPath, scriptPath, body.String(), scriptPath)
	result, err := b.Invoke(ctx, cmd, backend.InvokeOptions{})
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", &backend.CommandError{Op: "pack-batch-script", Command: scriptPath, Err: fmt.Errorf("exit %d", result.ExitCode)}
	}
	return scriptPath, nil
}

// WaitForClusterReady is satisfied by Enter's own bring-up sequence; by
// the time Enter returns successfully the cluster already accepts
// submissions, so this only needs to handle the elastic (zero-worker)
// case, which this backend never produces.
func (b *Backend) WaitForClusterReady(ctx context.Context, elastic bool) error { return nil }

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func envMapToSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func parseSacct(output string) backend.AcctTable {
	table := make(backend.AcctTable)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 4 {
			continue
		}
		jobID := fields[0]
		if strings.Contains(jobID, ".") {
			continue
		}
		taskIdx := jobID
		if underscore := strings.Index(jobID, "_"); underscore != -1 {
			taskIdx = jobID[underscore+1:]
		}
		table[taskIdx] = backend.TaskAccounting{JobID: jobID, State: fields[1], ExitCode: fields[2], Elapsed: fields[3]}
	}
	return table
}

var _ backend.Backend = (*Backend)(nil)
