// Package docker runs submissions in short-lived, network-less Docker
// containers. Interactive input crosses the container boundary as small JSON
// files in a per-session bind mount.
package docker

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/codebuddy/internal/sandbox"
	"github.com/michaelbrown/codebuddy/internal/sandbox/scratch"
)

// Name identifies the executor in config and run history.
const Name = "container"

const (
	codeMount   = "/sandbox/code"
	ioMount     = "/sandbox/io"
	sandboxUser = "65534:65534"

	// The shim gives up a little after the host would have answered "".
	shimTimeoutMargin = 5 * time.Second
	drainTimeout      = 2 * time.Second
	cleanupTimeout    = 10 * time.Second
)

//go:embed shims/sitecustomize.py
var pythonShim []byte

//go:embed shims/codebuddy_input.js
var nodeShim []byte

type shim struct {
	file string
	data []byte
}

var shims = map[sandbox.Language]shim{
	sandbox.Python:     {"sitecustomize.py", pythonShim},
	sandbox.JavaScript: {"codebuddy_input.js", nodeShim},
}

// Options configures an Executor.
type Options struct {
	Catalog      sandbox.Catalog
	Policy       sandbox.Policy
	InputTimeout time.Duration
	Logger       *logrus.Entry
}

// Executor runs each job in a fresh container.
type Executor struct {
	api          ContainerAPI
	root         *scratch.Root
	catalog      sandbox.Catalog
	policy       sandbox.Policy
	inputTimeout time.Duration
	log          *logrus.Entry
}

// New creates a container executor.
func New(api ContainerAPI, root *scratch.Root, opts Options) *Executor {
	if opts.Catalog == nil {
		opts.Catalog = sandbox.DefaultCatalog()
	}
	if opts.InputTimeout <= 0 {
		opts.InputTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "docker")
	}
	return &Executor{
		api:          api,
		root:         root,
		catalog:      opts.Catalog,
		policy:       opts.Policy,
		inputTimeout: opts.InputTimeout,
		log:          opts.Logger,
	}
}

func (e *Executor) Name() string { return Name }

func (e *Executor) Supports(lang sandbox.Language) bool {
	_, ok := e.catalog[lang]
	return ok
}

// Run executes job in a container and blocks until it exits or ctx is done.
// The container and the scratch directory are removed on every path.
func (e *Executor) Run(ctx context.Context, job sandbox.Job) (sandbox.Result, error) {
	spec, ok := e.catalog[job.Language]
	if !ok {
		return sandbox.Result{}, sandbox.Setup("select image", fmt.Errorf("unsupported language %q", job.Language))
	}
	if !e.policy.IsImageAllowed(spec.Image) {
		return sandbox.Result{}, sandbox.Setup("check image", fmt.Errorf("image %q not in allowlist", spec.Image))
	}

	dir, err := e.root.Create(job.SessionID)
	if err != nil {
		return sandbox.Result{}, sandbox.Setup("create scratch", err)
	}
	log := e.log.WithField("session", job.SessionID)
	defer func() {
		if err := dir.Remove(); err != nil {
			log.Warnf("removing scratch dir: %v", err)
		}
	}()

	codeDir, ioDir, err := prepare(dir, spec, job.Source)
	if err != nil {
		return sandbox.Result{}, sandbox.Setup("prepare scratch", err)
	}

	id, err := e.create(ctx, job.SessionID, spec, codeDir, ioDir)
	if err != nil {
		if ctx.Err() != nil {
			return forced(ctx), nil
		}
		return sandbox.Result{}, sandbox.Setup("create container", err)
	}
	log = log.WithField("container", shortID(id))
	defer e.remove(id, log)

	watchCtx, stopWatch := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		newInputWatcher(ioDir, job.SessionID, job.Input, log).run(watchCtx)
	}()
	defer func() {
		stopWatch()
		<-watchDone
	}()

	if err := e.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if ctx.Err() != nil {
			return forced(ctx), nil
		}
		return sandbox.Result{}, sandbox.Setup("start container", err)
	}
	log.Debug("container started")

	// Log streaming and wait outlive ctx so output written before a stop is
	// still delivered.
	streamCtx, cancelStream := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelStream()

	logs, err := e.api.ContainerLogs(streamCtx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		e.stop(id, log)
		return sandbox.Result{}, sandbox.Setup("attach logs", err)
	}
	logsDone := make(chan error, 1)
	go func() {
		defer logs.Close()
		_, err := stdcopy.StdCopy(sinkWriter(job.Output.Stdout), sinkWriter(job.Output.Stderr), logs)
		logsDone <- err
	}()

	waitCh, errCh := e.api.ContainerWait(streamCtx, id, container.WaitConditionNotRunning)

	var res sandbox.Result
	select {
	case w := <-waitCh:
		res = exitResult(w)
	case err := <-errCh:
		e.stop(id, log)
		drain(logsDone, cancelStream, log)
		return sandbox.Result{}, sandbox.Setup("wait container", err)
	case <-ctx.Done():
		log.Infof("stopping container: %v", context.Cause(ctx))
		e.stop(id, log)
		res = forced(ctx)
	}

	drain(logsDone, cancelStream, log)
	log.WithField("outcome", res.Outcome).Debug("container finished")
	return res, nil
}

// prepare writes the source and the input shim into the code directory and
// creates the shared io directory.
func prepare(dir *scratch.Dir, spec sandbox.LanguageSpec, source string) (string, string, error) {
	codeDir, err := dir.Mkdir("code")
	if err != nil {
		return "", "", err
	}
	ioDir, err := dir.Mkdir("io")
	if err != nil {
		return "", "", err
	}
	if spec.Name == sandbox.JavaScript {
		source = sandbox.AsyncMain(source)
	}
	if err := os.WriteFile(filepath.Join(codeDir, spec.File), []byte(source), 0o644); err != nil {
		return "", "", fmt.Errorf("writing %s: %w", spec.File, err)
	}
	if s, ok := shims[spec.Name]; ok {
		if err := os.WriteFile(filepath.Join(codeDir, s.file), s.data, 0o644); err != nil {
			return "", "", fmt.Errorf("writing %s: %w", s.file, err)
		}
	}
	return codeDir, ioDir, nil
}

func (e *Executor) create(ctx context.Context, sessionID string, spec sandbox.LanguageSpec, codeDir, ioDir string) (string, error) {
	shimTimeout := e.inputTimeout + shimTimeoutMargin
	env := append(slices.Clone(spec.Env),
		"CODEBUDDY_SESSION="+sessionID,
		fmt.Sprintf("CODEBUDDY_INPUT_TIMEOUT_MS=%d", shimTimeout.Milliseconds()),
	)

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Command,
		Env:             env,
		WorkingDir:      ioMount,
		User:            sandboxUser,
		NetworkDisabled: !e.policy.Network,
		Labels:          map[string]string{"codebuddy.session": sessionID},
	}

	hc := &container.HostConfig{
		Binds: []string{
			codeDir + ":" + codeMount + ":ro",
			ioDir + ":" + ioMount + ":rw",
		},
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=16m"},
		Resources: container.Resources{
			Memory:     e.policy.Memory,
			MemorySwap: e.policy.Memory,
			CPUShares:  e.policy.CPUShares,
			NanoCPUs:   e.policy.NanoCPUs,
		},
	}
	if !e.policy.Network {
		hc.NetworkMode = container.NetworkMode("none")
	}
	if e.policy.PidsLimit > 0 {
		pids := e.policy.PidsLimit
		hc.Resources.PidsLimit = &pids
	}

	resp, err := e.api.ContainerCreate(ctx, cfg, hc, nil, nil, "codebuddy-"+sessionID)
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		e.log.WithField("session", sessionID).Warnf("docker: %s", w)
	}
	return resp.ID, nil
}

// stop kills the container immediately.
func (e *Executor) stop(id string, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	grace := 0
	if err := e.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &grace}); err != nil {
		log.Warnf("stopping container: %v", err)
	}
}

func (e *Executor) remove(id string, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := e.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		log.Warnf("removing container: %v", err)
	}
}

// drain waits for the log stream to end so no output is delivered after Run
// returns.
func drain(done <-chan error, cancel context.CancelFunc, log *logrus.Entry) {
	select {
	case err := <-done:
		if err != nil {
			log.Debugf("log stream: %v", err)
		}
		return
	case <-time.After(drainTimeout):
		log.Warn("log stream still open after container exit, closing")
	}
	cancel()
	<-done
}

func exitResult(w container.WaitResponse) sandbox.Result {
	if w.Error != nil && w.Error.Message != "" {
		return sandbox.Result{Outcome: sandbox.Failed, ExitCode: int(w.StatusCode), Detail: w.Error.Message}
	}
	switch w.StatusCode {
	case 0:
		return sandbox.Result{Outcome: sandbox.Completed}
	case 137:
		return sandbox.Result{Outcome: sandbox.Failed, ExitCode: 137, Detail: "killed (memory limit exceeded?)"}
	default:
		return sandbox.Result{Outcome: sandbox.Failed, ExitCode: int(w.StatusCode), Detail: fmt.Sprintf("exit status %d", w.StatusCode)}
	}
}

func forced(ctx context.Context) sandbox.Result {
	return sandbox.Result{Outcome: sandbox.OutcomeOf(ctx), ExitCode: -1, Detail: context.Cause(ctx).Error()}
}

// sinkWriter adapts a Sink method to io.Writer for stdcopy.
type sinkWriter func(string)

func (w sinkWriter) Write(p []byte) (int, error) {
	w(string(p))
	return len(p), nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
