package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// program is what a fake container "runs". It returns the exit code.
type program func(c *fakeContainer) int64

// fakeAPI is an in-memory ContainerAPI. Containers run a Go function in
// place of a real process and write multiplexed frames to their log stream.
type fakeAPI struct {
	prog      program
	createErr error

	mu         sync.Mutex
	containers map[string]*fakeContainer
	stopped    []string
	removed    []string
	seq        int
	last       *fakeContainer
}

func newFakeAPI(prog program) *fakeAPI {
	return &fakeAPI{prog: prog, containers: make(map[string]*fakeContainer)}
}

type fakeContainer struct {
	id     string
	name   string
	config *container.Config
	host   *container.HostConfig

	logR   *io.PipeReader
	logW   *io.PipeWriter
	stdout io.Writer
	stderr io.Writer

	killed   chan struct{}
	killOnce sync.Once
	exited   chan struct{}
	exitCode int64

	// codeFiles is a snapshot of the code mount taken at start.
	codeFiles map[string]string
	seq       int64
}

func (f *fakeAPI) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	pr, pw := io.Pipe()
	c := &fakeContainer{
		id:     fmt.Sprintf("%064d", f.seq),
		name:   name,
		config: config,
		host:   hostConfig,
		logR:   pr,
		logW:   pw,
		stdout: stdcopy.NewStdWriter(pw, stdcopy.Stdout),
		stderr: stdcopy.NewStdWriter(pw, stdcopy.Stderr),
		killed: make(chan struct{}),
		exited: make(chan struct{}),
	}
	f.containers[c.id] = c
	f.last = c
	return container.CreateResponse{ID: c.id}, nil
}

func (f *fakeAPI) get(id string) (*fakeContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("no such container: %s", id)
	}
	return c, nil
}

func (f *fakeAPI) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.codeFiles = readDir(c.mountPath(codeMount))
	go func() {
		code := f.prog(c)
		select {
		case <-c.killed:
			code = 137
		default:
		}
		c.exitCode = code
		c.logW.Close()
		close(c.exited)
	}()
	return nil
}

func (f *fakeAPI) ContainerWait(ctx context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	wc := make(chan container.WaitResponse, 1)
	ec := make(chan error, 1)
	c, err := f.get(id)
	if err != nil {
		ec <- err
		return wc, ec
	}
	go func() {
		select {
		case <-c.exited:
			wc <- container.WaitResponse{StatusCode: c.exitCode}
		case <-ctx.Done():
			ec <- ctx.Err()
		}
	}()
	return wc, ec
}

func (f *fakeAPI) ContainerStop(ctx context.Context, id string, _ container.StopOptions) error {
	c, err := f.get(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.stopped = append(f.stopped, id)
	f.mu.Unlock()
	c.killOnce.Do(func() { close(c.killed) })
	<-c.exited
	return nil
}

func (f *fakeAPI) ContainerLogs(ctx context.Context, id string, _ container.LogsOptions) (io.ReadCloser, error) {
	c, err := f.get(id)
	if err != nil {
		return nil, err
	}
	return c.logR, nil
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, id string, _ container.RemoveOptions) error {
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.killOnce.Do(func() { close(c.killed) })
	f.mu.Lock()
	f.removed = append(f.removed, id)
	delete(f.containers, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) wasStopped(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.stopped {
		if s == id {
			return true
		}
	}
	return false
}

func (f *fakeAPI) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

func (f *fakeAPI) lastContainer() *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeAPI) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// mountPath returns the host side of a bind mount.
func (c *fakeContainer) mountPath(target string) string {
	for _, b := range c.host.Binds {
		parts := strings.Split(b, ":")
		if len(parts) >= 2 && parts[1] == target {
			return parts[0]
		}
	}
	return ""
}

func (c *fakeContainer) env(key string) string {
	for _, kv := range c.config.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

func (c *fakeContainer) print(s string) { io.WriteString(c.stdout, s) }
func (c *fakeContainer) eprint(s string) { io.WriteString(c.stderr, s) }

// waitKilled blocks like a program stuck in a loop.
func (c *fakeContainer) waitKilled() int64 {
	<-c.killed
	return 137
}

// input performs the shim side of the input handshake. ok is false on end
// of input or when the container is killed.
func (c *fakeContainer) input(prompt string) (string, bool) {
	c.seq++
	dir := c.mountPath(ioMount)
	sid := c.env("CODEBUDDY_SESSION")
	req := filepath.Join(dir, sid+".request")
	resp := filepath.Join(dir, sid+".response")

	data, _ := json.Marshal(inputRequest{Seq: c.seq, Prompt: prompt})
	os.WriteFile(req+".tmp", data, 0o666)
	os.Rename(req+".tmp", req)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-c.killed:
			return "", false
		case <-deadline:
			os.Remove(req)
			return "", false
		case <-time.After(10 * time.Millisecond):
		}
		raw, err := os.ReadFile(resp)
		if err != nil {
			continue
		}
		var r inputResponse
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		if r.Seq != c.seq {
			os.Remove(resp)
			continue
		}
		os.Remove(resp)
		os.Remove(req)
		if r.EOF {
			return "", false
		}
		return r.Value, true
	}
}

func readDir(dir string) map[string]string {
	out := make(map[string]string)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err == nil {
			out[e.Name()] = string(data)
		}
	}
	return out
}

var errDaemon = errors.New("daemon unavailable")
