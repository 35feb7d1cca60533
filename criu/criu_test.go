package criu

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caravanctl/caravan/errdefs"
	"github.com/caravanctl/caravan/remote"
	"github.com/caravanctl/caravan/types"
)

// fakeRunner records commands and dispatches them to a scripted handler.
type fakeRunner struct {
	host string

	mu      sync.Mutex
	cmds    []string
	handler func(name string, args []string) (*remote.Output, error)
}

func (f *fakeRunner) Host() string { return f.host }

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (*remote.Output, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, strings.Join(append([]string{name}, args...), " "))
	f.mu.Unlock()
	if f.handler != nil {
		return f.handler(name, args)
	}
	return &remote.Output{}, nil
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

type fakeRuntime struct {
	info    *types.ContainerInfo
	running bool
}

func (f *fakeRuntime) Inspect(context.Context, string) (*types.ContainerInfo, error) {
	return f.info, nil
}
func (f *fakeRuntime) Stop(context.Context, string) error { return nil }
func (f *fakeRuntime) Start(context.Context, string) error { return nil }
func (f *fakeRuntime) IsRunning(context.Context, string) (bool, error) {
	return f.running, nil
}

// dumpHandler simulates a successful criu dump by writing image files.
func dumpHandler(t *testing.T) func(name string, args []string) (*remote.Output, error) {
	t.Helper()
	return func(name string, args []string) (*remote.Output, error) {
		switch {
		case len(args) > 0 && args[0] == "dump":
			var dir string
			for i, a := range args {
				if a == "-D" && i+1 < len(args) {
					dir = args[i+1]
				}
			}
			if dir == "" {
				t.Fatalf("dump invoked without -D: %v", args)
			}
			if err := os.WriteFile(filepath.Join(dir, "pages-1.img"), []byte("pages"), 0o600); err != nil {
				t.Fatalf("write image: %v", err)
			}
			if err := os.WriteFile(filepath.Join(dir, dumpLog), []byte("Warn (check): something\n"), 0o600); err != nil {
				t.Fatalf("write log: %v", err)
			}
			return &remote.Output{}, nil
		case name == "uname":
			return &remote.Output{Stdout: []byte("6.8.0-test\n")}, nil
		case len(args) > 0 && args[0] == "--version":
			return &remote.Output{Stdout: []byte("criu 3.19\n")}, nil
		default:
			return &remote.Output{}, nil
		}
	}
}

func TestCreate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoint")
	runner := &fakeRunner{handler: dumpHandler(t)}
	rt := &fakeRuntime{info: &types.ContainerInfo{ID: "web", Running: true, PID: 4242}}
	e := New("criu", runner, rt, time.Second)

	cp, err := e.Create(context.Background(), "web", dir, DefaultOptions())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if cp.SizeBytes == 0 {
		t.Errorf("expected non-empty checkpoint")
	}
	if len(cp.Manifest) == 0 {
		t.Errorf("expected a manifest")
	}

	var dumpCmd string
	for _, c := range runner.commands() {
		if strings.Contains(c, "criu dump") {
			dumpCmd = c
		}
	}
	if dumpCmd == "" {
		t.Fatalf("criu dump was never invoked: %v", runner.commands())
	}
	for _, flag := range []string{"-t 4242", "-D " + dir, "--tcp-established", "--shell-job", "--ext-unix-sk", "--file-locks", "--log-file " + dumpLog} {
		if !strings.Contains(dumpCmd, flag) {
			t.Errorf("expected dump command to contain %q, got %q", flag, dumpCmd)
		}
	}
	if strings.Contains(dumpCmd, "--leave-running") {
		t.Errorf("expected no --leave-running by default")
	}

	md, err := ReadMetadata(dir)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if md.ContainerID != "web" {
		t.Errorf("expected container web, got %s", md.ContainerID)
	}
	if md.KernelVersion != "6.8.0-test" {
		t.Errorf("expected probed kernel version, got %q", md.KernelVersion)
	}
	if len(md.Warnings) == 0 {
		t.Errorf("expected dump log warning to be recorded")
	}
}

func TestCreate_LeaveRunningFlag(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoint")
	runner := &fakeRunner{handler: dumpHandler(t)}
	rt := &fakeRuntime{info: &types.ContainerInfo{ID: "web", Running: true, PID: 1}}
	e := New("criu", runner, rt, time.Second)

	opts := DefaultOptions()
	opts.LeaveRunning = true
	if _, err := e.Create(context.Background(), "web", dir, opts); err != nil {
		t.Fatalf("Create: %v", err)
	}
	found := false
	for _, c := range runner.commands() {
		if strings.Contains(c, "--leave-running") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected --leave-running in dump command")
	}
}

func TestCreate_NotRunning(t *testing.T) {
	rt := &fakeRuntime{info: &types.ContainerInfo{ID: "web", Running: false}}
	e := New("criu", &fakeRunner{}, rt, time.Second)
	_, err := e.Create(context.Background(), "web", t.TempDir(), DefaultOptions())
	if !errdefs.IsKind(err, errdefs.KindCheckpoint) {
		t.Fatalf("expected checkpoint error, got %v", err)
	}
}

func TestCreate_RefusesNonEmptyDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stale.img"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	rt := &fakeRuntime{info: &types.ContainerInfo{ID: "web", Running: true, PID: 1}}
	runner := &fakeRunner{}
	e := New("criu", runner, rt, time.Second)

	_, err := e.Create(context.Background(), "web", dir, DefaultOptions())
	if !errdefs.IsKind(err, errdefs.KindCheckpoint) {
		t.Fatalf("expected checkpoint error, got %v", err)
	}
	for _, c := range runner.commands() {
		if strings.Contains(c, "dump") {
			t.Errorf("expected no dump after non-empty dir guard, got %q", c)
		}
	}
}

func TestValidateEnvironment(t *testing.T) {
	runner := &fakeRunner{}
	e := New("criu", runner, &fakeRuntime{}, time.Second)
	if err := e.ValidateEnvironment(context.Background()); err != nil {
		t.Fatalf("ValidateEnvironment: %v", err)
	}

	failing := &fakeRunner{handler: func(string, []string) (*remote.Output, error) {
		return &remote.Output{Stderr: []byte("kernel too old")}, &remote.ExitError{Cmd: "criu check", Code: 1}
	}}
	e = New("criu", failing, &fakeRuntime{}, time.Second)
	err := e.ValidateEnvironment(context.Background())
	if !errdefs.IsKind(err, errdefs.KindCheckpoint) {
		t.Fatalf("expected checkpoint error, got %v", err)
	}
}

func TestRestore(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{metadataFile, dumpLog} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	rt := &fakeRuntime{running: true}
	runner := &fakeRunner{handler: func(name string, args []string) (*remote.Output, error) {
		if len(args) > 0 && args[0] == "restore" {
			// Detached restore drops its pid file on success.
			if err := os.WriteFile(filepath.Join(dir, restorePIDFile), []byte("4243"), 0o600); err != nil {
				t.Fatalf("write pid file: %v", err)
			}
		}
		return &remote.Output{}, nil
	}}
	e := New("criu", runner, rt, 2*time.Second)

	if err := e.Restore(context.Background(), "web", dir); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	var restoreCmd string
	for _, c := range runner.commands() {
		if strings.Contains(c, "criu restore") {
			restoreCmd = c
		}
	}
	if restoreCmd == "" {
		t.Fatalf("criu restore was never invoked: %v", runner.commands())
	}
	for _, flag := range []string{"-D " + dir, "--pidfile " + restorePIDFile, "-d", "--tcp-established"} {
		if !strings.Contains(restoreCmd, flag) {
			t.Errorf("expected restore command to contain %q, got %q", flag, restoreCmd)
		}
	}
}

func TestRestore_MissingCheckpointFiles(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{handler: func(name string, args []string) (*remote.Output, error) {
		if name == "test" {
			if _, err := os.Stat(filepath.Join(args[1])); err != nil {
				return &remote.Output{}, &remote.ExitError{Cmd: "test", Code: 1}
			}
		}
		return &remote.Output{}, nil
	}}
	e := New("criu", runner, &fakeRuntime{}, time.Second)

	err := e.Restore(context.Background(), "web", dir)
	if !errdefs.IsKind(err, errdefs.KindRestore) {
		t.Fatalf("expected restore error, got %v", err)
	}
	for _, c := range runner.commands() {
		if strings.Contains(c, "criu restore") {
			t.Errorf("expected no restore invocation after validation failure")
		}
	}
}

func TestRestore_NeverReachesRunning(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{metadataFile, dumpLog} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, restorePIDFile), []byte("9"), 0o600); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	e := New("criu", &fakeRunner{}, &fakeRuntime{running: false}, 50*time.Millisecond)
	err := e.Restore(context.Background(), "web", dir)
	if !errdefs.IsKind(err, errdefs.KindRestore) {
		t.Fatalf("expected restore error, got %v", err)
	}
}

func TestReadMetadata_Incomplete(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, metadataFile), []byte(`{"container_id":"web"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadMetadata(dir); err == nil {
		t.Fatalf("expected error for metadata missing arch")
	}
}
