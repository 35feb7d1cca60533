package compat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/caravanctl/caravan/config"
	"github.com/caravanctl/caravan/runtime"
	"github.com/caravanctl/caravan/types"
)

// fakeRuntime serves canned inspect results.
type fakeRuntime struct {
	info *types.ContainerInfo
	err  error
}

func (f *fakeRuntime) Inspect(context.Context, string) (*types.ContainerInfo, error) {
	return f.info, f.err
}
func (f *fakeRuntime) Stop(context.Context, string) error { return nil }
func (f *fakeRuntime) Start(context.Context, string) error { return nil }

func (f *fakeRuntime) IsRunning(context.Context, string) (bool, error) {
	return f.info != nil && f.info.Running, nil
}

type fakeProber struct {
	driver string
	err    error
}

func (f *fakeProber) StorageDriver(context.Context) (string, error) { return f.driver, f.err }

func runningInfo() *types.ContainerInfo {
	return &types.ContainerInfo{ID: "web", Running: true, PID: 4242, Arch: "x86_64"}
}

func testRequest() *types.MigrationRequest {
	return &types.MigrationRequest{
		ContainerID: "web",
		TargetHost:  "node2",
		SourceArch:  "x86_64",
		TargetArch:  "aarch64",
	}
}

func newTestChecker(info *types.ContainerInfo, err error) *Checker {
	return New(config.DefaultConfig(), &fakeRuntime{info: info, err: err})
}

func hasReason(reasons []string, substr string) bool {
	for _, r := range reasons {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}

func TestCheck_CompatibleContainer(t *testing.T) {
	report := newTestChecker(runningInfo(), nil).Check(context.Background(), testRequest(), nil)
	if !report.Compatible {
		t.Fatalf("expected compatible, got blocks %v", report.BlockingReasons)
	}
}

func TestCheck_NotFound(t *testing.T) {
	report := newTestChecker(nil, runtime.ErrNotFound).Check(context.Background(), testRequest(), nil)
	if report.Compatible {
		t.Fatalf("expected incompatible")
	}
	if !hasReason(report.BlockingReasons, "not found") {
		t.Errorf("expected not-found reason, got %v", report.BlockingReasons)
	}
}

func TestCheck_FailsClosedOnInspectError(t *testing.T) {
	report := newTestChecker(nil, errors.New("docker daemon unreachable")).Check(context.Background(), testRequest(), nil)
	if report.Compatible {
		t.Fatalf("expected inspect error to block")
	}
	if !hasReason(report.BlockingReasons, "unreachable") {
		t.Errorf("expected unreachable reason, got %v", report.BlockingReasons)
	}
}

func TestCheck_NotRunning(t *testing.T) {
	info := runningInfo()
	info.Running = false
	report := newTestChecker(info, nil).Check(context.Background(), testRequest(), nil)
	if report.Compatible {
		t.Fatalf("expected stopped container to block")
	}
}

func TestCheck_ArchPairAllowList(t *testing.T) {
	req := testRequest()
	req.TargetArch = "riscv64"
	report := newTestChecker(runningInfo(), nil).Check(context.Background(), req, nil)
	if report.Compatible {
		t.Fatalf("expected unknown arch pair to block")
	}
	if !hasReason(report.BlockingReasons, "allow-list") {
		t.Errorf("expected allow-list reason, got %v", report.BlockingReasons)
	}
}

func TestCheck_ArchAliasesNormalized(t *testing.T) {
	req := testRequest()
	req.SourceArch, req.TargetArch = "amd64", "arm64"
	report := newTestChecker(runningInfo(), nil).Check(context.Background(), req, nil)
	if !report.Compatible {
		t.Fatalf("expected amd64→arm64 to pass, got %v", report.BlockingReasons)
	}
}

func TestCheck_Privileged(t *testing.T) {
	info := runningInfo()
	info.Privileged = true

	report := newTestChecker(info, nil).Check(context.Background(), testRequest(), nil)
	if report.Compatible {
		t.Fatalf("expected privileged container to block")
	}

	conf := config.DefaultConfig()
	conf.AllowPrivileged = true
	report = New(conf, &fakeRuntime{info: info}).Check(context.Background(), testRequest(), nil)
	if !report.Compatible {
		t.Fatalf("expected allow_privileged to unblock, got %v", report.BlockingReasons)
	}
}

func TestCheck_HostNetworking(t *testing.T) {
	info := runningInfo()
	info.NetworkMode = "host"

	report := newTestChecker(info, nil).Check(context.Background(), testRequest(), nil)
	if !report.Compatible {
		t.Fatalf("expected warning only, got %v", report.BlockingReasons)
	}
	if len(report.Warnings) == 0 {
		t.Errorf("expected a host networking warning")
	}

	req := testRequest()
	req.PreserveNetworking = true
	report = newTestChecker(info, nil).Check(context.Background(), req, nil)
	if report.Compatible {
		t.Fatalf("expected host networking with preserveNetworking to block")
	}
}

func TestCheck_DevicesBlock(t *testing.T) {
	info := runningInfo()
	info.Devices = []string{"/dev/kvm", "/dev/fuse"}
	report := newTestChecker(info, nil).Check(context.Background(), testRequest(), nil)
	if report.Compatible {
		t.Fatalf("expected device bindings to block")
	}
	if len(report.BlockingReasons) != 2 {
		t.Errorf("expected one reason per device, got %v", report.BlockingReasons)
	}
}

func TestCheck_BindMountWarnings(t *testing.T) {
	info := runningInfo()
	info.Binds = []string{"/srv/data:/data:rw", "/mnt/shared:/shared"}

	conf := config.DefaultConfig()
	conf.MountAllowList = []string{"/mnt/shared"}
	report := New(conf, &fakeRuntime{info: info}).Check(context.Background(), testRequest(), nil)
	if !report.Compatible {
		t.Fatalf("expected bind mounts to warn, got %v", report.BlockingReasons)
	}
	if !hasReason(report.Warnings, "/srv/data") {
		t.Errorf("expected warning about /srv/data, got %v", report.Warnings)
	}
	if hasReason(report.Warnings, "/mnt/shared") {
		t.Errorf("expected no warning for allow-listed /mnt/shared, got %v", report.Warnings)
	}
}

func TestCheck_CapAddWarns(t *testing.T) {
	info := runningInfo()
	info.CapAdd = []string{"SYS_ADMIN"}
	report := newTestChecker(info, nil).Check(context.Background(), testRequest(), nil)
	if !report.Compatible {
		t.Fatalf("expected capability to warn, not block")
	}
	if !hasReason(report.Warnings, "SYS_ADMIN") {
		t.Errorf("expected capability warning, got %v", report.Warnings)
	}
}

func TestCheck_StorageDrivers(t *testing.T) {
	info := runningInfo()
	info.StorageDriver = "overlay2"
	req := testRequest()
	req.PreserveVolumes = true

	report := newTestChecker(info, nil).Check(context.Background(), req, &fakeProber{driver: "overlay2"})
	if !report.Compatible {
		t.Fatalf("expected matching drivers to pass, got %v", report.BlockingReasons)
	}

	report = newTestChecker(info, nil).Check(context.Background(), req, &fakeProber{driver: "btrfs"})
	if report.Compatible {
		t.Fatalf("expected divergent drivers to block")
	}

	report = newTestChecker(info, nil).Check(context.Background(), req, &fakeProber{err: errors.New("ssh timeout")})
	if report.Compatible {
		t.Fatalf("expected prober error to fail closed")
	}
}

func TestCheck_ReportIsComplete(t *testing.T) {
	// Multiple violations must all be reported, not just the first.
	info := runningInfo()
	info.Privileged = true
	info.Devices = []string{"/dev/kvm"}
	report := newTestChecker(info, nil).Check(context.Background(), testRequest(), nil)
	if len(report.BlockingReasons) != 2 {
		t.Errorf("expected both violations reported, got %v", report.BlockingReasons)
	}
}
