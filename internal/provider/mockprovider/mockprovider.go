// Package mockprovider is the in-process Mock Provider (§4.1): it shells
// out to `docker compose` against a fixture compose file to stand up a
// synthetic vLLM-echo + agent runtime per instance, and never makes a
// network call to a real cloud. The Health Prober recognizes it by
// Code() to skip the real SSH bootstrap and readiness probes it would
// otherwise run against a real GPU host (§4.4).
//
// Grounded on the original mock provider's docker-compose lifecycle
// (create/start/terminate a "mockrt-<id12>" compose project, resolve the
// mock-vllm container's IP via `docker inspect`); simplified to track
// instance state in-process instead of a dedicated database table, since
// that state never needs to survive a process restart in this exercise.
package mockprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inventiv/fleet/internal/provider"
	"github.com/inventiv/fleet/pkg/apperror"
	"github.com/inventiv/fleet/pkg/config"
)

const (
	composeUpTimeout   = 30 * time.Second
	composeDownTimeout = 10 * time.Second
	ipLookupAttempts   = 5
	ipLookupInterval   = 500 * time.Millisecond
	deleteAfterDelay   = 15 * time.Second
)

type mockStatus string

const (
	mockStatusCreated     mockStatus = "created"
	mockStatusRunning     mockStatus = "running"
	mockStatusTerminating mockStatus = "terminating"
	mockStatusTerminated  mockStatus = "terminated"
)

type mockInstance struct {
	zone         provider.Zone
	instanceType string
	status       mockStatus
	address      *string
	deleteAfter  *time.Time
}

// Adapter is the Mock Provider. It tracks one mockInstance per
// provider-issued server id and runs a docker compose project named
// "mockrt-<id12>" per instance.
type Adapter struct {
	composeFile string
	networkName string

	mu        sync.Mutex
	instances map[string]*mockInstance
}

// New builds a mock provider adapter.
func New(cfg config.MockProviderConfig, controlPlaneNetwork string) *Adapter {
	return &Adapter{
		composeFile: cfg.ComposeFile,
		networkName: controlPlaneNetwork,
		instances:   make(map[string]*mockInstance),
	}
}

// Code identifies this adapter; the Health Prober treats it as the
// in-process mock provider and skips real bootstrap/probing (§4.4).
func (a *Adapter) Code() string { return "mock" }

func projectName(serverID string) string {
	id12 := strings.ReplaceAll(serverID, "-", "")
	if len(id12) > 12 {
		id12 = id12[:12]
	}
	return "mockrt-" + id12
}

// CreateInstance registers a new mock server id; no docker compose
// activity happens until StartInstance (§4.1).
func (a *Adapter) CreateInstance(ctx context.Context, zone provider.Zone, params provider.CreateParams) (string, error) {
	serverID := "mock-" + uuid.NewString()

	a.mu.Lock()
	a.instances[serverID] = &mockInstance{
		zone:         zone,
		instanceType: params.InstanceType,
		status:       mockStatusCreated,
	}
	a.mu.Unlock()

	return serverID, nil
}

func (a *Adapter) runCompose(ctx context.Context, timeout time.Duration, args ...string) ([]byte, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Env = append(cmd.Environ(), "CONTROLPLANE_NETWORK_NAME="+a.networkName)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// StartInstance brings up the per-instance docker compose stack and
// resolves its container IP, recording it for GetInstanceIP (§4.1).
func (a *Adapter) StartInstance(ctx context.Context, zone provider.Zone, serverID string) error {
	a.mu.Lock()
	inst, ok := a.instances[serverID]
	a.mu.Unlock()
	if !ok {
		return apperror.New(apperror.CodeProviderStartFailed, apperror.KindFatal, "mock instance not found: "+serverID)
	}

	project := projectName(serverID)
	_, stderr, err := a.runCompose(ctx, composeUpTimeout,
		"compose", "-f", a.composeFile, "-p", project, "up", "-d", "--remove-orphans")
	if err != nil {
		return apperror.Wrap(err, apperror.CodeProviderStartFailed, apperror.KindRetryableTransient,
			fmt.Sprintf("docker compose up failed for %s: %s", project, stderr))
	}

	time.Sleep(2 * time.Second)

	address, err := a.lookupContainerIP(ctx, project)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeProviderStartFailed, apperror.KindRetryableTransient, "failed to resolve mock runtime IP")
	}

	a.mu.Lock()
	inst.status = mockStatusRunning
	inst.address = &address
	a.mu.Unlock()

	return nil
}

func (a *Adapter) lookupContainerIP(ctx context.Context, project string) (string, error) {
	containerName := project + "-mock-vllm-1"
	for attempt := 0; attempt < ipLookupAttempts; attempt++ {
		out, _, err := a.runCompose(ctx, 5*time.Second,
			"inspect", "--format", "{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}", containerName)
		ip := strings.TrimSpace(string(out))
		if err == nil && ip != "" {
			return ip, nil
		}
		if attempt < ipLookupAttempts-1 {
			time.Sleep(ipLookupInterval)
		}
	}
	return "", fmt.Errorf("no IP for %s after %d attempts", containerName, ipLookupAttempts)
}

// GetInstanceIP returns the address recorded at start time.
func (a *Adapter) GetInstanceIP(ctx context.Context, zone provider.Zone, serverID string) (*string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	inst, ok := a.instances[serverID]
	if !ok {
		return nil, apperror.New(apperror.CodeInternal, apperror.KindFatal, "mock instance not found: "+serverID)
	}
	return inst.address, nil
}

// SetCloudInit is a no-op for the mock provider: cloud-init is baked
// into the fixture compose file's worker-agent image instead.
func (a *Adapter) SetCloudInit(ctx context.Context, zone provider.Zone, serverID string, userData string) error {
	return nil
}

// EnsureInboundTCPPorts is a no-op: the compose network already exposes
// the ports the fixture containers listen on.
func (a *Adapter) EnsureInboundTCPPorts(ctx context.Context, zone provider.Zone, serverID string, ports []int) error {
	return nil
}

// TerminateInstance tears down the per-instance compose stack and marks
// the mock instance for deferred termination, emulating a real
// provider's asynchronous delete (§4.1).
func (a *Adapter) TerminateInstance(ctx context.Context, zone provider.Zone, serverID string) error {
	a.mu.Lock()
	inst, ok := a.instances[serverID]
	a.mu.Unlock()
	if !ok {
		return nil
	}

	project := projectName(serverID)
	_, _, _ = a.runCompose(ctx, composeDownTimeout,
		"compose", "-f", a.composeFile, "-p", project, "down", "-v", "--remove-orphans")

	after := time.Now().Add(deleteAfterDelay)
	a.mu.Lock()
	inst.status = mockStatusTerminating
	inst.deleteAfter = &after
	a.mu.Unlock()
	return nil
}

// maybeFinalize flips a terminating instance to terminated once its
// delete_after deadline has passed, emulating the provider-side async
// delete the original mock provider modeled (§4.1).
func (a *Adapter) maybeFinalize(inst *mockInstance) {
	if inst.status == mockStatusTerminating && inst.deleteAfter != nil && !time.Now().Before(*inst.deleteAfter) {
		inst.status = mockStatusTerminated
	}
}

// CheckInstanceExists reports false once the instance has finalized to
// terminated.
func (a *Adapter) CheckInstanceExists(ctx context.Context, zone provider.Zone, serverID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	inst, ok := a.instances[serverID]
	if !ok {
		return false, nil
	}
	a.maybeFinalize(inst)
	return inst.status != mockStatusTerminated, nil
}

// CreateVolume, AttachVolume, DeleteVolume are no-ops: the mock
// provider's runtime has no separate volume concept, mirroring the
// original ("volumes are managed by Docker Compose").
func (a *Adapter) CreateVolume(ctx context.Context, zone provider.Zone, name string, sizeBytes int64, kind provider.VolumeKind, perf provider.VolumePerf) (string, error) {
	return "mock-vol-" + uuid.NewString(), nil
}

func (a *Adapter) AttachVolume(ctx context.Context, zone provider.Zone, serverID, volumeID string, deleteOnTerminate bool) error {
	return nil
}

func (a *Adapter) DeleteVolume(ctx context.Context, zone provider.Zone, volumeID string) error {
	return nil
}

// ResolveBootImage returns a fixed placeholder image id; the mock
// provider's compose fixture ignores boot images entirely.
func (a *Adapter) ResolveBootImage(ctx context.Context, zone provider.Zone, instanceType string) (string, error) {
	return "mock-image", nil
}

// ListInstances lists all tracked mock instances in zone.
func (a *Adapter) ListInstances(ctx context.Context, zone provider.Zone) ([]provider.InstanceListing, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]provider.InstanceListing, 0)
	for id, inst := range a.instances {
		if inst.zone != zone {
			continue
		}
		a.maybeFinalize(inst)
		out = append(out, provider.InstanceListing{
			ProviderInstanceID: id,
			Name:               id,
			Status:             string(inst.status),
			Address:            inst.address,
			CreatedAt:          time.Now(),
		})
	}
	return out, nil
}

// FetchCatalog returns no entries: the mock provider's catalog is
// seeded directly into the catalog tables by fixtures, not discovered.
func (a *Adapter) FetchCatalog(ctx context.Context, zone provider.Zone) ([]provider.CatalogEntry, error) {
	return nil, nil
}

var _ provider.Adapter = (*Adapter)(nil)
