// Package health is the Health / Readiness Prober (§4.4): a periodic
// sweep over booting-family instances that drives them to ready, flags
// startup timeouts and repeated failures, and triggers the SSH bootstrap
// for worker-eligible targets whose engine is not yet serving.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/inventiv/fleet/internal/catalog"
	"github.com/inventiv/fleet/internal/provider"
	"github.com/inventiv/fleet/internal/statemachine"
	"github.com/inventiv/fleet/internal/store"
	"github.com/inventiv/fleet/internal/workertype"
	"github.com/inventiv/fleet/pkg/apperror"
	"github.com/inventiv/fleet/pkg/audit"
	"github.com/inventiv/fleet/pkg/cache"
	"github.com/inventiv/fleet/pkg/config"
	"github.com/inventiv/fleet/pkg/metrics"
)

const bootstrapSuppressKeyPrefix = "fleet:bootstrap-suppress:"

// ProviderResolver looks up the adapter for a provider code.
type ProviderResolver func(code string) (provider.Adapter, bool)

// Prober is the Health / Readiness Prober.
type Prober struct {
	repo      *store.Repository
	catalog   *catalog.Resolver
	machine   *statemachine.Machine
	providers ProviderResolver
	cache     cache.Cache
	cfg       config.HealthConfig
	provCfg   config.ProvisioningConfig
	log       *slog.Logger

	signer ssh.Signer

	mu              sync.Mutex
	lastStepLogSuccess map[string]bool
	lastStepLogFailure map[string]time.Time
}

// New builds a Prober, parsing the operator SSH private key from
// provCfg.SSHPrivateKeyPath once at construction.
func New(repo *store.Repository, resolver *catalog.Resolver, machine *statemachine.Machine, providers ProviderResolver, c cache.Cache, cfg config.HealthConfig, provCfg config.ProvisioningConfig, log *slog.Logger) (*Prober, error) {
	keyBytes, err := os.ReadFile(provCfg.SSHPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("health: read ssh private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("health: parse ssh private key: %w", err)
	}
	return &Prober{
		repo:               repo,
		catalog:            resolver,
		machine:            machine,
		providers:          providers,
		cache:              c,
		cfg:                cfg,
		provCfg:            provCfg,
		log:                log,
		signer:             signer,
		lastStepLogSuccess: make(map[string]bool),
		lastStepLogFailure: make(map[string]time.Time),
	}, nil
}

// Run ticks every cfg.ProbeInterval, sweeping booting-family instances
// until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Prober) sweep(ctx context.Context) {
	instances, err := p.repo.ListByStatus(ctx, store.StatusBooting, store.StatusInstalling, store.StatusStarting)
	if err != nil {
		p.log.Error("health: list booting-family instances failed", "error", err)
		return
	}
	for _, inst := range instances {
		p.probeOne(ctx, inst)
	}
}

func (p *Prober) probeOne(ctx context.Context, inst *store.Instance) {
	prov, err := p.catalog.Provider(ctx, inst.ProviderID)
	if err != nil {
		p.log.Error("health: resolve provider failed", "instance_id", inst.ID, "error", err)
		return
	}

	// Mock provider instances transition to ready immediately.
	if prov.Code == "mock" {
		if err := p.machine.TransitionToReady(ctx, inst.ID); err != nil {
			p.log.Error("health: mock transition to ready failed", "instance_id", inst.ID, "error", err)
		}
		return
	}

	if inst.Address == nil || *inst.Address == "" {
		return
	}

	instanceType, err := p.catalog.InstanceType(ctx, inst.InstanceTypeID)
	if err != nil {
		p.log.Error("health: resolve instance type failed", "instance_id", inst.ID, "error", err)
		return
	}
	eligible := workertype.Eligible(instanceType.Code, p.provCfg.WorkerEligiblePatterns)

	deadline := p.cfg.DefaultDeadline
	if eligible {
		deadline = p.cfg.WorkerEligibleDeadline
	}
	if time.Since(inst.CreatedAt) > deadline {
		if err := p.machine.TransitionToStartupFailed(ctx, inst.ID, apperror.CodeStartupTimeout, "startup deadline exceeded"); err != nil {
			p.log.Error("health: transition to startup_failed (timeout) failed", "instance_id", inst.ID, "error", err)
		}
		return
	}

	readyzErr := readyzProbe(ctx, *inst.Address, p.healthPort(inst), p.cfg.ReadyzConnectTimeout, p.cfg.ReadyzOverallTimeout)
	p.logStep(inst.ID, "readyz", readyzErr)

	sshErr := sshReachableProbe(ctx, *inst.Address, p.cfg.SSHConnectTimeout)
	p.logStep(inst.ID, "ssh", sshErr)

	modelOK := false
	var modelExternalID string
	if eligible && inst.ModelID != nil {
		model, mErr := p.catalog.Model(ctx, *inst.ModelID)
		if mErr == nil {
			modelExternalID = model.ModelID
			ok, _ := p.probeModelLoaded(ctx, inst, model.ModelID)
			modelOK = ok
			if ok {
				_ = warmupProbe(ctx, *inst.Address, p.enginePort(inst), modelExternalID, p.cfg.WarmupTimeout)
			}
		}
	}

	ready := false
	if eligible {
		ready = readyzErr == nil && modelOK
	} else {
		ready = readyzErr == nil || sshErr == nil
	}

	if ready {
		enginePort := p.enginePort(inst)
		healthPort := p.healthPort(inst)
		status := "ready"
		if err := p.repo.UpdateWorkerRuntime(ctx, inst.ID, store.WorkerRuntime{
			Status:        &status,
			Heartbeat:     time.Now(),
			ServedModelID: nonEmptyOrNil(modelExternalID),
			EnginePort:    &enginePort,
			HealthPort:    &healthPort,
			Metadata:      map[string]any{},
		}); err != nil {
			p.log.Error("health: persist worker runtime failed", "instance_id", inst.ID, "error", err)
		}
		if err := p.machine.TransitionToReady(ctx, inst.ID); err != nil {
			p.log.Error("health: transition to ready failed", "instance_id", inst.ID, "error", err)
			return
		}
		return
	}

	if eligible && sshErr == nil && p.shouldBootstrap(ctx, inst.ID) {
		p.bootstrap(ctx, inst, modelExternalID)
		return
	}

	if err := p.machine.BumpHealthFailures(ctx, inst.ID); err != nil {
		p.log.Error("health: bump health failures failed", "instance_id", inst.ID, "error", err)
	}
	metrics.Get().RecordHealthCheckFailure(instanceType.Code)
}

func (p *Prober) healthPort(inst *store.Instance) int {
	if inst.HealthPort != nil {
		return *inst.HealthPort
	}
	return p.provCfg.HealthPort
}

func (p *Prober) enginePort(inst *store.Instance) int {
	if inst.EnginePort != nil {
		return *inst.EnginePort
	}
	return p.provCfg.EnginePort
}

// probeModelLoaded checks that a worker-eligible instance's engine has the
// assigned model loaded, recording a WORKER_MODEL_LOADED action-log entry so
// the invariant "every instance that reached ready through the
// worker-eligible path has a model-loaded success entry preceding the
// transition" (§8.1) is verifiable from the action log, not just from
// in-memory step logging.
func (p *Prober) probeModelLoaded(ctx context.Context, inst *store.Instance, modelExternalID string) (bool, error) {
	entryID, auditErr := audit.LogStart(ctx, "health-prober", "WORKER_MODEL_LOADED", audit.ActionHealthCheck, inst.ID, map[string]any{"model": modelExternalID})
	if auditErr != nil {
		p.log.Error("health: log_start for model probe failed", "instance_id", inst.ID, "error", auditErr)
	}
	started := time.Now()

	ok, err := modelsProbe(ctx, *inst.Address, p.enginePort(inst), modelExternalID, p.cfg.ReadyzOverallTimeout)
	p.logStep(inst.ID, "models", err)

	if entryID != "" {
		outcome := audit.OutcomeSuccess
		errMsg := ""
		if !ok {
			outcome = audit.OutcomeFailure
			if err != nil {
				errMsg = err.Error()
			} else {
				errMsg = "model not loaded"
			}
		}
		if completeErr := audit.LogComplete(ctx, entryID, outcome, time.Since(started), errMsg); completeErr != nil {
			p.log.Error("health: log_complete for model probe failed", "instance_id", inst.ID, "error", completeErr)
		}
	}
	return ok, err
}

func (p *Prober) shouldBootstrap(ctx context.Context, instanceID string) bool {
	ok, err := p.cache.SetNX(ctx, bootstrapSuppressKeyPrefix+instanceID, p.cfg.BootstrapSuppressTTL)
	if err != nil {
		p.log.Error("health: bootstrap suppression check failed", "instance_id", instanceID, "error", err)
		return false
	}
	return ok
}

func (p *Prober) bootstrap(ctx context.Context, inst *store.Instance, modelExternalID string) {
	entryID, err := audit.LogStart(ctx, "health-prober", "ssh_bootstrap", audit.ActionHealthCheck, inst.ID, nil)
	if err != nil {
		p.log.Error("health: log_start for bootstrap failed", "instance_id", inst.ID, "error", err)
		return
	}
	started := time.Now()

	script, err := renderBootstrapScript(bootstrapParams{
		AgentDownloadURL:         p.cfg.AgentDownloadURL,
		EngineImage:              p.cfg.EngineImage,
		ModelExternalID:          modelExternalID,
		EnginePort:               p.provCfg.EnginePort,
		HealthPort:               p.provCfg.HealthPort,
		HeartbeatIntervalSeconds: int(p.provCfg.HeartbeatInterval.Seconds()),
		WorkerAuthToken:          p.provCfg.WorkerAuthToken,
		StickySessionHeader:      p.cfg.StickySessionHeader,
	})
	if err != nil {
		_ = audit.LogComplete(ctx, entryID, audit.OutcomeFailure, time.Since(started), err.Error())
		metrics.Get().RecordBootstrapAttempt("render_failed")
		return
	}

	bootstrapCtx, cancel := context.WithTimeout(ctx, p.cfg.BootstrapTimeout)
	defer cancel()

	result, err := runSSHBootstrap(bootstrapCtx, *inst.Address, p.signer, p.cfg.SSHConnectTimeout, p.cfg.BootstrapTimeout, script)
	meta := map[string]any{}
	if result != nil {
		meta["phases"] = result.Phases
		meta["last_phase"] = result.LastPhase
		meta["stdout_tail"] = result.StdoutTail
		meta["exit_code"] = result.ExitCode
	}
	if err != nil {
		_ = audit.LogCompleteWithMetadata(ctx, entryID, audit.OutcomeFailure, time.Since(started), err.Error(), meta)
		metrics.Get().RecordBootstrapAttempt("failed")
		return
	}
	_ = audit.LogCompleteWithMetadata(ctx, entryID, audit.OutcomeSuccess, time.Since(started), "", meta)
	metrics.Get().RecordBootstrapAttempt("succeeded")
}

func (p *Prober) logStep(instanceID, step string, err error) {
	key := instanceID + ":" + step
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		if !p.lastStepLogSuccess[key] {
			p.log.Info("health: probe step succeeded", "instance_id", instanceID, "step", step)
			p.lastStepLogSuccess[key] = true
		}
		delete(p.lastStepLogFailure, key)
		return
	}
	p.lastStepLogSuccess[key] = false
	if last, ok := p.lastStepLogFailure[key]; !ok || time.Since(last) >= time.Minute {
		p.log.Warn("health: probe step failed", "instance_id", instanceID, "step", step, "error", err)
		p.lastStepLogFailure[key] = time.Now()
	}
}

func nonEmptyOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
