// Package orchestrator implements the Sandbox Orchestrator (spec
// §4.10): it brings up the Egress Proxy, Approval Queue, and DNS
// Filter in a fixed order, launches the worker container on an
// internal-only network, and tears everything down in reverse on
// failure or shutdown. The sequential-construction-with-fatal-unwind
// shape is grounded on cmd/pulse-sensor-proxy/main.go's runProxy: load
// config, drop privileges, construct components in order, start them,
// wait on a signal channel, stop in reverse.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"

	"github.com/aegisrun/aegis-core/internal/approval"
	"github.com/aegisrun/aegis-core/internal/approvalapi"
	"github.com/aegisrun/aegis-core/internal/audit"
	"github.com/aegisrun/aegis-core/internal/dnsfilter"
	"github.com/aegisrun/aegis-core/internal/egressconfig"
	"github.com/aegisrun/aegis-core/internal/egressproxy"
	"github.com/aegisrun/aegis-core/internal/metrics"
	"github.com/aegisrun/aegis-core/internal/policy"
	"github.com/aegisrun/aegis-core/internal/ratelimit"
	"github.com/aegisrun/aegis-core/internal/runtime"
)

// Stage names one step of the boot sequence, used in BootError and in
// audit entries.
type Stage string

const (
	StageConfig   Stage = "config"
	StageRuntime  Stage = "runtime"
	StageProxy    Stage = "proxy"
	StageApproval Stage = "approval_queue"
	StageDNS      Stage = "dns_filter"
	StageWorker   Stage = "worker"
)

// Exit code taxonomy from spec §6 "Exit codes".
const (
	ExitOK                 = 0
	ExitConfigInvalid      = 2
	ExitRuntimeUnavailable = 3
	ExitPortBindFailure    = 4
	ExitAuditUnwritable    = 5
)

// BootError reports which stage of Boot failed and the process exit
// code a caller (cmd/aegisd) should use.
type BootError struct {
	Stage    Stage
	ExitCode int
	Err      error
}

func (e *BootError) Error() string {
	return fmt.Sprintf("orchestrator: boot failed at stage %q: %v", e.Stage, e.Err)
}

func (e *BootError) Unwrap() error { return e.Err }

// workerLauncher is the subset of *Launcher the orchestrator depends
// on, so tests can substitute a fake without a Docker daemon, mirroring
// internal/runtime's dockerClient test-doubling seam.
type workerLauncher interface {
	EnsureInternalNetwork(ctx context.Context, name string, labels map[string]string) (string, error)
	LaunchWorker(ctx context.Context, spec WorkerSpec, networkID string) (string, error)
	StopWorker(ctx context.Context, containerID string) error
}

// connectRuntimeAndLauncher probes the container runtime and, if one
// answers, opens a second client connection for the orchestrator's
// own use (internal/runtime.Probe closes its own probing connection;
// see its doc comment). It is a package var so tests can swap in a
// fake launcher without a Docker daemon.
var connectRuntimeAndLauncher = defaultConnectRuntimeAndLauncher

func defaultConnectRuntimeAndLauncher(pref runtime.Kind) (runtime.Kind, string, workerLauncher, io.Closer, error) {
	kind, version, err := runtime.Probe(pref, nil)
	if err != nil {
		return "", "", nil, nil, err
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", "", nil, nil, err
	}
	return kind, version, NewLauncher(cli), cli, nil
}

// WorkerConfig names the worker container and its attachment point.
// It mirrors WorkerSpec but excludes fields the orchestrator fills in
// itself (network ID is resolved at boot time).
type WorkerConfig = WorkerSpec

// Options configures a new Orchestrator.
type Options struct {
	ConfigPath        string
	ProxyAddr         string
	DNSAddr           string
	ApprovalQueuePath string
	APISocketPath     string
	MetricsAddr       string
	Version           string
	RuntimePreference runtime.Kind
	Worker            WorkerConfig
}

// Orchestrator owns the lifetimes of the Rate Limiter, Audit Log,
// Approval Queue, Policy Engine, DNS Filter, and Egress Proxy (spec
// §2: "The Orchestrator owns the lifetimes of 4–9").
type Orchestrator struct {
	opts Options

	mu                sync.Mutex
	cfg               *egressconfig.Config
	auditLogger       *audit.Logger
	metrics           *metrics.Metrics
	limiter           *ratelimit.Limiter
	approvals         *approval.Queue
	apiServer         *approvalapi.Server
	proxy             *egressproxy.Proxy
	filter            *dnsfilter.Filter
	runtimeCloser     io.Closer
	launcher          workerLauncher
	runtimeKind       runtime.Kind
	networkID         string
	workerContainerID string
	pendingApprovals  int64 // accessed only via sync/atomic; async audit callbacks race with each other

	booted bool
	undo   []func(context.Context)
}

// New constructs an idle Orchestrator. Call Boot to bring it up.
func New(opts Options) *Orchestrator {
	return &Orchestrator{opts: opts}
}

// Boot executes the boot sequence in spec §4.10's fixed order. On any
// step's failure it unwinds every prior step in reverse and returns a
// *BootError.
func (o *Orchestrator) Boot(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.booted {
		return errors.New("orchestrator: already booted")
	}

	unwind := func() {
		for i := len(o.undo) - 1; i >= 0; i-- {
			o.undo[i](ctx)
		}
		o.undo = nil
	}

	// Step 1: load and validate egress config.
	cfg, err := egressconfig.Load(o.opts.ConfigPath)
	if err != nil {
		return &BootError{StageConfig, ExitConfigInvalid, err}
	}
	o.cfg = cfg

	secret, err := audit.LoadOrCreateSecret(filepath.Dir(cfg.AuditLogPath))
	if err != nil {
		return &BootError{StageConfig, ExitAuditUnwritable, err}
	}
	logger, err := audit.NewLogger(audit.Config{Path: cfg.AuditLogPath, Secret: secret})
	if err != nil {
		return &BootError{StageConfig, ExitAuditUnwritable, err}
	}
	o.auditLogger = logger
	o.metrics = metrics.New(o.opts.Version)
	if o.opts.MetricsAddr != "" {
		if err := o.metrics.Start(o.opts.MetricsAddr); err != nil {
			log.Warn().Err(err).Msg("orchestrator: metrics server did not start")
		}
	}
	o.auditBoot(audit.EventOrchestratorBoot, StageConfig, "ok", "")
	o.undo = append(o.undo, func(ctx context.Context) {
		o.auditBoot(audit.EventOrchestratorStop, StageConfig, "ok", "")
		o.metrics.Shutdown(ctx)
		logger.Close()
	})

	// Step 2: verify container runtime available.
	kind, version, launcher, closer, err := connectRuntimeAndLauncher(o.opts.RuntimePreference)
	if err != nil {
		o.auditBoot(audit.EventOrchestratorBoot, StageRuntime, "error", err.Error())
		unwind()
		return &BootError{StageRuntime, ExitRuntimeUnavailable, err}
	}
	o.runtimeKind = kind
	o.launcher = launcher
	o.runtimeCloser = closer
	o.auditBoot(audit.EventOrchestratorBoot, StageRuntime, "ok", string(kind)+" "+version)
	o.undo = append(o.undo, func(context.Context) {
		o.auditBoot(audit.EventOrchestratorStop, StageRuntime, "ok", "")
		if o.runtimeCloser != nil {
			o.runtimeCloser.Close()
		}
	})

	// Step 3: start Egress Proxy. The Approver is attached once the
	// Approval Queue exists at step 4; nothing can reach the proxy
	// over the worker network until step 6, so the gap is harmless.
	o.limiter = ratelimit.NewLimiter(cfg.GlobalRateLimitRPM, perKeyLimits(cfg))
	o.undo = append(o.undo, func(context.Context) { o.limiter.Stop() })

	o.proxy = egressproxy.New(cfg, o.limiter, nil, o.emitProxyAudit)
	if err := o.proxy.Start(o.opts.ProxyAddr); err != nil {
		o.auditBoot(audit.EventOrchestratorBoot, StageProxy, "error", err.Error())
		unwind()
		return &BootError{StageProxy, ExitPortBindFailure, err}
	}
	o.auditBoot(audit.EventOrchestratorBoot, StageProxy, "ok", "")
	o.undo = append(o.undo, func(ctx context.Context) {
		o.auditBoot(audit.EventOrchestratorStop, StageProxy, "ok", "")
		if err := o.proxy.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("orchestrator: proxy stop error")
		}
	})

	// Step 4: start Approval Queue.
	queue, err := approval.NewQueue(approval.Config{Path: o.opts.ApprovalQueuePath, Audit: o.emitApprovalAudit})
	if err != nil {
		o.auditBoot(audit.EventOrchestratorBoot, StageApproval, "error", err.Error())
		unwind()
		return &BootError{StageApproval, ExitConfigInvalid, err}
	}
	o.approvals = queue
	o.proxy.Approvals = queue
	o.auditBoot(audit.EventOrchestratorBoot, StageApproval, "ok", "")
	o.undo = append(o.undo, func(context.Context) {
		o.auditBoot(audit.EventOrchestratorStop, StageApproval, "ok", "")
		queue.Stop()
	})

	// The Approval Queue API (spec §4.6: list_pending/resolve for
	// host-side UIs) and the reload trigger cmd/aegisctl calls are
	// exposed alongside the queue itself, not as a separate boot step.
	if o.opts.APISocketPath != "" {
		apiServer := approvalapi.NewServer(queue, o)
		if err := apiServer.Start(o.opts.APISocketPath); err != nil {
			o.auditBoot(audit.EventOrchestratorBoot, StageApproval, "error", err.Error())
			unwind()
			return &BootError{StageApproval, ExitPortBindFailure, err}
		}
		o.apiServer = apiServer
		o.undo = append(o.undo, func(context.Context) { apiServer.Stop() })
	}

	// Step 5: start DNS Filter.
	if cfg.DNSFiltering {
		o.filter = dnsfilter.New(cfg, o.emitDNSAudit)
		if err := o.filter.Start(o.opts.DNSAddr); err != nil {
			o.auditBoot(audit.EventOrchestratorBoot, StageDNS, "error", err.Error())
			unwind()
			return &BootError{StageDNS, ExitPortBindFailure, err}
		}
		o.auditBoot(audit.EventOrchestratorBoot, StageDNS, "ok", "")
		o.undo = append(o.undo, func(context.Context) {
			o.auditBoot(audit.EventOrchestratorStop, StageDNS, "ok", "")
			o.filter.Stop()
		})
	}

	// Step 6: launch the worker container on the internal-only network.
	networkID, err := o.launcher.EnsureInternalNetwork(ctx, o.opts.Worker.NetworkName, map[string]string{"aegis.managed": "true"})
	if err != nil {
		o.auditBoot(audit.EventOrchestratorBoot, StageWorker, "error", err.Error())
		unwind()
		return &BootError{StageWorker, ExitRuntimeUnavailable, err}
	}
	o.networkID = networkID

	containerID, err := o.launcher.LaunchWorker(ctx, o.opts.Worker, networkID)
	if err != nil {
		o.auditBoot(audit.EventOrchestratorBoot, StageWorker, "error", err.Error())
		unwind()
		return &BootError{StageWorker, ExitRuntimeUnavailable, err}
	}
	o.workerContainerID = containerID
	o.auditBoot(audit.EventOrchestratorBoot, StageWorker, "ok", containerID)
	o.undo = append(o.undo, func(ctx context.Context) {
		o.auditBoot(audit.EventOrchestratorStop, StageWorker, "ok", o.workerContainerID)
		if err := o.launcher.StopWorker(ctx, o.workerContainerID); err != nil {
			log.Warn().Err(err).Msg("orchestrator: worker teardown error")
		}
	})

	o.booted = true
	return nil
}

// Reload rebuilds the domain rule set from the egress config file and
// hands the new set to the Proxy and DNS Filter atomically, per spec
// §4.10: "without dropping in-flight approved requests". It is the
// handler for SIGHUP and for the host-side reload API.
func (o *Orchestrator) Reload() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.booted {
		return errors.New("orchestrator: not booted")
	}

	next, err := egressconfig.Load(o.opts.ConfigPath)
	if err != nil {
		o.auditBoot(audit.EventOrchestratorReload, StageConfig, "error", err.Error())
		return fmt.Errorf("orchestrator: reload: %w", err)
	}

	added, removed := diffWhitelist(o.cfg, next)

	o.proxy.SetConfig(next)
	if o.filter != nil {
		o.filter.SetConfig(next)
	}
	o.limiter.SetLimit(ratelimit.GlobalKey, next.GlobalRateLimitRPM)
	for key, limit := range perKeyLimits(next) {
		o.limiter.SetLimit(key, limit)
	}
	o.cfg = next

	reason := fmt.Sprintf("added=%d removed=%d", len(added), len(removed))
	o.auditBoot(audit.EventOrchestratorReload, StageConfig, "ok", reason)
	return nil
}

// diffWhitelist names which whitelist domains were added or removed
// between two configs, for the reload audit entry (SPEC_FULL.md
// "structured reload diffing" supplement).
func diffWhitelist(prev, next *egressconfig.Config) (added, removed []string) {
	prevSet := make(map[string]struct{})
	if prev != nil {
		for _, r := range prev.Whitelist {
			prevSet[r.Domain] = struct{}{}
		}
	}
	nextSet := make(map[string]struct{})
	for _, r := range next.Whitelist {
		nextSet[r.Domain] = struct{}{}
		if _, ok := prevSet[r.Domain]; !ok {
			added = append(added, r.Domain)
		}
	}
	for d := range prevSet {
		if _, ok := nextSet[d]; !ok {
			removed = append(removed, d)
		}
	}
	return added, removed
}

// Stop tears down every booted component in reverse boot order (spec
// §4.10 "Shutdown. Reverse of boot order.").
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.booted {
		return
	}
	for i := len(o.undo) - 1; i >= 0; i-- {
		o.undo[i](ctx)
	}
	o.undo = nil
	o.booted = false
}

// NewEngine constructs a Policy Engine bound to the orchestrator's
// current egress config, rate limiter, approval queue, and audit
// sink, scoped to a single worker session's workspace root and
// command allowlist (spec §3 "Lifetimes": the Workspace Root and
// Egress Config own-by-reference into the Policy Engine and Proxy
// respectively).
func (o *Orchestrator) NewEngine(workspaceRoot string, commandAllowlist map[string]struct{}) *policy.Engine {
	o.mu.Lock()
	defer o.mu.Unlock()

	return &policy.Engine{
		WorkspaceRoot:    workspaceRoot,
		EgressConfig:     o.cfg,
		CommandAllowlist: commandAllowlist,
		RateLimiter:      o.limiter,
		Approvals:        o.approvals,
		Audit:            o.emitPolicyAudit,
	}
}

// RuntimeKind reports which container runtime booted successfully.
func (o *Orchestrator) RuntimeKind() runtime.Kind {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runtimeKind
}

// WorkerContainerID reports the launched worker container's ID, empty
// if Boot has not completed step 6.
func (o *Orchestrator) WorkerContainerID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.workerContainerID
}

func perKeyLimits(cfg *egressconfig.Config) map[string]int {
	limits := make(map[string]int, len(cfg.Whitelist))
	for _, r := range cfg.Whitelist {
		if r.RateLimitRPM > 0 {
			limits[r.Domain] = r.RateLimitRPM
		}
	}
	return limits
}

func (o *Orchestrator) auditBoot(eventType audit.EventType, stage Stage, outcome, reason string) {
	if o.auditLogger == nil {
		return
	}
	if err := o.auditLogger.Append(audit.Entry{
		Timestamp: time.Now().UTC(),
		Actor:     "orchestrator",
		EventType: eventType,
		Subject:   string(stage),
		Outcome:   outcome,
		Reason:    reason,
	}); err != nil {
		log.Error().Err(err).Str("stage", string(stage)).Msg("orchestrator: failed to write boot audit entry")
		o.metrics.RecordAuditWriteError()
	}
}

func (o *Orchestrator) emitProxyAudit(entry egressproxy.AuditEntry) {
	o.metrics.RecordProxyDecision(entry.RuleMatched, entry.Outcome, time.Duration(entry.DurationMs)*time.Millisecond)
	if entry.EventType == "ratelimit.hit" {
		o.metrics.RecordRateLimitHit(entry.Reason)
	}
	if o.auditLogger == nil {
		return
	}
	if err := o.auditLogger.Append(audit.Entry{
		Timestamp:   time.Now().UTC(),
		Actor:       "proxy",
		EventType:   audit.EventType(entry.EventType),
		Subject:     entry.Subject,
		Outcome:     entry.Outcome,
		Reason:      entry.Reason,
		RuleMatched: entry.RuleMatched,
		BytesIn:     entry.BytesIn,
		BytesOut:    entry.BytesOut,
		DurationMs:  entry.DurationMs,
	}); err != nil {
		log.Error().Err(err).Msg("orchestrator: failed to write proxy audit entry")
		o.metrics.RecordAuditWriteError()
	}
}

func (o *Orchestrator) emitApprovalAudit(eventType, subject, outcome, reason string) {
	delta := int64(-1)
	if outcome == string(approval.StatePending) {
		delta = 1
	} else {
		o.metrics.RecordApprovalOutcome(outcome)
	}
	pending := atomic.AddInt64(&o.pendingApprovals, delta)
	o.metrics.SetApprovalPending(int(pending))
	o.appendEvent("approval", eventType, subject, outcome, reason)
}

func (o *Orchestrator) emitDNSAudit(eventType, subject, outcome, reason string) {
	o.metrics.RecordDNSResponse(outcome)
	o.appendEvent("dns_filter", eventType, subject, outcome, reason)
}

func (o *Orchestrator) emitPolicyAudit(eventType, subject, outcome, reason, ruleMatched string) {
	o.metrics.RecordPolicyVerdict(outcome, reason)
	if o.auditLogger == nil {
		return
	}
	if err := o.auditLogger.Append(audit.Entry{
		Timestamp:   time.Now().UTC(),
		Actor:       "policy",
		EventType:   audit.EventType(eventType),
		Subject:     subject,
		Outcome:     outcome,
		Reason:      reason,
		RuleMatched: ruleMatched,
	}); err != nil {
		log.Error().Err(err).Msg("orchestrator: failed to write policy audit entry")
		o.metrics.RecordAuditWriteError()
	}
}

func (o *Orchestrator) appendEvent(actor, eventType, subject, outcome, reason string) {
	if o.auditLogger == nil {
		return
	}
	if err := o.auditLogger.Append(audit.Entry{
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		EventType: audit.EventType(eventType),
		Subject:   subject,
		Outcome:   outcome,
		Reason:    reason,
	}); err != nil {
		log.Error().Err(err).Str("actor", actor).Msg("orchestrator: failed to write audit entry")
		o.metrics.RecordAuditWriteError()
	}
}
