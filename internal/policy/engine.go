package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/aegisrun/aegis-core/internal/approval"
	"github.com/aegisrun/aegis-core/internal/command"
	"github.com/aegisrun/aegis-core/internal/egressconfig"
	"github.com/aegisrun/aegis-core/internal/ratelimit"
	"github.com/aegisrun/aegis-core/internal/workspace"
)

// AuditSink receives exactly one call per top-level Engine.Evaluate
// (spec §4.7 "Purity": "it emits exactly one audit entry per
// top-level call via an injected sink").
type AuditSink func(eventType, subject, outcome, reason, ruleMatched string)

// Approver is the subset of the approval queue the engine depends on.
// Only AwaitResolution and Submit are needed here; resolve/list_pending
// are host-side-only per spec §6 and are never reachable from the
// engine.
type Approver interface {
	Submit(prompt string, ttl time.Duration) (string, error)
	AwaitResolution(ctx context.Context, id string) (approval.State, error)
}

// Engine is the AEGIS policy engine (spec §4.7). It holds only the two
// references named by spec §3 "Lifetimes": the workspace root and the
// egress config. Everything else it needs (rate limiter, approval
// queue, command allowlist, audit sink) is injected at construction,
// so the engine itself carries no other mutable state.
type Engine struct {
	WorkspaceRoot     string
	EgressConfig      *egressconfig.Config
	CommandAllowlist  map[string]struct{}
	RateLimiter       *ratelimit.Limiter
	Approvals         Approver
	Audit             AuditSink
}

// Evaluate runs the seven invariants left to right against op and
// returns the composed Verdict. It suspends on the Approval Queue only
// when an invariant escalates to Ask.
func (e *Engine) Evaluate(ctx context.Context, op Operation) Verdict {
	verdict, ruleMatched := e.evaluateInvariants(ctx, op)
	e.auditOnce(op, verdict, ruleMatched)
	return verdict
}

func (e *Engine) evaluateInvariants(ctx context.Context, op Operation) (Verdict, string) {
	// 1. Root confinement (file ops).
	if isFileOp(op.Kind) {
		for _, p := range op.allPaths() {
			if _, err := workspace.Confine(p, e.WorkspaceRoot); err != nil {
				return fail(FailRootConfinement, err.Error()), ""
			}
		}
	}

	// 2. Mode gate. Net ops have no column in the mode table; they are
	// governed by the external access and network gate checks below.
	permission, recognized := modeTable[op.Mode][op.Kind]
	if !recognized && op.Kind != KindNet {
		return fail(FailModeGate, fmt.Sprintf("mode %s does not permit kind %s", op.Mode, op.Kind)), ""
	}

	// 3. Action scope.
	if !isRecognizedKind(op.Kind) {
		return fail(FailActionScope, fmt.Sprintf("unrecognized operation kind %q", op.Kind)), ""
	}

	// 4. Risk gate. Critical operations always Ask, regardless of mode.
	risk := riskOf(op)
	needsApproval := permission == "ask" || risk == RiskCritical

	// 5. Command safety (exec ops).
	if op.Kind == KindExec {
		requireAllowlist := op.Mode == ModeProject
		verdict := command.Classify(op.Command, requireAllowlist, e.CommandAllowlist)
		if !verdict.Safe {
			return fail(FailCommandSafety, verdict.Reason), ""
		}
		if permission == "allowlisted" && requireAllowlist {
			// classify already enforced allowlist membership; nothing
			// further to check here.
		}
	}

	ruleMatched := ""
	if op.Kind == KindNet {
		tag, detail, rule := e.networkGate(op)
		if tag == TagFail {
			return fail(FailNetworkGate, detail), ""
		}
		ruleMatched = rule
		if tag == TagAsk {
			needsApproval = true
		}
	}

	if !needsApproval {
		return pass(), ruleMatched
	}

	return e.awaitApproval(ctx, op), ruleMatched
}

// networkGate implements invariants 6 (external access) and 7
// (network gate) together, since both operate on the same
// Domain Rule lookup.
func (e *Engine) networkGate(op Operation) (VerdictTag, string, string) {
	cfg := e.EgressConfig
	host := hostOf(op.Net.URL)

	if cfg.IsBlockedService(host) {
		return TagFail, fmt.Sprintf("domain %q is in the hard-coded deny set", host), ""
	}

	rule, ok := cfg.MatchWhitelist(host)
	if !ok {
		return TagFail, fmt.Sprintf("domain %q matches no enabled domain rule", host), ""
	}

	isReadMethod := isReadSideMethod(op.Net.Method)
	if isReadMethod {
		return TagPass, "", rule.Domain
	}

	// Any other method to a domain without allow_write must go to the
	// Approval Queue (invariant 6), even if the domain is otherwise
	// whitelisted.
	if !rule.AllowWrite {
		return TagAsk, "", rule.Domain
	}
	return TagPass, "", rule.Domain
}

func (e *Engine) awaitApproval(ctx context.Context, op Operation) Verdict {
	prompt := describeOperation(op)
	id, err := e.Approvals.Submit(prompt, ApprovalTTL)
	if err != nil {
		return fail(FailApprovalDenied, fmt.Sprintf("could not submit approval request: %v", err))
	}

	state, err := e.Approvals.AwaitResolution(ctx, id)
	if err != nil {
		return fail(FailApprovalDenied, fmt.Sprintf("approval wait failed: %v", err))
	}

	switch state {
	case approval.StateApproved:
		return pass()
	case approval.StateDenied:
		return fail(FailApprovalDenied, "operator denied the request")
	default: // Expired
		return fail(FailApprovalDenied, "approval request expired without resolution")
	}
}

func (e *Engine) auditOnce(op Operation, v Verdict, ruleMatched string) {
	if e.Audit == nil {
		return
	}
	subject := op.Target
	if op.Kind == KindNet {
		subject = op.Net.URL
	} else if op.Kind == KindExec {
		subject = op.Command
	}

	outcome := string(v.Tag)
	reason := v.Detail
	if v.Tag == TagAsk {
		reason = v.Prompt
	}
	e.Audit("policy.verdict", subject, outcome, reason, ruleMatched)
}

func describeOperation(op Operation) string {
	switch op.Kind {
	case KindNet:
		return fmt.Sprintf("%s %s", op.Net.Method, op.Net.URL)
	case KindExec:
		return fmt.Sprintf("exec: %s", op.Command)
	default:
		return fmt.Sprintf("%s %s", op.Kind, op.Target)
	}
}

func isFileOp(k Kind) bool {
	switch k {
	case KindRead, KindCreate, KindModify, KindDelete:
		return true
	default:
		return false
	}
}

func isRecognizedKind(k Kind) bool {
	switch k {
	case KindRead, KindCreate, KindModify, KindDelete, KindExec, KindNet:
		return true
	default:
		return false
	}
}

func isReadSideMethod(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS":
		return true
	default:
		return false
	}
}
