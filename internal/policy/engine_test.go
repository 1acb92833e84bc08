package policy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aegisrun/aegis-core/internal/approval"
	"github.com/aegisrun/aegis-core/internal/egressconfig"
	"github.com/stretchr/testify/require"
)

type recordedAudit struct {
	eventType, subject, outcome, reason, ruleMatched string
}

func newTestEngine(t *testing.T, mode Mode) (*Engine, *[]recordedAudit) {
	t.Helper()
	root := t.TempDir()

	cfg, err := egressconfig.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	aq, err := approval.NewQueue(approval.Config{Path: filepath.Join(t.TempDir(), "queue.json")})
	require.NoError(t, err)
	t.Cleanup(aq.Stop)

	var events []recordedAudit
	engine := &Engine{
		WorkspaceRoot: root,
		EgressConfig:  cfg,
		Approvals:     aq,
		Audit: func(eventType, subject, outcome, reason, ruleMatched string) {
			events = append(events, recordedAudit{eventType, subject, outcome, reason, ruleMatched})
		},
	}
	_ = mode
	return engine, &events
}

func TestEvaluate_ReadOnlyModeNeverPassesWrites(t *testing.T) {
	engine, _ := newTestEngine(t, ModeReadOnly)

	for _, kind := range []Kind{KindCreate, KindModify, KindDelete, KindExec} {
		op := Operation{Kind: kind, Mode: ModeReadOnly, Target: filepath.Join(engine.WorkspaceRoot, "f.txt")}
		v := engine.Evaluate(context.Background(), op)
		require.NotEqual(t, TagPass, v.Tag, "kind %s must not pass in READ_ONLY", kind)
	}
}

func TestEvaluate_RootItselfIsReadable(t *testing.T) {
	engine, _ := newTestEngine(t, ModeReadOnly)

	op := Operation{Kind: KindRead, Mode: ModeReadOnly, Target: engine.WorkspaceRoot}
	v := engine.Evaluate(context.Background(), op)
	require.Equal(t, TagPass, v.Tag)
}

func TestEvaluate_EscapingPathFails(t *testing.T) {
	engine, _ := newTestEngine(t, ModeReadOnly)

	op := Operation{Kind: KindRead, Mode: ModeReadOnly, Target: "/etc/passwd"}
	v := engine.Evaluate(context.Background(), op)
	require.Equal(t, TagFail, v.Tag)
	require.Equal(t, FailRootConfinement, v.Kind)
}

func TestEvaluate_ReviewedWriteDeleteAsksThenApprove(t *testing.T) {
	engine, events := newTestEngine(t, ModeReviewedWrite)
	target := filepath.Join(engine.WorkspaceRoot, "src", "app.py")

	resultCh := make(chan Verdict, 1)
	go func() {
		op := Operation{Kind: KindDelete, Mode: ModeReviewedWrite, Target: target}
		resultCh <- engine.Evaluate(context.Background(), op)
	}()

	var id string
	require.Eventually(t, func() bool {
		pending := engine.Approvals.(*approval.Queue).ListPending()
		if len(pending) == 0 {
			return false
		}
		id = pending[0].ID
		return true
	}, time.Second, 5*time.Millisecond)

	_, err := engine.Approvals.(*approval.Queue).Resolve(id, true)
	require.NoError(t, err)

	select {
	case v := <-resultCh:
		require.Equal(t, TagPass, v.Tag)
	case <-time.After(time.Second):
		t.Fatal("evaluate did not return after approval")
	}

	require.Len(t, *events, 1)
	require.Equal(t, "Pass", (*events)[0].outcome)
}

func TestEvaluate_CriticalOperationAlwaysAsksEvenInProjectMode(t *testing.T) {
	engine, _ := newTestEngine(t, ModeProject)
	target := filepath.Join(engine.WorkspaceRoot, "id_rsa")

	resultCh := make(chan Verdict, 1)
	go func() {
		op := Operation{
			Kind:     KindModify,
			Mode:     ModeProject,
			Target:   target,
			Metadata: OperationMetadata{TouchesCredentialsOrExecutables: true},
		}
		resultCh <- engine.Evaluate(context.Background(), op)
	}()

	var id string
	require.Eventually(t, func() bool {
		pending := engine.Approvals.(*approval.Queue).ListPending()
		if len(pending) == 0 {
			return false
		}
		id = pending[0].ID
		return true
	}, time.Second, 5*time.Millisecond)

	_, err := engine.Approvals.(*approval.Queue).Resolve(id, false)
	require.NoError(t, err)

	select {
	case v := <-resultCh:
		require.Equal(t, TagFail, v.Tag)
		require.Equal(t, FailApprovalDenied, v.Kind)
	case <-time.After(time.Second):
		t.Fatal("evaluate did not return after denial")
	}
}

func TestEvaluate_UnsafeCommandFails(t *testing.T) {
	engine, _ := newTestEngine(t, ModeProject)

	op := Operation{Kind: KindExec, Mode: ModeProject, Command: "rm -rf /"}
	v := engine.Evaluate(context.Background(), op)
	require.Equal(t, TagFail, v.Tag)
	require.Equal(t, FailCommandSafety, v.Kind)
}

func TestEvaluate_NetReadToWhitelistedDomainPasses(t *testing.T) {
	engine, _ := newTestEngine(t, ModeProject)

	op := Operation{
		Kind: KindNet,
		Mode: ModeProject,
		Net:  NetTarget{URL: "https://api.anthropic.com/v1/messages", Method: "GET"},
	}
	v := engine.Evaluate(context.Background(), op)
	require.Equal(t, TagPass, v.Tag)
}

func TestEvaluate_NetToUnknownDomainFails(t *testing.T) {
	engine, _ := newTestEngine(t, ModeProject)

	op := Operation{
		Kind: KindNet,
		Mode: ModeProject,
		Net:  NetTarget{URL: "https://totally-unrelated.example/", Method: "GET"},
	}
	v := engine.Evaluate(context.Background(), op)
	require.Equal(t, TagFail, v.Tag)
	require.Equal(t, FailNetworkGate, v.Kind)
}

func TestEvaluate_NetToBlockedServiceFailsEvenIfWhitelisted(t *testing.T) {
	engine, _ := newTestEngine(t, ModeProject)
	engine.EgressConfig.Whitelist = append(engine.EgressConfig.Whitelist, egressconfigDomainRule("169.254.169.254"))

	op := Operation{
		Kind: KindNet,
		Mode: ModeProject,
		Net:  NetTarget{URL: "http://169.254.169.254/latest/meta-data", Method: "GET"},
	}
	v := engine.Evaluate(context.Background(), op)
	require.Equal(t, TagFail, v.Tag)
	require.Equal(t, FailNetworkGate, v.Kind)
}

func egressconfigDomainRule(domain string) egressconfig.DomainRule {
	return egressconfig.DomainRule{Domain: domain, AllowWrite: true, Protocols: []string{"http"}, Source: egressconfig.SourceUser}
}

func TestEvaluate_WriteMethodToNonAllowWriteDomainAsksThenDeniesOnTimeout(t *testing.T) {
	engine, _ := newTestEngine(t, ModeProject)
	engine.EgressConfig.Whitelist = append(engine.EgressConfig.Whitelist, egressconfig.DomainRule{
		Domain: "writable.example", AllowWrite: false, Protocols: []string{"https"}, Source: egressconfig.SourceUser,
	})

	op := Operation{
		Kind: KindNet,
		Mode: ModeProject,
		Net:  NetTarget{URL: "https://writable.example/api", Method: "POST"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	v := engine.Evaluate(ctx, op)
	require.Equal(t, TagFail, v.Tag)
	require.Equal(t, FailApprovalDenied, v.Kind)
}
