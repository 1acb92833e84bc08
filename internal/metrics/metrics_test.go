package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordProxyDecision_IncrementsCounterAndObservesLatency(t *testing.T) {
	m := New("test")

	m.RecordProxyDecision("api.anthropic.com", "allowed", 25*time.Millisecond)

	require.Equal(t, float64(1), testutil.ToFloat64(m.proxyDecisions.WithLabelValues("api.anthropic.com", "allowed")))
}

func TestRecordProxyDecision_BlankDomainBecomesUnknown(t *testing.T) {
	m := New("test")

	m.RecordProxyDecision("", "blocked", time.Millisecond)

	require.Equal(t, float64(1), testutil.ToFloat64(m.proxyDecisions.WithLabelValues("unknown", "blocked")))
}

func TestSetApprovalPending_ReflectsLatestValue(t *testing.T) {
	m := New("test")

	m.SetApprovalPending(3)
	require.Equal(t, float64(3), testutil.ToFloat64(m.approvalPending))

	m.SetApprovalPending(0)
	require.Equal(t, float64(0), testutil.ToFloat64(m.approvalPending))
}

func TestRecordApprovalOutcome_CountsByState(t *testing.T) {
	m := New("test")

	m.RecordApprovalOutcome("approved")
	m.RecordApprovalOutcome("approved")
	m.RecordApprovalOutcome("denied")

	require.Equal(t, float64(2), testutil.ToFloat64(m.approvalOutcomes.WithLabelValues("approved")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.approvalOutcomes.WithLabelValues("denied")))
}

func TestNilMetrics_RecordMethodsAreNoOps(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.RecordProxyDecision("x", "y", time.Second)
		m.RecordRateLimitHit("global")
		m.RecordDNSResponse("NXDOMAIN")
		m.SetApprovalPending(1)
		m.RecordApprovalOutcome("expired")
		m.RecordPolicyVerdict("fail", "root_confinement")
		m.RecordAuditWriteError()
		m.Shutdown(nil)
	})
}

func TestStart_DisabledAddrSkipsServer(t *testing.T) {
	m := New("test")
	require.NoError(t, m.Start("disabled"))
	require.Nil(t, m.server)
}
