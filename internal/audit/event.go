package audit

import "time"

// EventType names a structured audit event.
type EventType string

const (
	EventPathConfinement  EventType = "path.confinement"
	EventModeGate         EventType = "mode.gate"
	EventCommandClassify  EventType = "command.classify"
	EventContentInspect   EventType = "content.inspect"
	EventNetworkGate      EventType = "network.gate"
	EventPolicyVerdict    EventType = "policy.verdict"
	EventApprovalSubmit   EventType = "approval.submit"
	EventApprovalResolve  EventType = "approval.resolve"
	EventApprovalExpire   EventType = "approval.expire"
	EventRateLimitHit     EventType = "ratelimit.hit"
	EventProxyRequest     EventType = "proxy.request"
	EventProxyConnectOpen EventType = "proxy.connect.open"
	EventProxyConnectShut EventType = "proxy.connect.close"
	EventDNSQuery         EventType = "dns.query"
	EventDNSPTRBlocked    EventType = "dns.ptr.blocked"
	EventOrchestratorBoot EventType = "orchestrator.boot"
	EventOrchestratorStop EventType = "orchestrator.stop"
	EventOrchestratorReload EventType = "orchestrator.reload"
	EventIntegrityFailure EventType = "audit.integrity_failure"
)

// Entry is one audit log record. Field order and names follow spec §6's
// "Audit log wire format" table, plus a seq field placed before
// prev_hash; JSON tags preserve that order
// under json.Marshal (Go preserves struct field declaration order).
type Entry struct {
	Timestamp   time.Time `json:"ts"`
	Actor       string    `json:"actor"`
	EventType   EventType `json:"event_type"`
	Subject     string    `json:"subject"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	RuleMatched string    `json:"rule_matched,omitempty"`
	BytesIn     int64     `json:"bytes_in,omitempty"`
	BytesOut    int64     `json:"bytes_out,omitempty"`
	DurationMs  int64     `json:"duration_ms,omitempty"`

	// Sequence and hash-chain fields, not part of the caller-supplied
	// payload: the Logger fills these in on Append.
	Sequence uint64 `json:"seq"`
	PrevHash string `json:"prev_hash"`
	SelfHash string `json:"self_hash"`
}

// canonicalPayload returns the byte sequence hashed to produce SelfHash:
// every field except SelfHash itself, in fixed declaration order.
func (e Entry) canonicalPayload() []byte {
	clone := e
	clone.SelfHash = ""
	b, err := canonicalMarshal(clone)
	if err != nil {
		// canonicalMarshal only fails on unsupported types; Entry has
		// none, so this path is unreachable in practice.
		return nil
	}
	return b
}
