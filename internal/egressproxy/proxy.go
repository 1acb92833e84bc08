// Package egressproxy implements the Egress Proxy (spec §4.9): an
// HTTP/1.1 forward proxy and CONNECT tunnel that enforces the domain
// whitelist, protocol rules, rate limits, write-approval gating, and
// content inspection before any byte reaches an origin server. The
// middleware-chaining shape (source check -> rate limit -> policy ->
// forward) follows cmd/pulse-sensor-proxy/http_server.go's
// sourceIPMiddleware(rateLimitMiddleware(authMiddleware(mux))) style,
// generalized from authenticating a known client to gating an
// untrusted sandboxed worker's egress.
package egressproxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aegisrun/aegis-core/internal/approval"
	"github.com/aegisrun/aegis-core/internal/egressconfig"
	"github.com/aegisrun/aegis-core/internal/inspect"
	"github.com/aegisrun/aegis-core/internal/ratelimit"
)

// AuditSink receives one call per proxy decision.
type AuditSink func(entry AuditEntry)

// AuditEntry is the structured record the proxy emits (spec §4.9:
// "Every decision emits one Audit Entry with duration, sizes, status,
// and either rule_matched or blocked_reason").
type AuditEntry struct {
	EventType    string
	Subject      string
	Outcome      string
	Reason       string
	RuleMatched  string
	BytesIn      int64
	BytesOut     int64
	DurationMs   int64
}

// Approver is the subset of the approval queue the proxy depends on.
type Approver interface {
	Submit(prompt string, ttl time.Duration) (string, error)
	AwaitResolution(ctx context.Context, id string) (approval.State, error)
}

// idleTunnelTimeout is the server's keep-alive IdleTimeout and the
// longest relay waits for a direction of a CONNECT tunnel to finish.
// relay does not track idle time: a tunnel is closed once this much
// time passes without a direction finishing, even while bytes flow.
const idleTunnelTimeout = 300 * time.Second

// Proxy is the forward HTTP/CONNECT proxy.
type Proxy struct {
	RateLimiter *ratelimit.Limiter
	Approvals   Approver
	Audit       AuditSink
	Dialer      interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}

	config atomic.Pointer[egressconfig.Config]
	server *http.Server
}

// New constructs a Proxy with a cached dialer, ready to Start.
func New(cfg *egressconfig.Config, limiter *ratelimit.Limiter, approvals Approver, audit AuditSink) *Proxy {
	p := &Proxy{
		RateLimiter: limiter,
		Approvals:   approvals,
		Audit:       audit,
		Dialer:      NewCachedDialer(),
	}
	p.config.Store(cfg)
	return p
}

// cfg returns the current egress config snapshot. A request reads it
// once at the top of its handler, so a concurrent SetConfig reload
// never tears a single request's view of the rule set.
func (p *Proxy) cfg() *egressconfig.Config {
	return p.config.Load()
}

// SetConfig atomically swaps the effective egress config (spec §4.10
// reload: "hand the new set to Proxy and DNS Filter without dropping
// in-flight approved requests"). In-flight requests keep whatever
// snapshot they already loaded via cfg(); only requests that read cfg()
// after the swap see the new rule set.
func (p *Proxy) SetConfig(cfg *egressconfig.Config) {
	p.config.Store(cfg)
}

// Start binds addr and begins serving. Per spec §4.9 "Trust": the
// server never consults proxy-chain headers from the client, and the
// process's own outbound client must ignore HTTP_PROXY-style
// environment variables (enforced by always dialing directly via
// Dialer, never via http.ProxyFromEnvironment).
func (p *Proxy) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("egressproxy: bind listener: %w", err)
	}

	p.server = &http.Server{
		Handler:      http.HandlerFunc(p.serveHTTP),
		ReadTimeout:  0, // streaming bodies; inspection enforces its own window
		WriteTimeout: 0,
		IdleTimeout:  idleTunnelTimeout,
	}

	go func() {
		if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("egressproxy: server failed")
		}
	}()
	return nil
}

// Stop gracefully shuts the proxy down.
func (p *Proxy) Stop(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}

func (p *Proxy) serveHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r, start)
		return
	}
	p.handleForward(w, r, start)
}

func (p *Proxy) emit(eventType, subject, outcome, reason, rule string, bytesIn, bytesOut int64, start time.Time) {
	if p.Audit == nil {
		return
	}
	p.Audit(AuditEntry{
		EventType:   eventType,
		Subject:     subject,
		Outcome:     outcome,
		Reason:      reason,
		RuleMatched: rule,
		BytesIn:     bytesIn,
		BytesOut:    bytesOut,
		DurationMs:  time.Since(start).Milliseconds(),
	})
}

// handleForward implements spec §4.9 steps 1-7 for plain HTTP
// requests in absolute-form.
func (p *Proxy) handleForward(w http.ResponseWriter, r *http.Request, start time.Time) {
	cfg := p.cfg()
	host := r.URL.Hostname()
	subject := r.Method + " " + r.URL.String()

	// Step 2: domain rule lookup.
	rule, blockedReason := p.lookupRule(cfg, host)
	if blockedReason != "" {
		p.deny(w, http.StatusForbidden, "blocked: "+blockedReason)
		p.emit("proxy.request", subject, "blocked", blockedReason, "", r.ContentLength, 0, start)
		return
	}

	// Step 3: protocol check. A plain (non-CONNECT) request to a
	// hardcoded LLM domain must itself be carried over HTTPS; since
	// this handler only ever sees cleartext absolute-form requests
	// (CONNECT is handled separately), any LLM-domain request reaching
	// here is plaintext and must be rejected.
	if rule.Source == egressconfig.SourceHardcoded {
		p.deny(w, http.StatusBadRequest, "blocked: protocol_violation")
		p.emit("proxy.request", subject, "blocked", "protocol_violation", rule.Domain, r.ContentLength, 0, start)
		return
	}

	// Step 4: rate limiting.
	if reason := p.checkRateLimit(rule.Domain); reason != "" {
		retryAfterMs := p.retryAfterMs(rule.Domain)
		w.Header().Set("Retry-After", strconv.FormatInt((retryAfterMs+999)/1000, 10))
		p.deny(w, http.StatusTooManyRequests, "throttled")
		p.emit("ratelimit.hit", subject, "throttled", reason, rule.Domain, r.ContentLength, 0, start)
		return
	}

	// Step 5: write-method approval gating.
	if isWriteMethod(r.Method) && !rule.AllowWrite {
		if !cfg.Enforce {
			log.Warn().Str("domain", rule.Domain).Msg("egressproxy: enforce=false, would have required approval")
		} else {
			outcome := p.awaitApproval(r.Context(), subject)
			if outcome != approval.StateApproved {
				p.deny(w, http.StatusForbidden, "blocked: approval_"+strings.ToLower(string(outcome)))
				p.emit("proxy.request", subject, "blocked", "approval_"+strings.ToLower(string(outcome)), rule.Domain, r.ContentLength, 0, start)
				return
			}
		}
	}

	// Step 6: content inspection.
	var body []byte
	if r.Body != nil {
		limited := io.LimitReader(r.Body, int64(inspect.DefaultMaxWindow)+1)
		buf, err := io.ReadAll(limited)
		if err == nil {
			body = buf
		}
	}
	if cfg.InspectContent && rule.Source != egressconfig.SourceHardcoded {
		result := inspect.Inspect(body, inspect.DefaultMaxWindow)
		if len(result.PatternsFound) > 0 {
			p.deny(w, http.StatusForbidden, "blocked: credential_leak")
			p.emit("content.inspect", subject, "blocked", "credential_leak", rule.Domain, int64(len(body)), 0, start)
			return
		}
		if result.Truncated && cfg.DenyOnInspectTruncation {
			p.deny(w, http.StatusForbidden, "blocked: inspection_truncated")
			p.emit("content.inspect", subject, "blocked", "inspection_truncated", rule.Domain, int64(len(body)), 0, start)
			return
		}
	}

	// Step 7: forward to origin.
	p.forward(w, r, body, rule, subject, start, cfg)
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, body []byte, rule egressconfig.DomainRule, subject string, start time.Time, cfg *egressconfig.Config) {
	ctx, cancel := context.WithTimeout(r.Context(), cfg.UpstreamTimeout())
	defer cancel()

	outReq := r.Clone(ctx)
	outReq.RequestURI = ""
	if body != nil {
		outReq.Body = io.NopCloser(strings.NewReader(string(body)))
		outReq.ContentLength = int64(len(body))
	}

	transport := &http.Transport{DialContext: p.Dialer.DialContext}
	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		p.deny(w, http.StatusBadGateway, "error: upstream_failure")
		p.emit("proxy.request", subject, "error", err.Error(), rule.Domain, r.ContentLength, 0, start)
		return
	}
	defer resp.Body.Close()

	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)

	p.emit("proxy.request", subject, "allowed", "", rule.Domain, r.ContentLength, n, start)
}

// handleConnect implements CONNECT tunneling: steps 1-4 and 6 apply
// (protocol, rule lookup, rate limit, opening-bytes inspection); step
// 5's write-method gating does not apply since CONNECT establishes an
// opaque byte tunnel with no HTTP method semantics of its own.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request, start time.Time) {
	cfg := p.cfg()
	host, portStr, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
		portStr = "443"
	}
	subject := "CONNECT " + r.Host

	rule, blockedReason := p.lookupRule(cfg, host)
	if blockedReason != "" {
		http.Error(w, "blocked: "+blockedReason, http.StatusForbidden)
		p.emit("proxy.connect.open", subject, "blocked", blockedReason, "", 0, 0, start)
		return
	}

	if rule.Source == egressconfig.SourceHardcoded && portStr != "443" {
		http.Error(w, "blocked: protocol_violation", http.StatusBadRequest)
		p.emit("proxy.connect.open", subject, "blocked", "protocol_violation", rule.Domain, 0, 0, start)
		return
	}

	if reason := p.checkRateLimit(rule.Domain); reason != "" {
		retryAfterMs := p.retryAfterMs(rule.Domain)
		w.Header().Set("Retry-After", strconv.FormatInt((retryAfterMs+999)/1000, 10))
		http.Error(w, "throttled", http.StatusTooManyRequests)
		p.emit("ratelimit.hit", subject, "throttled", reason, rule.Domain, 0, 0, start)
		return
	}

	destConn, err := p.Dialer.DialContext(r.Context(), "tcp", net.JoinHostPort(host, portStr))
	if err != nil {
		http.Error(w, "error: upstream_unreachable", http.StatusBadGateway)
		p.emit("proxy.connect.open", subject, "error", err.Error(), rule.Domain, 0, 0, start)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		destConn.Close()
		http.Error(w, "error: hijack_unsupported", http.StatusInternalServerError)
		p.emit("proxy.connect.open", subject, "error", "hijack_unsupported", rule.Domain, 0, 0, start)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		destConn.Close()
		p.emit("proxy.connect.open", subject, "error", err.Error(), rule.Domain, 0, 0, start)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		clientConn.Close()
		destConn.Close()
		return
	}

	p.emit("proxy.connect.open", subject, "allowed", "", rule.Domain, 0, 0, start)

	if cfg.InspectContent && rule.Source != egressconfig.SourceHardcoded {
		peeked, truncated, ok := peekOpeningBytes(clientBuf, inspect.DefaultMaxWindow)
		if ok {
			result := inspect.Inspect(peeked, inspect.DefaultMaxWindow)
			if len(result.PatternsFound) > 0 {
				clientConn.Close()
				destConn.Close()
				p.emit("content.inspect", subject, "blocked", "credential_leak", rule.Domain, int64(len(peeked)), 0, start)
				return
			}
			if truncated && cfg.DenyOnInspectTruncation {
				clientConn.Close()
				destConn.Close()
				p.emit("content.inspect", subject, "blocked", "inspection_truncated", rule.Domain, int64(len(peeked)), 0, start)
				return
			}
			if _, err := destConn.Write(peeked); err != nil {
				clientConn.Close()
				destConn.Close()
				return
			}
		}
	}

	bytesIn, bytesOut := relay(clientConn, clientBuf, destConn)
	p.emit("proxy.connect.close", subject, "closed", "", rule.Domain, bytesIn, bytesOut, start)
}

// peekOpeningBytes reads up to window bytes already buffered by the
// hijacked connection's reader without blocking indefinitely, so
// inspection can run on whatever the client has already sent as part
// of its TLS ClientHello / opening bytes.
func peekOpeningBytes(buf *bufio.ReadWriter, window int) ([]byte, bool, bool) {
	n := buf.Reader.Buffered()
	if n == 0 {
		return nil, false, false
	}
	if n > window {
		n = window
	}
	peeked, err := buf.Reader.Peek(n)
	if err != nil {
		return nil, false, false
	}
	out := make([]byte, len(peeked))
	copy(out, peeked)
	return out, buf.Reader.Buffered() > window, true
}

// relay copies bytes in both directions until both directions finish,
// or until idleTunnelTimeout passes while waiting for one of them. The
// timer is not reset by traffic, so it caps the wait rather than
// measuring inactivity.
func relay(clientConn net.Conn, clientBuf *bufio.ReadWriter, destConn net.Conn) (int64, int64) {
	defer clientConn.Close()
	defer destConn.Close()

	type result struct{ n int64 }
	clientToDestCh := make(chan result, 1)
	destToClientCh := make(chan result, 1)

	go func() {
		n, _ := io.Copy(destConn, clientBuf.Reader)
		if tc, ok := destConn.(interface{ CloseWrite() error }); ok {
			tc.CloseWrite()
		}
		clientToDestCh <- result{n}
	}()
	go func() {
		n, _ := io.Copy(clientConn, destConn)
		if tc, ok := clientConn.(interface{ CloseWrite() error }); ok {
			tc.CloseWrite()
		}
		destToClientCh <- result{n}
	}()

	var bytesIn, bytesOut int64
	for i := 0; i < 2; i++ {
		select {
		case r := <-clientToDestCh:
			bytesIn = r.n
		case r := <-destToClientCh:
			bytesOut = r.n
		case <-time.After(idleTunnelTimeout):
			return bytesIn, bytesOut
		}
	}
	return bytesIn, bytesOut
}

// lookupRule applies the hard-coded-deny-first, then whitelist-match
// logic shared by invariant 7 ("Network gate").
func (p *Proxy) lookupRule(cfg *egressconfig.Config, host string) (egressconfig.DomainRule, string) {
	if cfg.IsBlockedService(host) {
		return egressconfig.DomainRule{}, "no_rule"
	}
	rule, ok := cfg.MatchWhitelist(host)
	if !ok {
		return egressconfig.DomainRule{}, "no_rule"
	}
	return rule, ""
}

func (p *Proxy) checkRateLimit(domain string) string {
	now := time.Now()
	if d := p.RateLimiter.Check(ratelimit.GlobalKey, now); !d.Allowed {
		return "global_rate_limit"
	}
	if d := p.RateLimiter.Check(domain, now); !d.Allowed {
		return "domain_rate_limit"
	}
	return ""
}

func (p *Proxy) retryAfterMs(domain string) int64 {
	d := p.RateLimiter.Check(domain, time.Now())
	if d.RetryAfterMs > 0 {
		return d.RetryAfterMs
	}
	return 1000
}

func (p *Proxy) awaitApproval(ctx context.Context, prompt string) approval.State {
	id, err := p.Approvals.Submit(prompt, approval.DefaultTTL)
	if err != nil {
		return approval.StateDenied
	}
	state, err := p.Approvals.AwaitResolution(ctx, id)
	if err != nil {
		return approval.StateDenied
	}
	return state
}

func (p *Proxy) deny(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}
