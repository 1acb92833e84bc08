// Package dnsfilter implements the DNS Filter (spec §4.8): a UDP
// name-service that forwards whitelisted queries to an upstream
// resolver and returns NXDOMAIN for everything else. The wire codec
// is golang.org/x/net/dns/dnsmessage, the same low-level DNS message
// package the example pack's networking code reaches for instead of
// hand-rolling the RFC 1035 wire format.
package dnsfilter

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/dns/dnsmessage"

	"github.com/aegisrun/aegis-core/internal/egressconfig"
)

// AuditSink receives one call per handled query.
type AuditSink func(eventType, subject, outcome, reason string)

// Filter is the UDP DNS server.
type Filter struct {
	Audit AuditSink
	// Upstream dials the configured upstream resolver; overridable in
	// tests.
	Upstream func(query []byte) ([]byte, error)

	config atomic.Pointer[egressconfig.Config]
	conn   *net.UDPConn
	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Filter bound to cfg, ready to Start.
func New(cfg *egressconfig.Config, audit AuditSink) *Filter {
	f := &Filter{Audit: audit}
	f.config.Store(cfg)
	return f
}

// SetConfig atomically swaps the effective egress config (spec §4.10
// reload), mirroring egressproxy.Proxy.SetConfig.
func (f *Filter) SetConfig(cfg *egressconfig.Config) {
	f.config.Store(cfg)
}

func (f *Filter) cfg() *egressconfig.Config {
	return f.config.Load()
}

const readBufferSize = 4096
const upstreamTimeout = 5 * time.Second

// Start binds the UDP socket on addr and begins serving. It
// returns once the socket is bound; request handling runs in a
// background goroutine.
func (f *Filter) Start(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("dnsfilter: resolve listen address: %w", err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("dnsfilter: bind udp socket: %w", err)
	}

	if f.Upstream == nil {
		f.Upstream = f.defaultUpstream
	}

	f.conn = conn
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})

	go f.serve()
	return nil
}

// Stop closes the listening socket and waits for the serve loop to
// exit.
func (f *Filter) Stop() {
	if f.conn == nil {
		return
	}
	close(f.stopCh)
	f.conn.Close()
	<-f.doneCh
}

func (f *Filter) serve() {
	defer close(f.doneCh)

	buf := make([]byte, readBufferSize)
	for {
		n, clientAddr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-f.stopCh:
				return
			default:
				log.Warn().Err(err).Msg("dnsfilter: read error")
				continue
			}
		}

		query := make([]byte, n)
		copy(query, buf[:n])
		go f.handle(query, clientAddr)
	}
}

func (f *Filter) handle(query []byte, clientAddr *net.UDPAddr) {
	var parser dnsmessage.Parser
	header, err := parser.Start(query)
	if err != nil {
		f.replyFormErr(query, clientAddr, "")
		return
	}

	question, err := parser.Question()
	if err != nil {
		f.replyFormErr(query, clientAddr, "")
		return
	}
	name := question.Name.String()

	if question.Type == dnsmessage.TypePTR {
		// Open question in spec §9: resolved here as NXDOMAIN-always,
		// audited so the choice is visible rather than silent.
		f.audit("dns.ptr.blocked", name, "nxdomain", "reverse_lookups_always_blocked")
		f.replyNXDomain(header, question, clientAddr)
		return
	}

	if !f.isWhitelisted(name) {
		f.audit("dns.query", name, "nxdomain", "no_rule")
		f.replyNXDomain(header, question, clientAddr)
		return
	}

	answer, err := f.Upstream(query)
	if err != nil {
		log.Warn().Err(err).Str("name", name).Msg("dnsfilter: upstream query failed")
		f.audit("dns.query", name, "error", "upstream_failure")
		f.replyNXDomain(header, question, clientAddr)
		return
	}

	f.audit("dns.query", name, "forwarded", "")
	if _, err := f.conn.WriteToUDP(answer, clientAddr); err != nil {
		log.Warn().Err(err).Msg("dnsfilter: write response failed")
	}
}

// isWhitelisted matches the queried name (any label suffix) against
// an enabled Domain Rule, mirroring the proxy's MatchWhitelist.
func (f *Filter) isWhitelisted(name string) bool {
	_, ok := f.cfg().MatchWhitelist(name)
	return ok
}

func (f *Filter) replyNXDomain(header dnsmessage.Header, question dnsmessage.Question, clientAddr *net.UDPAddr) {
	f.writeResponse(header, question, dnsmessage.RCodeNameError, clientAddr)
}

// replyFormErr responds RCODE=1 to a query that failed to parse even
// far enough to extract an id/question; it echoes the best-effort
// transaction id it can read directly from the wire, since the parser
// may not have reached the header.
func (f *Filter) replyFormErr(query []byte, clientAddr *net.UDPAddr, name string) {
	f.audit("dns.query", name, "formerr", "malformed_query")

	var id uint16
	if len(query) >= 2 {
		id = uint16(query[0])<<8 | uint16(query[1])
	}

	header := dnsmessage.Header{ID: id, Response: true, RCode: dnsmessage.RCodeFormatError}
	builder := dnsmessage.NewBuilder(nil, header)
	msg, err := builder.Finish()
	if err != nil {
		log.Warn().Err(err).Msg("dnsfilter: build FORMERR response failed")
		return
	}
	if _, err := f.conn.WriteToUDP(msg, clientAddr); err != nil {
		log.Warn().Err(err).Msg("dnsfilter: write FORMERR response failed")
	}
}

func (f *Filter) writeResponse(header dnsmessage.Header, question dnsmessage.Question, rcode dnsmessage.RCode, clientAddr *net.UDPAddr) {
	respHeader := dnsmessage.Header{
		ID:                 header.ID,
		Response:           true,
		OpCode:             header.OpCode,
		Authoritative:      false,
		RecursionDesired:   header.RecursionDesired,
		RecursionAvailable: true,
		RCode:              rcode,
	}

	builder := dnsmessage.NewBuilder(nil, respHeader)
	builder.StartQuestions()
	if err := builder.Question(question); err != nil {
		log.Warn().Err(err).Msg("dnsfilter: add question to response failed")
		return
	}

	msg, err := builder.Finish()
	if err != nil {
		log.Warn().Err(err).Msg("dnsfilter: build response failed")
		return
	}
	if _, err := f.conn.WriteToUDP(msg, clientAddr); err != nil {
		log.Warn().Err(err).Msg("dnsfilter: write response failed")
	}
}

// defaultUpstream forwards the raw query bytes to the configured
// upstream resolver over UDP and returns its raw answer unchanged,
// per spec §4.8's "forward the query to a configured upstream
// resolver and return its answer unchanged".
func (f *Filter) defaultUpstream(query []byte) ([]byte, error) {
	conn, err := net.DialTimeout("udp", f.cfg().UpstreamResolver, upstreamTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial upstream resolver: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(upstreamTimeout)); err != nil {
		return nil, fmt.Errorf("set upstream deadline: %w", err)
	}
	if _, err := conn.Write(query); err != nil {
		return nil, fmt.Errorf("write upstream query: %w", err)
	}

	buf := make([]byte, readBufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return buf[:n], nil
}

func (f *Filter) audit(eventType, subject, outcome, reason string) {
	if f.Audit == nil {
		return
	}
	f.Audit(eventType, subject, outcome, reason)
}
