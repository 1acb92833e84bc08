// Package audit implements the append-only, hash-chained audit log
// (spec §4.5), grounded on cmd/pulse-sensor-proxy/audit.go's
// auditLogger (sequence + prevHash + sha256 chain) and pkg/audit's
// signer/retention key-management shape.
package audit

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// IntegrityError is returned by Verify when a recomputed hash does not
// match the stored one. It is fatal for the Logger per spec §7.
type IntegrityError struct {
	Sequence uint64
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit: integrity error at sequence %d: %s", e.Sequence, e.Reason)
}

// Logger appends hash-chained entries to a single segment file.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	secret   []byte
	prevHash []byte
	sequence uint64

	path   string
	halted bool // set after an IntegrityError; refuses further writes
}

// Config configures a new Logger.
type Config struct {
	Path   string // destination file (spec's audit_log_path)
	Secret []byte // per-installation HMAC key, see LoadOrCreateSecret
}

// NewLogger opens (or creates) the log file at cfg.Path and prepares
// hash chaining, resuming from the last entry's hash if the file is
// non-empty.
func NewLogger(cfg Config) (*Logger, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("audit: secret must not be empty")
	}

	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: open log file: %w", err)
	}

	l := &Logger{
		file:   file,
		secret: cfg.Secret,
		path:   cfg.Path,
	}

	if err := l.resumeFromTail(); err != nil {
		file.Close()
		return nil, err
	}

	return l, nil
}

// resumeFromTail reads the existing log to recover sequence/prevHash
// state, so a restarted process continues the same hash chain.
func (l *Logger) resumeFromTail() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("audit: reopen for resume: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var last Entry
	found := false
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		last = e
		found = true
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("audit: scan for resume: %w", err)
	}
	if found {
		l.sequence = last.Sequence
		prev, err := hex.DecodeString(last.SelfHash)
		if err != nil {
			return fmt.Errorf("audit: decode tail hash: %w", err)
		}
		l.prevHash = prev
	}
	return nil
}

// Append writes entry to the log, computing its sequence number,
// prev_hash, and self_hash. The caller populates everything except
// those three chain fields.
func (l *Logger) Append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted {
		return errors.New("audit: logger halted after integrity failure, refusing writes")
	}
	if l.file == nil {
		return errors.New("audit: logger closed")
	}

	l.sequence++
	entry.Sequence = l.sequence
	entry.PrevHash = hex.EncodeToString(l.prevHash)

	selfHash := l.computeHash(entry)
	entry.SelfHash = hex.EncodeToString(selfHash)
	l.prevHash = selfHash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	return nil
}

// computeHash is self_hash = HMAC-SHA256(secret, prev_hash ‖ canonical_encoding(entry)).
func (l *Logger) computeHash(entry Entry) []byte {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write(entry.canonicalPayloadWithPrevHash())
	return mac.Sum(nil)
}

// canonicalPayloadWithPrevHash folds prev_hash into the canonical
// payload before hashing, matching spec §3's
// `self_hash = H(prev_hash ‖ canonical_encoding(fields_without_self_hash))`.
func (e Entry) canonicalPayloadWithPrevHash() []byte {
	prevHashHex := []byte(e.PrevHash)
	payload := e.canonicalPayload()
	out := make([]byte, 0, len(prevHashHex)+len(payload))
	out = append(out, prevHashHex...)
	out = append(out, payload...)
	return out
}

// Verify walks entries in order, starting from an empty prev_hash,
// recomputing each self_hash and comparing it to the stored value,
// failing on the first mismatch. entries must begin at the log's first
// record.
func (l *Logger) Verify(entries []Entry) error {
	var prevHash []byte
	for i, e := range entries {
		expected := e
		expected.PrevHash = hex.EncodeToString(prevHash)
		// Entries loaded from disk already have PrevHash/SelfHash set;
		// recompute SelfHash using the chain we are walking, not the
		// stored PrevHash, so tampering with prev_hash is also caught.
		gotHash := l.computeHash(Entry{
			Timestamp:   e.Timestamp,
			Actor:       e.Actor,
			EventType:   e.EventType,
			Subject:     e.Subject,
			Outcome:     e.Outcome,
			Reason:      e.Reason,
			RuleMatched: e.RuleMatched,
			BytesIn:     e.BytesIn,
			BytesOut:    e.BytesOut,
			DurationMs:  e.DurationMs,
			Sequence:    e.Sequence,
			PrevHash:    expected.PrevHash,
		})
		if hex.EncodeToString(gotHash) != e.SelfHash {
			l.mu.Lock()
			l.halted = true
			l.mu.Unlock()
			log.Error().Uint64("sequence", e.Sequence).Msg("audit log integrity check failed")
			return &IntegrityError{Sequence: e.Sequence, Reason: fmt.Sprintf("entry %d: self_hash mismatch", i)}
		}
		if e.PrevHash != expected.PrevHash {
			l.mu.Lock()
			l.halted = true
			l.mu.Unlock()
			return &IntegrityError{Sequence: e.Sequence, Reason: fmt.Sprintf("entry %d: prev_hash mismatch", i)}
		}
		prevHash, _ = hex.DecodeString(e.SelfHash)
	}
	return nil
}

// ReadAll loads every entry currently in the log file, in order.
func (l *Logger) ReadAll() ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("audit: open for read: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("audit: unmarshal entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan entries: %w", err)
	}
	return entries, nil
}

// Rotate appends a checkpoint entry recording the tail hash to the
// current segment, then closes it and opens a new segment at newPath.
func (l *Logger) Rotate(newPath string) error {
	l.mu.Lock()
	tailHash := hex.EncodeToString(l.prevHash)
	oldFile := l.file
	l.mu.Unlock()

	checkpoint := Entry{
		EventType: "audit.rotate.checkpoint",
		Subject:   l.path,
		Outcome:   "ok",
		Reason:    "tail_hash=" + tailHash,
	}
	if err := l.Append(checkpoint); err != nil {
		return fmt.Errorf("audit: write rotation checkpoint: %w", err)
	}

	if err := oldFile.Close(); err != nil {
		return fmt.Errorf("audit: close old segment: %w", err)
	}

	newFile, err := os.OpenFile(newPath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return fmt.Errorf("audit: open new segment: %w", err)
	}

	l.mu.Lock()
	l.file = newFile
	l.path = newPath
	l.mu.Unlock()
	return nil
}

// Healthy reports whether the logger is still accepting writes.
func (l *Logger) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.halted
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
