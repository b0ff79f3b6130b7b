// Package audit records operator actions as an append-only, hash-chained log.
package audit

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/onnwee/chatgate/telemetry"
)

const (
	// DefaultOperator is recorded when the caller supplies no operator name.
	DefaultOperator = "Operator"
	// DeniedPrefix marks entries for requests refused by operator auth.
	DeniedPrefix = "DENIED:"

	summaryKeys   = 8
	summaryMax    = 512
	summaryKeep   = 509
	memoryEntries = 500
)

// Entry is one immutable audit record.
type Entry struct {
	Seq            int64     `json:"seq"`
	TS             time.Time `json:"ts"`
	Operator       string    `json:"operator"`
	Role           string    `json:"role,omitempty"`
	AuthMode       string    `json:"auth_mode,omitempty"`
	Action         string    `json:"action"`
	PayloadSummary string    `json:"payload_summary"`
	Result         string    `json:"result"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	PrevHash       string    `json:"prev_hash"`
	Hash           string    `json:"hash"`
}

// Actor identifies who performed an action.
type Actor struct {
	Name     string
	Role     string
	AuthMode string
}

// Sink durably stores entries.
type Sink interface {
	Name() string
	Write(ctx context.Context, e Entry) error
}

// Reader is implemented by sinks that can serve recent entries back.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Logger) { l.now = now } }

// WithSink adds a sink. The first sink that implements Reader seeds the chain
// and serves Recent.
func WithSink(s Sink) Option {
	return func(l *Logger) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// Logger appends entries to every sink. Sink failures are logged and counted;
// Append never fails the caller.
type Logger struct {
	mu      sync.Mutex
	writeMu sync.Mutex // held across sink writes so sinks see chain order
	now     func() time.Time
	sinks   []Sink
	reader  Reader
	seq     int64
	last    string
	memory  []Entry
}

// New builds a Logger and resumes the hash chain from the reader sink's tail.
func New(ctx context.Context, opts ...Option) *Logger {
	l := &Logger{now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	for _, s := range l.sinks {
		if r, ok := s.(Reader); ok {
			l.reader = r
			break
		}
	}
	if l.reader != nil {
		tail, err := l.reader.Recent(ctx, 1)
		if err != nil {
			slog.Warn("audit chain resume failed; starting a new chain", slog.String("component", "audit"), slog.Any("err", err))
		} else if len(tail) == 1 {
			l.seq = tail[0].Seq
			l.last = tail[0].Hash
		}
	}
	return l
}

// Append records one operator action and returns the stored entry.
func (l *Logger) Append(ctx context.Context, actor Actor, action string, payload map[string]any, result string) Entry {
	operator := strings.TrimSpace(actor.Name)
	if operator == "" {
		operator = DefaultOperator
	}

	l.mu.Lock()
	e := Entry{
		Seq:            l.seq + 1,
		TS:             l.now().UTC().Truncate(time.Microsecond),
		Operator:       operator,
		Role:           actor.Role,
		AuthMode:       actor.AuthMode,
		Action:         action,
		PayloadSummary: Summarize(payload),
		Result:         result,
		CorrelationID:  telemetry.GetCorrelation(ctx),
		PrevHash:       l.last,
	}
	e.Hash = HashEntry(e)
	l.seq = e.Seq
	l.last = e.Hash

	l.memory = append(l.memory, e)
	if len(l.memory) > memoryEntries {
		l.memory = l.memory[len(l.memory)-memoryEntries:]
	}
	l.writeMu.Lock()
	l.mu.Unlock()
	defer l.writeMu.Unlock()

	telemetry.TimeFunc(telemetry.AuditWriteDuration, func() {
		for _, s := range l.sinks {
			if err := s.Write(ctx, e); err != nil {
				telemetry.IncAuditWriteFailure(s.Name())
				telemetry.LoggerWithCorr(ctx).Error("audit write failed", slog.String("component", "audit"),
					slog.String("sink", s.Name()), slog.String("action", action), slog.Any("err", err))
			}
		}
	})
	return e
}

// Denied records a refused operator request as DENIED:<action>.
func (l *Logger) Denied(ctx context.Context, actor Actor, action string, payload map[string]any, reason string) Entry {
	return l.Append(ctx, actor, DeniedPrefix+strings.ToUpper(action), payload, reason)
}

// Recent returns up to limit entries, oldest first. The reader sink is
// preferred; the in-memory tail is used when there is none or it fails.
func (l *Logger) Recent(ctx context.Context, limit int) []Entry {
	if limit <= 0 {
		limit = 50
	}
	if l.reader != nil {
		entries, err := l.reader.Recent(ctx, limit)
		if err == nil {
			return entries
		}
		slog.Warn("audit read failed; serving memory tail", slog.String("component", "audit"), slog.Any("err", err))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	start := max(0, len(l.memory)-limit)
	out := make([]Entry, len(l.memory)-start)
	copy(out, l.memory[start:])
	return out
}

// Summarize renders at most the first 8 keys (sorted) of payload as JSON,
// truncated to 512 characters.
func Summarize(payload map[string]any) string {
	if len(payload) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > summaryKeys {
		keys = keys[:summaryKeys]
	}
	subset := make(map[string]any, len(keys))
	for _, k := range keys {
		subset[k] = payload[k]
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	text := ""
	if err := enc.Encode(subset); err != nil {
		text = fmt.Sprintf("%v", subset)
	} else {
		text = strings.TrimSuffix(buf.String(), "\n")
	}

	runes := []rune(text)
	if len(runes) > summaryMax {
		return string(runes[:summaryKeep]) + "..."
	}
	return text
}

// HashEntry computes the chain hash of e: BLAKE3 over the previous hash
// followed by the entry's JSON with Hash cleared.
func HashEntry(e Entry) string {
	e.Hash = ""
	body, err := json.Marshal(e)
	if err != nil {
		// Only an out-of-range timestamp can fail to marshal.
		body = fmt.Appendf(nil, "%+v", e)
	}
	h := blake3.New()
	_, _ = h.Write([]byte(e.PrevHash)) //nolint:errcheck // hash writes never fail
	_, _ = h.Write(body)               //nolint:errcheck // hash writes never fail
	return hex.EncodeToString(h.Sum(nil))
}

// ChainError reports the first entry that breaks the chain.
type ChainError struct {
	Index  int
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at index %d (seq %d): %s", e.Index, e.Seq, e.Reason)
}

// VerifyChain checks that entries, oldest first, link and hash correctly. The
// first entry's PrevHash is trusted so a window of the log can be verified.
func VerifyChain(entries []Entry) error {
	for i, e := range entries {
		if got := HashEntry(e); got != e.Hash {
			return &ChainError{Index: i, Seq: e.Seq, Reason: "hash mismatch"}
		}
		if i == 0 {
			continue
		}
		prev := entries[i-1]
		if e.PrevHash != prev.Hash {
			return &ChainError{Index: i, Seq: e.Seq, Reason: "prev_hash does not match previous entry"}
		}
		if e.Seq != prev.Seq+1 {
			return &ChainError{Index: i, Seq: e.Seq, Reason: fmt.Sprintf("sequence gap after %d", prev.Seq)}
		}
	}
	return nil
}
