package audit

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Recorder is what the lifecycle manager, gate and scanner write through.
type Recorder interface {
	Record(ctx context.Context, e *Event) error
}

// Log is the audit recorder: it stamps each event with a monotonic ULID and a
// keyed digest before handing it to the repository.
type Log struct {
	repo   Repository
	key    []byte
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewLog creates a Log. An empty key falls back to an unkeyed SHA-256 digest,
// which still detects accidental corruption but not deliberate rewrites.
func NewLog(repo Repository, key []byte, logger zerolog.Logger) *Log {
	return &Log{
		repo:    repo,
		key:     key,
		logger:  logger,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func (l *Log) nextID(t time.Time) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), l.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Record stamps and appends e. The timestamp is kept when already set so the
// gate can record the evaluation time it decided on.
func (l *Log) Record(ctx context.Context, e *Event) error {
	if e.Action == "" {
		return fmt.Errorf("audit: event action is required")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	// Postgres keeps microseconds; truncate so digests survive a round trip.
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)

	id, err := l.nextID(l.now())
	if err != nil {
		return fmt.Errorf("audit: assign id: %w", err)
	}
	e.ID = id
	e.Hash = l.digest(e)

	if err := l.repo.Append(ctx, e); err != nil {
		l.logger.Error().Err(err).Str("action", string(e.Action)).Msg("audit append failed")
		return fmt.Errorf("audit: append: %w", err)
	}
	l.logger.Debug().
		Str("event_id", e.ID).
		Int64("seq", e.Seq).
		Str("action", string(e.Action)).
		Str("actor_id", e.ActorID).
		Str("outcome", e.Outcome).
		Msg("audit event recorded")
	return nil
}

// List returns events matching f.
func (l *Log) List(ctx context.Context, f Filter) ([]*Event, error) {
	return l.repo.List(ctx, f)
}

func canonical(e *Event) string {
	count := ""
	if e.AccessCount != nil {
		count = strconv.Itoa(*e.AccessCount)
	}
	parts := []string{
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.ActorID,
		string(e.Action),
		refString(e.ContractID),
		refString(e.RequestID),
		e.DataType,
		count,
		e.Outcome,
		e.Detail,
	}
	return strings.Join(parts, "\x1f")
}

func refString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func (l *Log) digest(e *Event) string {
	msg := []byte(canonical(e))
	if len(l.key) == 0 {
		sum := sha256.Sum256(msg)
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, l.key)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyReport is the result of walking the whole trail.
type VerifyReport struct {
	Checked  int      `json:"checked"`
	Tampered []string `json:"tampered,omitempty"`
	Gaps     []int64  `json:"gaps,omitempty"`
	Valid    bool     `json:"valid"`
}

const verifyPageSize = 500

// Verify recomputes every event digest and checks that sequence numbers are
// contiguous. A missing sequence number means a row was removed (Postgres may
// also skip a value when an insert is rolled back, so gaps need review rather
// than proving tampering).
func (l *Log) Verify(ctx context.Context) (*VerifyReport, error) {
	report := &VerifyReport{}
	var last int64
	for {
		page, err := l.repo.List(ctx, Filter{AfterSeq: last, Limit: verifyPageSize})
		if err != nil {
			return nil, fmt.Errorf("audit: verify: %w", err)
		}
		for _, e := range page {
			for missing := last + 1; missing < e.Seq; missing++ {
				report.Gaps = append(report.Gaps, missing)
			}
			if !hmac.Equal([]byte(l.digest(e)), []byte(e.Hash)) {
				report.Tampered = append(report.Tampered, e.ID)
			}
			last = e.Seq
			report.Checked++
		}
		if len(page) < verifyPageSize {
			break
		}
	}
	report.Valid = len(report.Tampered) == 0 && len(report.Gaps) == 0
	if !report.Valid {
		l.logger.Warn().
			Int("tampered", len(report.Tampered)).
			Int("gaps", len(report.Gaps)).
			Msg("audit trail verification failed")
	}
	return report, nil
}
