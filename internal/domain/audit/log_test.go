package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestLog() (*Log, *memoryRepo) {
	repo := NewMemoryRepository().(*memoryRepo)
	return NewLog(repo, testKey, zerolog.Nop()), repo
}

func record(t *testing.T, l *Log, e *Event) *Event {
	t.Helper()
	if err := l.Record(context.Background(), e); err != nil {
		t.Fatalf("record: %v", err)
	}
	return e
}

func TestRecord_AssignsIdentity(t *testing.T) {
	l, _ := newTestLog()
	ts := time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.FixedZone("CET", 3600))
	e := record(t, l, &Event{Timestamp: ts, ActorID: "org-1", Action: ActionRequestCreated, Outcome: OutcomeSuccess})

	if e.Seq != 1 {
		t.Errorf("expected seq 1, got %d", e.Seq)
	}
	if _, err := ulid.ParseStrict(e.ID); err != nil {
		t.Errorf("id %q is not a ULID: %v", e.ID, err)
	}
	if e.Hash == "" || len(e.Hash) != 64 {
		t.Errorf("expected hex sha-256 digest, got %q", e.Hash)
	}
	if e.Timestamp.Location() != time.UTC || e.Timestamp.Nanosecond()%1000 != 0 {
		t.Errorf("timestamp must be UTC microseconds, got %v", e.Timestamp)
	}
	if !e.Timestamp.Equal(ts.Truncate(time.Microsecond)) {
		t.Errorf("caller timestamp not kept: %v", e.Timestamp)
	}
}

func TestRecord_DefaultsTimestamp(t *testing.T) {
	l, _ := newTestLog()
	fixed := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }
	e := record(t, l, &Event{Action: ActionContractReviewed})
	if !e.Timestamp.Equal(fixed) {
		t.Errorf("expected %v, got %v", fixed, e.Timestamp)
	}
}

func TestRecord_RequiresAction(t *testing.T) {
	l, repo := newTestLog()
	if err := l.Record(context.Background(), &Event{ActorID: "x"}); err == nil {
		t.Fatal("expected error for missing action")
	}
	if len(repo.events) != 0 {
		t.Error("rejected event must not be appended")
	}
}

type failingRepo struct{ Repository }

func (failingRepo) Append(context.Context, *Event) error { return errors.New("disk full") }

func TestRecord_PropagatesAppendFailure(t *testing.T) {
	l := NewLog(failingRepo{}, testKey, zerolog.Nop())
	if err := l.Record(context.Background(), &Event{Action: ActionRequestCreated}); err == nil {
		t.Fatal("expected append failure")
	}
}

func TestRecord_IDsAreMonotonic(t *testing.T) {
	l, _ := newTestLog()
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	var prev string
	for i := 0; i < 100; i++ {
		e := record(t, l, &Event{Action: ActionContractAccessed})
		if e.ID <= prev {
			t.Fatalf("id %s not after %s", e.ID, prev)
		}
		prev = e.ID
	}
}

func TestRecord_ConcurrentSeqIsContiguous(t *testing.T) {
	l, repo := newTestLog()
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Record(context.Background(), &Event{Action: ActionAccessDenied})
		}()
	}
	wg.Wait()

	report, err := l.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.Checked != 40 || len(repo.events) != 40 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestDigest_KeyMatters(t *testing.T) {
	l, _ := newTestLog()
	e := record(t, l, &Event{ActorID: "a", Action: ActionContractRevoked, Outcome: OutcomeSuccess})

	other := NewLog(NewMemoryRepository(), []byte("another key of thirty-two bytes!"), zerolog.Nop())
	if other.digest(e) == e.Hash {
		t.Error("digest must depend on the key")
	}
	unkeyed := NewLog(NewMemoryRepository(), nil, zerolog.Nop())
	if unkeyed.digest(e) == e.Hash {
		t.Error("unkeyed digest must differ from keyed digest")
	}
}

func TestDigest_CoversEveryField(t *testing.T) {
	l, _ := newTestLog()
	cid := uuid.New()
	n := 2
	base := &Event{
		ID: "01J00000000000000000000000", Timestamp: time.Unix(1700000000, 0).UTC(),
		ActorID: "svc", Action: ActionContractAccessed, ContractID: &cid,
		DataType: "vitals", AccessCount: &n, Outcome: OutcomeGranted, Detail: "d",
	}
	want := l.digest(base)

	mutations := map[string]func(e *Event){
		"actor":    func(e *Event) { e.ActorID = "other" },
		"action":   func(e *Event) { e.Action = ActionAccessDenied },
		"contract": func(e *Event) { e.ContractID = UUIDRef(uuid.New()) },
		"request":  func(e *Event) { e.RequestID = UUIDRef(uuid.New()) },
		"type":     func(e *Event) { e.DataType = "lab_results" },
		"count":    func(e *Event) { m := 3; e.AccessCount = &m },
		"outcome":  func(e *Event) { e.Outcome = "expired" },
		"detail":   func(e *Event) { e.Detail = "" },
		"time":     func(e *Event) { e.Timestamp = e.Timestamp.Add(time.Microsecond) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			e := base.clone()
			mutate(e)
			if l.digest(e) == want {
				t.Errorf("changing %s did not change the digest", name)
			}
		})
	}
}

func TestVerify_DetectsMutation(t *testing.T) {
	l, repo := newTestLog()
	for i := 0; i < 3; i++ {
		record(t, l, &Event{ActorID: "svc", Action: ActionContractAccessed, Outcome: OutcomeGranted})
	}

	repo.mu.Lock()
	repo.events[1].Outcome = "expired"
	tamperedID := repo.events[1].ID
	repo.mu.Unlock()

	report, err := l.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid {
		t.Fatal("expected invalid report")
	}
	if len(report.Tampered) != 1 || report.Tampered[0] != tamperedID {
		t.Errorf("expected %s flagged, got %v", tamperedID, report.Tampered)
	}
	if report.Checked != 3 {
		t.Errorf("expected 3 checked, got %d", report.Checked)
	}
}

func TestVerify_DetectsGap(t *testing.T) {
	l, repo := newTestLog()
	for i := 0; i < 4; i++ {
		record(t, l, &Event{Action: ActionRequestCreated})
	}

	repo.mu.Lock()
	repo.events = append(repo.events[:1], repo.events[3:]...)
	repo.mu.Unlock()

	report, err := l.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid || len(report.Tampered) != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if len(report.Gaps) != 2 || report.Gaps[0] != 2 || report.Gaps[1] != 3 {
		t.Errorf("expected gaps [2 3], got %v", report.Gaps)
	}
}

func TestVerify_PagesThroughLongTrail(t *testing.T) {
	l, _ := newTestLog()
	total := verifyPageSize + 7
	for i := 0; i < total; i++ {
		record(t, l, &Event{Action: ActionContractAccessed})
	}
	report, err := l.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.Checked != total {
		t.Errorf("expected %d valid, got %+v", total, report)
	}
}

func TestList_Filters(t *testing.T) {
	l, _ := newTestLog()
	c1, c2 := uuid.New(), uuid.New()
	t1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	record(t, l, &Event{Timestamp: t1, ActorID: "a", Action: ActionContractAccessed, ContractID: &c1})
	record(t, l, &Event{Timestamp: t1.Add(time.Hour), ActorID: "b", Action: ActionAccessDenied, ContractID: &c1})
	record(t, l, &Event{Timestamp: t1.Add(2 * time.Hour), ActorID: "a", Action: ActionContractAccessed, ContractID: &c2})

	from, to := t1.Add(time.Hour), t1.Add(2*time.Hour)
	tests := []struct {
		name string
		f    Filter
		want int
	}{
		{"all", Filter{}, 3},
		{"contract", Filter{ContractID: &c1}, 2},
		{"actor", Filter{ActorID: "a"}, 2},
		{"action", Filter{Actions: []Action{ActionAccessDenied}}, 1},
		{"half-open range", Filter{From: &from, To: &to}, 1},
		{"after seq", Filter{AfterSeq: 2}, 1},
		{"limit", Filter{Limit: 2}, 2},
		{"request none", Filter{RequestID: UUIDRef(uuid.New())}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.List(context.Background(), tt.f)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("expected %d events, got %d", tt.want, len(got))
			}
		})
	}
}

func TestList_ReturnsCopies(t *testing.T) {
	l, _ := newTestLog()
	record(t, l, &Event{Action: ActionContractAccessed, Outcome: OutcomeGranted})

	got, _ := l.List(context.Background(), Filter{})
	got[0].Outcome = "changed"

	report, err := l.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Error("mutating a listed event must not affect the stored trail")
	}
}
