package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"bazaar-lite/bazaar"
	"bazaar-lite/bazaar/catalog"
	"bazaar-lite/replay"
)

func qty(n int) *int { return &n }

// seedSession appends a turn-0 entry and n executed buy turns, mirroring
// what a session writes as it commits.
func seedSession(t *testing.T, s Service, sessionID string, n int) bazaar.World {
	t.Helper()
	ctx := context.Background()
	w, err := catalog.Default().NewWorld(time.Unix(1700000000, 0).UTC())
	if err != nil {
		t.Fatalf("NewWorld err: %v", err)
	}
	first, err := InitialEntry(sessionID, w)
	if err != nil {
		t.Fatalf("InitialEntry err: %v", err)
	}
	if err := s.AppendTurn(ctx, first); err != nil {
		t.Fatalf("AppendTurn(0) err: %v", err)
	}
	m := bazaar.NewMutator()
	for i := 1; i <= n; i++ {
		in := bazaar.Intent{
			Kind:       bazaar.KindBuyItem,
			Entities:   bazaar.Entities{Item: "apple", Quantity: qty(1)},
			Grammar:    bazaar.Grammar{Politeness: bazaar.PolitenessPolite},
			Confidence: 0.9,
			Transcript: fmt.Sprintf("one apple please (%d)", i),
		}
		var diff bazaar.Diff
		w, diff = m.Apply(in, w)
		err := s.AppendTurn(ctx, Entry{
			SessionID: sessionID,
			Turn:      i,
			Utterance: in.Transcript,
			Intent:    in,
			Executed:  true,
			Valid:     true,
			Event:     diff.Event,
			Dialogue:  diff.Dialogue,
			Digest:    bazaar.Digest(w),
			CreatedAt: time.Unix(1700000000+int64(i), 0).UTC(),
		})
		if err != nil {
			t.Fatalf("AppendTurn(%d) err: %v", i, err)
		}
	}
	return w
}

func exerciseLedger(t *testing.T, s Service) {
	t.Helper()
	ctx := context.Background()
	final := seedSession(t, s, "s1", 5)

	if _, err := s.ListTurns(ctx, "nobody", 10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ListTurns unknown err=%v", err)
	}
	items, err := s.ListTurns(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("ListTurns err: %v", err)
	}
	if len(items) != 3 || items[0].Turn != 3 || items[2].Turn != 5 {
		t.Fatalf("recent turns=%+v", items)
	}

	// Duplicate appends are ignored.
	if err := s.AppendTurn(ctx, Entry{SessionID: "s1", Turn: 5, Digest: "bogus"}); err != nil {
		t.Fatalf("duplicate append err: %v", err)
	}

	tape, err := s.Tape(ctx, "s1")
	if err != nil {
		t.Fatalf("Tape err: %v", err)
	}
	if len(tape.Steps) != 5 {
		t.Fatalf("steps=%d", len(tape.Steps))
	}
	report, err := replay.Verify(tape)
	if err != nil {
		t.Fatalf("Verify err: %v", err)
	}
	if report.FinalDigest != bazaar.Digest(final) {
		t.Fatalf("replayed digest differs from committed world")
	}
}

func TestMemoryService(t *testing.T) {
	exerciseLedger(t, NewMemoryService(0))
}

func TestSQLiteService(t *testing.T) {
	s, err := NewSQLiteService(filepath.Join(t.TempDir(), "ledger.db"), 0)
	if err != nil {
		t.Fatalf("NewSQLiteService err: %v", err)
	}
	defer s.Close()
	exerciseLedger(t, s)
}

func TestTape_RequiresInitialSnapshot(t *testing.T) {
	s := NewMemoryService(0)
	_ = s.AppendTurn(context.Background(), Entry{SessionID: "s1", Turn: 1})
	if _, err := s.Tape(context.Background(), "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestHTTPHandler_Routes(t *testing.T) {
	s := NewMemoryService(0)
	seedSession(t, s, "abc", 4)
	mux := http.NewServeMux()
	NewHTTPHandler(s).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ledger/abc/turns?limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("turns status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		SessionID string  `json:"session_id"`
		Items     []Entry `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if body.SessionID != "abc" || len(body.Items) != 2 || body.Items[1].Turn != 4 {
		t.Fatalf("body=%+v", body)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ledger/abc/tape?compress=true", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/zstd" {
		t.Fatalf("tape status=%d type=%s", rec.Code, rec.Header().Get("Content-Type"))
	}
	tape, err := replay.DecodeTape(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("DecodeTape err: %v", err)
	}
	if _, err := replay.Verify(tape); err != nil {
		t.Fatalf("Verify err: %v", err)
	}

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/api/ledger/missing/turns", http.StatusNotFound},
		{http.MethodGet, "/api/ledger/abc/nope", http.StatusNotFound},
		{http.MethodGet, "/api/ledger/abc", http.StatusNotFound},
		{http.MethodPost, "/api/ledger/abc/turns", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != tc.want {
			t.Fatalf("%s %s: status=%d, want %d", tc.method, tc.path, rec.Code, tc.want)
		}
	}
}

func TestParseLimit(t *testing.T) {
	cases := map[string]int{"": 20, "abc": 20, "-3": 20, "7": 7, "500": 100}
	for raw, want := range cases {
		if got := parseLimit(raw); got != want {
			t.Fatalf("parseLimit(%q)=%d, want %d", raw, got, want)
		}
	}
}
