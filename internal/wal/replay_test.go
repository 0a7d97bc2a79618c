package wal

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
)

// replayWriter collects forwarded entries and can fail per call.
type replayWriter struct {
	mu      sync.Mutex
	entries []json.RawMessage
	calls   int
	failFor func(call int, batch []json.RawMessage) error
}

func (w *replayWriter) WriteBatch(_ context.Context, batch []json.RawMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failFor != nil {
		if err := w.failFor(w.calls, batch); err != nil {
			return err
		}
	}
	for _, b := range batch {
		cp := make(json.RawMessage, len(b))
		copy(cp, b)
		w.entries = append(w.entries, cp)
	}
	return nil
}

func (w *replayWriter) parsed(t *testing.T) []contract.AuditEntry {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]contract.AuditEntry, 0, len(w.entries))
	for _, raw := range w.entries {
		e, err := contract.ParseAuditEntry(raw)
		if err != nil {
			t.Fatalf("forwarded entry does not parse: %v", err)
		}
		out = append(out, e)
	}
	return out
}

// seedJournal writes entries through a journal and closes it, leaving
// files behind as a crashed process would.
func seedJournal(t *testing.T, dir string, entries ...contract.AuditEntry) {
	t.Helper()
	j, err := NewJournal(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		blob, err := json.Marshal(e)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := j.Append(blob); err != nil {
			t.Fatal(err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestReplayForwardsAndSynthesizes(t *testing.T) {
	dir := t.TempDir()
	seedJournal(t, dir,
		testEntry(t, "r1", contract.PhaseBegin),
		testEntry(t, "r1", contract.PhaseEnd),
		testEntry(t, "r2", contract.PhaseBegin), // process died mid-request
	)

	w := &replayWriter{}
	res, err := Replay(context.Background(), dir, w, ReplayOptions{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Entries != 3 || res.Synthesized != 1 || res.Submitted != 4 {
		t.Errorf("result = %+v", res)
	}

	entries := w.parsed(t)
	if len(entries) != 4 {
		t.Fatalf("forwarded = %d", len(entries))
	}
	synth := entries[3]
	if synth.Phase != contract.PhaseEnd || synth.Meta.RequestID != "r2" {
		t.Errorf("synthesized = %+v", synth)
	}
	if synth.Status != contract.StatusError || synth.Err != contract.ErrMarkShutdownReplay {
		t.Errorf("synthesized outcome = %q/%q", synth.Status, synth.Err)
	}
	if synth.Target == nil || synth.Target.Slug != "user" {
		t.Errorf("synthesized target = %+v", synth.Target)
	}

	// Replayed files are gone; a fresh boot replays nothing.
	files, _ := ListJournalFiles(dir)
	if len(files) != 0 {
		t.Errorf("files remain: %v", files)
	}
}

func TestReplayEmptyDir(t *testing.T) {
	w := &replayWriter{}
	res, err := Replay(context.Background(), t.TempDir(), w, ReplayOptions{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Files != 0 || w.calls != 0 {
		t.Errorf("result = %+v, calls = %d", res, w.calls)
	}
}

func TestReplayToleratesTornLine(t *testing.T) {
	dir := t.TempDir()
	seedJournal(t, dir,
		testEntry(t, "r1", contract.PhaseBegin),
		testEntry(t, "r1", contract.PhaseEnd),
	)

	// Simulate a crash mid-write: append a torn line to the newest file.
	files, err := ListJournalFiles(dir)
	if err != nil || len(files) != 1 {
		t.Fatalf("files = %v, %v", files, err)
	}
	f, err := os.OpenFile(files[0], os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"appendedAt":123,"blob":{"tr`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	w := &replayWriter{}
	res, err := Replay(context.Background(), dir, w, ReplayOptions{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Corrupt != 1 {
		t.Errorf("corrupt = %d, want 1", res.Corrupt)
	}
	if res.Submitted != 2 {
		t.Errorf("submitted = %d, want 2", res.Submitted)
	}
}

func TestReplayRetriesTransientFailures(t *testing.T) {
	dir := t.TempDir()
	seedJournal(t, dir, testEntry(t, "r1", contract.PhaseBegin), testEntry(t, "r1", contract.PhaseEnd))

	w := &replayWriter{failFor: func(call int, _ []json.RawMessage) error {
		if call <= 2 {
			return errors.New(errors.CodeWriterTransient, 503, "not yet")
		}
		return nil
	}}
	res, err := Replay(context.Background(), dir, w, ReplayOptions{BaseBackoff: time.Millisecond}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Submitted != 2 {
		t.Errorf("submitted = %d", res.Submitted)
	}
	if w.calls != 3 {
		t.Errorf("calls = %d, want 3", w.calls)
	}
}

func TestReplayGivesUpAfterMaxAttempts(t *testing.T) {
	dir := t.TempDir()
	seedJournal(t, dir, testEntry(t, "r1", contract.PhaseBegin))

	w := &replayWriter{failFor: func(int, []json.RawMessage) error {
		return errors.New(errors.CodeWriterTransient, 503, "down")
	}}
	_, err := Replay(context.Background(), dir, w, ReplayOptions{MaxAttempts: 2, BaseBackoff: time.Millisecond}, nil)
	if !errors.IsCode(err, errors.CodeWalPersistFailed) {
		t.Fatalf("err = %v", err)
	}
	// Files stay for the next boot.
	files, _ := ListJournalFiles(dir)
	if len(files) != 1 {
		t.Errorf("files = %v", files)
	}
}

func TestReplayQuarantinesPoisonEntry(t *testing.T) {
	dir := t.TempDir()
	seedJournal(t, dir,
		testEntry(t, "r-a", contract.PhaseBegin),
		testEntry(t, "r-poison", contract.PhaseBegin),
		testEntry(t, "r-c", contract.PhaseBegin),
	)

	w := &replayWriter{failFor: func(_ int, batch []json.RawMessage) error {
		if len(batch) > 1 {
			return errors.New(errors.CodeWriterBadInput, 400, "batch rejected")
		}
		s := string(batch[0])
		if strings.Contains(s, "r-poison") && strings.Contains(s, `"phase":"begin"`) {
			return errors.New(errors.CodeWriterBadInput, 400, "invalid entry")
		}
		return nil
	}}
	res, err := Replay(context.Background(), dir, w, ReplayOptions{BaseBackoff: time.Millisecond}, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Three BEGINs become six entries with the synthesized ENDs.
	if res.Synthesized != 3 {
		t.Errorf("synthesized = %d", res.Synthesized)
	}
	if res.Quarantined != 1 {
		t.Errorf("quarantined = %d, want 1", res.Quarantined)
	}
	if res.Submitted != 5 {
		t.Errorf("submitted = %d, want 5", res.Submitted)
	}
}
