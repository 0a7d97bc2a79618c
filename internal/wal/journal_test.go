package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
)

func readLines(t *testing.T, path string) []contract.WalLine {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()

	var lines []contract.WalLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line contract.WalLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("parse line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, line)
	}
	return lines
}

func TestJournalAppendIsDurable(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir, 0) // sync every append
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	growth, err := j.Append(json.RawMessage(`{"n":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if growth <= 0 {
		t.Fatalf("growth = %d, want > 0", growth)
	}

	if _, err := j.Append(json.RawMessage(`{"n":2}`)); err != nil {
		t.Fatal(err)
	}

	lines := readLines(t, j.Path())
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if lines[0].AppendedAt <= 0 {
		t.Error("appendedAt not set")
	}
	if string(lines[0].Blob) != `{"n":1}` {
		t.Errorf("blob = %s", lines[0].Blob)
	}
}

func TestJournalLazyOpen(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir, 250*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	// Nothing on disk until the first append.
	if _, err := os.Stat(j.Path()); !os.IsNotExist(err) {
		t.Fatalf("journal file exists before first append: %v", err)
	}

	if _, err := j.Append(json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(j.Path()); err != nil {
		t.Fatalf("journal file missing after append: %v", err)
	}
}

func TestJournalRotate(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	if _, err := j.Append(json.RawMessage(`{"f":1}`)); err != nil {
		t.Fatal(err)
	}
	first := j.Path()

	if err := j.Rotate(); err != nil {
		t.Fatal(err)
	}
	if j.Path() == first {
		t.Fatal("rotate did not change the path")
	}
	if j.Size() != 0 {
		t.Errorf("size after rotate = %d", j.Size())
	}

	if _, err := j.Append(json.RawMessage(`{"f":2}`)); err != nil {
		t.Fatal(err)
	}

	files, err := ListJournalFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v, want 2", files)
	}
	// Oldest first.
	if files[0] != first {
		t.Errorf("order: %v", files)
	}
	if got := readLines(t, files[1]); len(got) != 1 || string(got[0].Blob) != `{"f":2}` {
		t.Errorf("second file content: %+v", got)
	}
}

func TestJournalCloseRejectsAppends(t *testing.T) {
	j, err := NewJournal(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Append(json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("double close: %v", err)
	}

	_, err = j.Append(json.RawMessage(`{}`))
	if !errors.IsCode(err, errors.CodeWalClosed) {
		t.Errorf("append after close: %v", err)
	}
}

func TestJournalConcurrentAppends(t *testing.T) {
	j, err := NewJournal(t.TempDir(), 250*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				blob := json.RawMessage(fmt.Sprintf(`{"w":%d,"i":%d}`, w, i))
				if _, err := j.Append(blob); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	path := j.Path()
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	// Every line must be intact JSON; interleaving must not tear lines.
	lines := readLines(t, path)
	if len(lines) != writers*perWriter {
		t.Fatalf("lines = %d, want %d", len(lines), writers*perWriter)
	}
}

func TestListJournalFilesIgnoresForeignNames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"wal-100.ldjson", "wal-50.ldjson", "notes.txt", "wal-x.ldjson", "wal-200.ldjson.tmp"} {
		if err := os.WriteFile(dir+"/"+name, nil, 0o640); err != nil {
			t.Fatal(err)
		}
	}
	files, err := ListJournalFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
	if !strings.HasSuffix(files[0], "wal-50.ldjson") || !strings.HasSuffix(files[1], "wal-100.ldjson") {
		t.Errorf("order: %v", files)
	}
}

func TestListJournalFilesMissingDir(t *testing.T) {
	files, err := ListJournalFiles(t.TempDir() + "/nope")
	if err != nil || files != nil {
		t.Errorf("got %v, %v", files, err)
	}
}
