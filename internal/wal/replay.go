package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/logging"
)

// ReplayOptions bounds the boot-time drain of leftover journal files.
type ReplayOptions struct {
	MaxBatch    int
	MaxAttempts int
	BaseBackoff time.Duration

	// SkipSynthesis keeps dangling BEGINs as they are instead of
	// closing them. Set when replaying relayed entries whose END may
	// still arrive in live traffic; unset for journals holding the
	// process's own request brackets.
	SkipSynthesis bool
}

// ReplayResult reports what a replay did.
type ReplayResult struct {
	Files       int
	Entries     int
	Synthesized int
	Submitted   int
	Quarantined int
	Corrupt     int
}

// Replay drains journal files left behind by a previous process into
// the writer, oldest file first, before any live traffic is accepted.
// Requests that have a BEGIN but no END get a synthesized END with the
// shutdown-replay marker, unless SkipSynthesis is set. Files are
// removed only after every entry has been submitted or quarantined;
// the receiver's eventId dedup makes a second replay of the same files
// harmless.
func Replay(ctx context.Context, dir string, w Writer, opts ReplayOptions, log *logging.Logger) (ReplayResult, error) {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 250 * time.Millisecond
	}
	if log == nil {
		log = logging.Global()
	}

	var res ReplayResult

	files, err := ListJournalFiles(dir)
	if err != nil {
		return res, err
	}
	if len(files) == 0 {
		return res, nil
	}
	res.Files = len(files)

	var (
		blobs      []json.RawMessage
		beginOrder []string
		begins     = make(map[string]contract.AuditEntry)
		ended      = make(map[string]bool)
	)

	for _, path := range files {
		corrupt, err := readJournalFile(path, func(blob json.RawMessage) {
			blobs = append(blobs, blob)
			res.Entries++

			entry, perr := contract.ParseAuditEntry(blob)
			if perr != nil {
				// Forwarded anyway; the receiver decides its fate.
				return
			}
			rid := entry.Meta.RequestID
			switch entry.Phase {
			case contract.PhaseBegin:
				if _, seen := begins[rid]; !seen {
					begins[rid] = entry
					beginOrder = append(beginOrder, rid)
				}
			case contract.PhaseEnd:
				ended[rid] = true
			}
		})
		if err != nil {
			return res, err
		}
		res.Corrupt += corrupt
	}

	// A BEGIN with no END means the process died mid-request. The
	// synthesized END closes the pair with the shutdown-replay reason.
	if !opts.SkipSynthesis {
		for _, rid := range beginOrder {
			if ended[rid] {
				continue
			}
			begin := begins[rid]
			end := contract.AuditEntry{
				Meta: contract.AuditMeta{
					Service:   begin.Meta.Service,
					TS:        time.Now().UnixMilli(),
					RequestID: rid,
				},
				Phase:  contract.PhaseEnd,
				Status: contract.StatusError,
				Err:    contract.ErrMarkShutdownReplay,
				Target: begin.Target,
			}
			blob, err := json.Marshal(end)
			if err != nil {
				return res, errors.Wrap(err, errors.CodeWalPersistFailed, 503)
			}
			blobs = append(blobs, blob)
			res.Synthesized++
		}
	}

	for start := 0; start < len(blobs); start += opts.MaxBatch {
		stop := start + opts.MaxBatch
		if stop > len(blobs) {
			stop = len(blobs)
		}
		submitted, quarantined, err := replaySubmit(ctx, w, blobs[start:stop], opts, log)
		res.Submitted += submitted
		res.Quarantined += quarantined
		if err != nil {
			return res, err
		}
	}

	for _, path := range files {
		if err := os.Remove(path); err != nil {
			log.Warn("wal: replayed file not removed", zap.String("path", path), zap.Error(err))
		}
	}

	log.Info("wal: replay complete",
		zap.Int("files", res.Files),
		zap.Int("entries", res.Entries),
		zap.Int("synthesized", res.Synthesized),
		zap.Int("submitted", res.Submitted),
		zap.Int("quarantined", res.Quarantined),
		zap.Int("corrupt", res.Corrupt))
	return res, nil
}

// replaySubmit delivers one batch, retrying transients with backoff and
// degrading to per-item delivery when the batch is rejected outright.
func replaySubmit(ctx context.Context, w Writer, batch []json.RawMessage, opts ReplayOptions, log *logging.Logger) (submitted, quarantined int, err error) {
	werr := submitWithRetry(ctx, opts, func() error { return w.WriteBatch(ctx, batch) })
	if werr == nil {
		return len(batch), 0, nil
	}
	if errors.Classify(werr) != errors.ClassNonRetryable {
		return 0, 0, errors.Wrap(werr, errors.CodeWalPersistFailed, 503)
	}

	for i, item := range batch {
		ierr := submitWithRetry(ctx, opts, func() error {
			return w.WriteBatch(ctx, []json.RawMessage{item})
		})
		if ierr == nil {
			submitted++
			continue
		}
		if errors.Classify(ierr) == errors.ClassNonRetryable {
			quarantined++
			log.Warn("wal: quarantined entry during replay",
				zap.Error(ierr),
				zap.Int("batch_index", i))
			continue
		}
		return submitted, quarantined, errors.Wrap(ierr, errors.CodeWalPersistFailed, 503)
	}
	return submitted, quarantined, nil
}

// submitWithRetry retries op on retryable errors up to MaxAttempts,
// waiting with exponential backoff between attempts. Non-retryable
// errors return immediately.
func submitWithRetry(ctx context.Context, opts ReplayOptions, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BaseBackoff
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || errors.Classify(err) == errors.ClassNonRetryable {
			return err
		}
		if attempt >= opts.MaxAttempts {
			return err
		}
		wait := bo.NextBackOff()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readJournalFile streams WalLines out of one file, skipping lines that
// do not parse (a torn final line after a crash is expected).
func readJournalFile(path string, fn func(blob json.RawMessage)) (corrupt int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeWalPersistFailed, 503)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line contract.WalLine
		if jerr := json.Unmarshal(raw, &line); jerr != nil || len(line.Blob) == 0 {
			corrupt++
			continue
		}
		// Copy: scanner reuses its buffer.
		blob := make(json.RawMessage, len(line.Blob))
		copy(blob, line.Blob)
		fn(blob)
	}
	if serr := scanner.Err(); serr != nil {
		return corrupt, errors.Wrap(serr, errors.CodeWalPersistFailed, 503)
	}
	return corrupt, nil
}

// ListJournalFiles returns the journal files under dir sorted by epoch,
// oldest first. Files that do not match the naming shape are ignored.
func ListJournalFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.CodeWalPersistFailed, 503)
	}

	type indexed struct {
		epoch int64
		path  string
	}
	var found []indexed
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, "wal-") || !strings.HasSuffix(name, ".ldjson") {
			continue
		}
		epochStr := strings.TrimSuffix(strings.TrimPrefix(name, "wal-"), ".ldjson")
		epoch, perr := strconv.ParseInt(epochStr, 10, 64)
		if perr != nil {
			continue
		}
		found = append(found, indexed{epoch: epoch, path: filepath.Join(dir, name)})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].epoch < found[j].epoch })

	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}
