// Package receipts implements Γ, the append-only, content-addressed
// receipt log. Every completed (or failed) workflow step writes one
// Receipt; receipts chain via ParentReceipt into an immutable per-case
// sequence, and the whole log can be periodically checkpointed to a
// compressed snapshot for fast restart, mirroring the teacher's
// position-checkpoint subsystem.
package receipts

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gzipk "github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/mdzesseis/knhkd/internal/kernelerr"
	"github.com/mdzesseis/knhkd/internal/kerntypes"
	"github.com/mdzesseis/knhkd/internal/telemetry/metrics"
)

// Log is Γ: the append-only receipt store.
type Log struct {
	mu      sync.Mutex
	dir     string
	syncMode string
	segmentBytes int64

	active     *walSegment
	activeSize int64
	segmentSeq int

	signer Signer
	log    *logrus.Logger

	nextID atomic.Uint64

	// In-memory index. The log is the source of truth on disk; this
	// index exists so chain()/read_all()/query_guards() are O(1)/O(n)
	// in-memory operations rather than re-scanning the WAL per query.
	byID     map[uint64]*kerntypes.Receipt
	byCase   map[string][]uint64 // append order
	ordered  []uint64

	stats Stats
}

// Stats reports the log's operating counters.
type Stats struct {
	TotalAppends     int64
	TotalCheckpoints int64
	FailedAppends    int64
	LastCheckpoint   time.Time
}

// Open opens (or creates) a Γ log rooted at dir, replaying any existing
// WAL segments and the most recent checkpoint to rebuild the in-memory
// index.
func Open(dir string, syncMode string, segmentBytes int64, signer Signer, log *logrus.Logger) (*Log, error) {
	if log == nil {
		log = logrus.New()
	}
	if signer == nil {
		signer = NoopSigner{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating gamma directory: %w", err)
	}

	l := &Log{
		dir: dir, syncMode: syncMode, segmentBytes: segmentBytes,
		signer: signer, log: log,
		byID: make(map[uint64]*kerntypes.Receipt),
		byCase: make(map[string][]uint64),
	}

	tampered, err := l.restore()
	if err != nil {
		return nil, err
	}

	segPath, seq, err := latestOrNewSegment(dir)
	if err != nil {
		return nil, err
	}
	l.segmentSeq = seq
	seg, err := openWALSegment(segPath, syncMode)
	if err != nil {
		return nil, err
	}
	l.active = seg

	if fi, err := os.Stat(segPath); err == nil {
		l.activeSize = fi.Size()
	}

	// Any CRC mismatch found during replay is tamper, not an ordinary
	// crash tail (see readAllWALRecords), and must land in Γ itself per
	// spec.md §4.A/§7 rather than vanish as a silent truncation. These
	// are appended now that the active segment is open, so they are
	// durably recorded and picked up by the next restore like any other
	// receipt.
	for _, segPath := range tampered {
		l.log.WithField("segment", segPath).Error("wal segment failed crc32 verification, recording tamper receipt")
		if _, err := l.Append(&kerntypes.Receipt{
			Kind:      kerntypes.ReceiptTamper,
			CaseID:    "__gamma__",
			ErrorCode: kernelerr.CodeCorruptRecord,
			Inputs:    map[string]kerntypes.Value{"segment": kerntypes.String(segPath)},
		}); err != nil {
			l.log.WithError(err).WithField("segment", segPath).Error("failed to record tamper receipt")
		}
	}

	return l, nil
}

func latestOrNewSegment(dir string) (string, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, err
	}
	best := -1
	for _, e := range entries {
		var seq int
		if _, err := fmt.Sscanf(e.Name(), "segment-%d.wal", &seq); err == nil {
			if seq > best {
				best = seq
			}
		}
	}
	if best < 0 {
		best = 0
	}
	return filepath.Join(dir, fmt.Sprintf("segment-%d.wal", best)), best, nil
}

// Append writes receipt to the log, assigning it a fresh monotonic ID if
// it is zero, computing its CRC32 over the canonical encoding, and
// signing the checksummed record. It returns the receipt's append
// position (its monotonic ID).
func (l *Log) Append(r *kerntypes.Receipt) (uint64, error) {
	start := time.Now()
	defer func() { metrics.RecordReceiptAppend(string(r.Kind), time.Since(start)) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if r.ID == 0 {
		r.ID = l.nextID.Add(1)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	if prev, ok := l.lastForCase(r.CaseID); ok {
		id := prev
		r.ParentReceipt = &id
	}

	body := canonicalBytesWithoutCRC(r)
	r.CRC32 = crc32Of(body)

	sig, err := l.signer.Sign(append(body, u32bytes(r.CRC32)...))
	if err != nil {
		l.stats.FailedAppends++
		return 0, kernelerr.New(kernelerr.CodeCorruptRecord, "receipts", "Append", "signing failed").Wrap(err)
	}
	r.Signature = sig

	payload, err := marshalReceipt(r)
	if err != nil {
		l.stats.FailedAppends++
		return 0, err
	}

	if l.activeSize+int64(len(payload))+12 > l.segmentBytes && l.segmentBytes > 0 {
		if err := l.rotate(); err != nil {
			return 0, err
		}
	}

	if err := l.active.append(payload); err != nil {
		l.stats.FailedAppends++
		return 0, kernelerr.New(kernelerr.CodeCorruptRecord, "receipts", "Append", "wal write failed").Wrap(err)
	}
	l.activeSize += int64(len(payload)) + 12

	l.index(r)
	l.stats.TotalAppends++

	l.log.WithFields(logrus.Fields{
		"receipt_id": r.ID,
		"case_id":    r.CaseID,
		"pattern_id": r.PatternID,
		"kind":       r.Kind,
	}).Debug("receipt appended")

	return r.ID, nil
}

func (l *Log) lastForCase(caseID string) (uint64, bool) {
	ids := l.byCase[caseID]
	if len(ids) == 0 {
		return 0, false
	}
	return ids[len(ids)-1], true
}

func (l *Log) index(r *kerntypes.Receipt) {
	l.byID[r.ID] = r
	l.byCase[r.CaseID] = append(l.byCase[r.CaseID], r.ID)
	l.ordered = append(l.ordered, r.ID)
}

func (l *Log) rotate() error {
	if err := l.active.close(); err != nil {
		return err
	}
	l.segmentSeq++
	path := filepath.Join(l.dir, fmt.Sprintf("segment-%d.wal", l.segmentSeq))
	seg, err := openWALSegment(path, l.syncMode)
	if err != nil {
		return err
	}
	l.active = seg
	l.activeSize = 0
	return nil
}

// ReadAll returns every receipt currently indexed, in append order.
func (l *Log) ReadAll() []*kerntypes.Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*kerntypes.Receipt, 0, len(l.ordered))
	for _, id := range l.ordered {
		out = append(out, l.byID[id])
	}
	return out
}

// Chain returns the full receipt chain for caseID, in append order.
func (l *Log) Chain(caseID string) []*kerntypes.Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.byCase[caseID]
	out := make([]*kerntypes.Receipt, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.byID[id])
	}
	return out
}

// QueryGuards returns the guard evaluations recorded on receiptID.
func (l *Log) QueryGuards(receiptID uint64) ([]kerntypes.GuardEvaluation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.byID[receiptID]
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeCorruptRecord, "receipts", "QueryGuards",
			fmt.Sprintf("no receipt with id %d", receiptID))
	}
	return r.GuardsEvaluated, nil
}

// TruncateAt discards every indexed receipt with ID > position. This is
// a recovery-only operation: it does not rewrite the WAL segments on
// disk, and the next Open replays every record in them, so receipts
// dropped here reappear after a restart. It only
// adjusts the in-memory index so callers can immediately resume from a
// known-good point after detecting tamper or corruption.
func (l *Log) TruncateAt(position uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.ordered[:0:0]
	for _, id := range l.ordered {
		if id <= position {
			kept = append(kept, id)
		} else {
			delete(l.byID, id)
		}
	}
	l.ordered = kept

	for caseID, ids := range l.byCase {
		filtered := ids[:0:0]
		for _, id := range ids {
			if id <= position {
				filtered = append(filtered, id)
			}
		}
		l.byCase[caseID] = filtered
	}
}

// StatsSnapshot returns a snapshot of the log's operating counters.
func (l *Log) StatsSnapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Close flushes and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active.close()
}

func crc32Of(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

func u32bytes(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// --- checkpoint/restore ---

type checkpointFile struct {
	Version   int                   `json:"version"`
	Timestamp time.Time             `json:"timestamp"`
	NextID    uint64                `json:"next_id"`
	Receipts  []*kerntypes.Receipt  `json:"receipts"`
}

// Checkpoint writes a gzip-compressed snapshot of the full in-memory
// index to dir/checkpoint.json.gz, via a temp file + atomic rename, the
// same durability pattern the teacher's position checkpoint manager
// uses. maxGenerations older checkpoints are retained as
// checkpoint-<n>.json.gz before being pruned.
func (l *Log) Checkpoint(maxGenerations int) error {
	l.mu.Lock()
	snapshot := checkpointFile{
		Version:   1,
		Timestamp: time.Now(),
		NextID:    l.nextID.Load(),
		Receipts:  make([]*kerntypes.Receipt, 0, len(l.ordered)),
	}
	for _, id := range l.ordered {
		snapshot.Receipts = append(snapshot.Receipts, l.byID[id])
	}
	l.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	finalPath := filepath.Join(l.dir, "checkpoint.json.gz")
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	gw, err := gzipk.NewWriterLevel(f, gzipk.BestSpeed)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := gw.Write(data); err != nil {
		gw.Close()
		f.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := rotateCheckpointGenerations(l.dir, maxGenerations); err != nil {
		l.log.WithError(err).Warn("checkpoint generation rotation failed")
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return err
	}

	l.mu.Lock()
	l.stats.TotalCheckpoints++
	l.stats.LastCheckpoint = snapshot.Timestamp
	l.mu.Unlock()

	return nil
}

func rotateCheckpointGenerations(dir string, max int) error {
	finalPath := filepath.Join(dir, "checkpoint.json.gz")
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return nil
	}
	for i := max - 1; i >= 1; i-- {
		from := filepath.Join(dir, fmt.Sprintf("checkpoint-%d.json.gz", i))
		to := filepath.Join(dir, fmt.Sprintf("checkpoint-%d.json.gz", i+1))
		if _, err := os.Stat(from); err == nil {
			os.Rename(from, to)
		}
	}
	return os.Rename(finalPath, filepath.Join(dir, "checkpoint-1.json.gz"))
}

// restore rebuilds the in-memory index from the most recent checkpoint
// (if any) followed by replaying every WAL segment. It returns the paths
// of any segments in which a CRC mismatch was detected.
func (l *Log) restore() ([]string, error) {
	if err := l.restoreCheckpoint(); err != nil {
		l.log.WithError(err).Warn("checkpoint restore failed, falling back to full WAL replay")
	}
	return l.replaySegments()
}

func (l *Log) restoreCheckpoint() error {
	path := filepath.Join(l.dir, "checkpoint.json.gz")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	gr, err := gzipk.NewReader(f)
	if err != nil {
		return err
	}
	defer gr.Close()

	var snap checkpointFile
	if err := json.NewDecoder(gr).Decode(&snap); err != nil {
		return err
	}

	for _, r := range snap.Receipts {
		l.index(r)
	}
	if snap.NextID > l.nextID.Load() {
		l.nextID.Store(snap.NextID)
	}
	return nil
}

func (l *Log) replaySegments() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var segPaths []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".wal" {
			segPaths = append(segPaths, filepath.Join(l.dir, e.Name()))
		}
	}
	sort.Strings(segPaths)

	var tampered []string
	for _, p := range segPaths {
		recs, corrupted, err := readAllWALRecords(p)
		if err != nil {
			return tampered, err
		}
		if corrupted {
			tampered = append(tampered, p)
		}
		for _, raw := range recs {
			r, err := unmarshalReceipt(raw)
			if err != nil {
				continue // tolerate a corrupt trailing record, per readAllWALRecords' contract
			}
			if _, already := l.byID[r.ID]; already {
				continue // already restored from checkpoint
			}
			l.index(r)
			if r.ID >= l.nextID.Load() {
				l.nextID.Store(r.ID)
			}
		}
	}
	return tampered, nil
}
