// Package audit implements the tamper-evident audit log. Every admitted
// event, decision, and case transition is chained per tenant with SHA-256
// over the canonical record, and the chain is the engine's system of record
// for replay.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/veloxpay/sentinel/common/errors"
	"github.com/veloxpay/sentinel/internal/clock"
	"github.com/veloxpay/sentinel/internal/metrics"
)

// RecordKind classifies an audit record.
type RecordKind string

const (
	RecordAdmit    RecordKind = "ADMIT"
	RecordDecision RecordKind = "DECISION"
	RecordCase     RecordKind = "CASE"
	RecordSAR      RecordKind = "SAR"
	RecordFailure  RecordKind = "PROCESSING_FAILED"
)

// Record is one link in a tenant's hash chain. Payload is the canonical JSON
// of the recorded object; for ADMIT records it is the full event, which makes
// the chain sufficient for deterministic replay.
type Record struct {
	Seq      uint64          `json:"seq"`
	TenantID string          `json:"tenant_id"`
	Kind     RecordKind      `json:"kind"`
	At       time.Time       `json:"at"`
	Payload  json.RawMessage `json:"payload"`
	PrevHash string          `json:"prev_hash"`
	Hash     string          `json:"hash"`
}

// chainTail tracks the durable head of one tenant's chain.
type chainTail struct {
	mu   sync.Mutex
	seq  uint64
	hash string
}

// Log is the badger-backed audit store. Appends are serialized per tenant;
// different tenants append concurrently.
type Log struct {
	logger  *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics
	db      *badger.DB

	mu    sync.Mutex
	tails map[string]*chainTail
}

// Open opens (or creates) the audit store in dir. An empty dir opens an
// in-memory store for tests.
func Open(logger *zap.Logger, clk clock.Clock, m *metrics.Metrics, dir string) (*Log, error) {
	if clk == nil {
		clk = clock.System()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	return &Log{
		logger:  logger,
		clock:   clk,
		metrics: m,
		db:      db,
		tails:   make(map[string]*chainTail),
	}, nil
}

// Close flushes and closes the store.
func (l *Log) Close() error { return l.db.Close() }

func auditKey(tenantID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("audit/%s/%020d", tenantID, seq))
}

func auditPrefix(tenantID string) []byte {
	return []byte(fmt.Sprintf("audit/%s/", tenantID))
}

func snapshotKey(tenantID string) []byte {
	return []byte(fmt.Sprintf("snapshot/%s", tenantID))
}

// tail loads or initializes the chain head for a tenant.
func (l *Log) tail(tenantID string) (*chainTail, error) {
	l.mu.Lock()
	t, ok := l.tails[tenantID]
	if ok {
		l.mu.Unlock()
		return t, nil
	}
	l.mu.Unlock()

	// Seek the highest existing sequence for the tenant.
	t = &chainTail{}
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Reverse: true, Prefix: auditPrefix(tenantID)})
		defer it.Close()
		// Reverse iteration needs a seek key past the prefix range.
		seek := append(auditPrefix(tenantID), 0xFF)
		it.Seek(seek)
		if !it.Valid() {
			return nil
		}
		return it.Item().Value(func(val []byte) error {
			var rec Record
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			t.seq = rec.Seq
			t.hash = rec.Hash
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load audit tail for %s: %w", tenantID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.tails[tenantID]; ok {
		return existing, nil
	}
	l.tails[tenantID] = t
	return t, nil
}

// recordHash computes the chain hash: SHA-256 over the canonical record with
// the Hash field cleared.
func recordHash(rec *Record) (string, error) {
	clone := *rec
	clone.Hash = ""
	canonical, err := json.Marshal(&clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Append durably writes one record and returns it with Seq and Hash set.
// The write is synced before return; the caller may treat the sequence as
// durable.
func (l *Log) Append(tenantID string, kind RecordKind, payload interface{}) (*Record, error) {
	t, err := l.tail(tenantID)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(errors.CodeProcessingFailed, "marshal audit payload", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	start := l.clock.Now()
	rec := &Record{
		Seq:      t.seq + 1,
		TenantID: tenantID,
		Kind:     kind,
		At:       l.clock.Now(),
		Payload:  raw,
		PrevHash: t.hash,
	}
	rec.Hash, err = recordHash(rec)
	if err != nil {
		return nil, errors.Wrap(errors.CodeProcessingFailed, "hash audit record", err)
	}

	val, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(errors.CodeProcessingFailed, "marshal audit record", err)
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(auditKey(tenantID, rec.Seq), val)
	})
	if err != nil {
		return nil, errors.Wrap(errors.CodeProcessingFailed, "write audit record", err)
	}
	if err := l.db.Sync(); err != nil {
		return nil, errors.Wrap(errors.CodeProcessingFailed, "sync audit record", err)
	}

	t.seq = rec.Seq
	t.hash = rec.Hash
	if l.metrics != nil {
		l.metrics.AuditAppends.WithLabelValues(tenantID).Inc()
		l.metrics.AuditAppendTime.Observe(l.clock.Now().Sub(start).Seconds())
	}
	return rec, nil
}

// LastDurableSeq returns the highest durably written sequence for a tenant,
// zero when the chain is empty.
func (l *Log) LastDurableSeq(tenantID string) (uint64, error) {
	t, err := l.tail(tenantID)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq, nil
}

// Read returns up to max records starting at seq from. from is 1-based;
// from=0 reads from the beginning.
func (l *Log) Read(tenantID string, from uint64, max int) ([]Record, error) {
	if from == 0 {
		from = 1
	}
	var out []Record
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: auditPrefix(tenantID)})
		defer it.Close()
		for it.Seek(auditKey(tenantID, from)); it.Valid(); it.Next() {
			if max > 0 && len(out) >= max {
				break
			}
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read audit %s from %d: %w", tenantID, from, err)
	}
	return out, nil
}

// Verify walks the chain in [from, to] recomputing every hash. It returns
// the sequence of the first broken link, or ok=true when the range is
// intact. to=0 means the durable head.
func (l *Log) Verify(tenantID string, from, to uint64) (ok bool, breakAt uint64, err error) {
	if from == 0 {
		from = 1
	}
	if to == 0 {
		if to, err = l.LastDurableSeq(tenantID); err != nil {
			return false, 0, err
		}
	}
	if to < from {
		return true, 0, nil
	}

	prevHash := ""
	if from > 1 {
		prev, err := l.Read(tenantID, from-1, 1)
		if err != nil {
			return false, 0, err
		}
		if len(prev) == 0 {
			return false, from - 1, nil
		}
		prevHash = prev[0].Hash
	}

	const batch = 512
	next := from
	for next <= to {
		recs, err := l.Read(tenantID, next, batch)
		if err != nil {
			return false, 0, err
		}
		if len(recs) == 0 {
			return false, next, nil
		}
		for i := range recs {
			rec := &recs[i]
			if rec.Seq > to {
				return true, 0, nil
			}
			if rec.Seq != next || rec.PrevHash != prevHash {
				return false, rec.Seq, nil
			}
			want, err := recordHash(rec)
			if err != nil {
				return false, 0, err
			}
			if rec.Hash != want {
				return false, rec.Seq, nil
			}
			prevHash = rec.Hash
			next++
		}
	}
	return true, 0, nil
}

// VerifyAll verifies the whole chain and returns a coded error on a break so
// callers can refuse to serve a corrupt store.
func (l *Log) VerifyAll(tenantID string) error {
	ok, breakAt, err := l.Verify(tenantID, 0, 0)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf(errors.CodeAuditChainBroken, "tenant %s: audit chain broken at seq %d", tenantID, breakAt)
	}
	return nil
}

// Snapshot is a point-in-time engine state capture anchored to an audit
// sequence. Replay loads the snapshot and applies ADMIT records past Seq.
type Snapshot struct {
	TenantID string    `json:"tenant_id"`
	Seq      uint64    `json:"seq"`
	TakenAt  time.Time `json:"taken_at"`
	// Subjects is the state store export for the tenant.
	Subjects json.RawMessage `json:"subjects"`
	// DedupeIDs is the intake dedupe set at the snapshot point.
	DedupeIDs []string `json:"dedupe_ids"`
	// Cases is the open case export for the tenant.
	Cases json.RawMessage `json:"cases"`
}

// SaveSnapshot durably stores the tenant snapshot, replacing any previous one.
func (l *Log) SaveSnapshot(snap *Snapshot) error {
	val, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(errors.CodeProcessingFailed, "marshal snapshot", err)
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(snap.TenantID), val)
	})
	if err != nil {
		return errors.Wrap(errors.CodeProcessingFailed, "write snapshot", err)
	}
	if err := l.db.Sync(); err != nil {
		return errors.Wrap(errors.CodeProcessingFailed, "sync snapshot", err)
	}
	l.logger.Info("snapshot saved",
		zap.String("tenant", snap.TenantID),
		zap.Uint64("seq", snap.Seq))
	return nil
}

// LoadSnapshot returns the latest snapshot for a tenant, or found=false.
func (l *Log) LoadSnapshot(tenantID string) (*Snapshot, bool, error) {
	var snap Snapshot
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(tenantID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot for %s: %w", tenantID, err)
	}
	return &snap, true, nil
}
