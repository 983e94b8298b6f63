// Package offline is the terminal's durable outbox. Order submissions made
// while the backend is unreachable are written to a local bbolt file and
// survive restarts until the reconciler confirms them.
package offline

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"restaurant-sync/internal/domain"
)

var (
	bucketWrites = []byte("writes")
	bucketIDs    = []byte("write_ids")
	bucketRef    = []byte("reference")
)

var (
	ErrEntryNotFound = errors.New("offline: queued write not found")
	ErrNotFailed     = errors.New("offline: queued write is not failed")
)

type WriteStatus string

const (
	StatusPending WriteStatus = "pending-sync"
	StatusSynced  WriteStatus = "synced"
	StatusFailed  WriteStatus = "failed"
)

// QueuedWrite is one order submission awaiting the backend.
type QueuedWrite struct {
	ID             string                    `json:"id"`
	Seq            uint64                    `json:"seq"`
	IdempotencyKey string                    `json:"idempotency_key"`
	Payload        domain.CreateOrderRequest `json:"payload"`
	Status         WriteStatus               `json:"status"`
	CreatedAt      time.Time                 `json:"created_at"`
	Attempts       int                       `json:"attempts"`
	// RetryBase is Attempts at the last manual retry; the automatic budget
	// counts from there.
	RetryBase   int        `json:"retry_base"`
	LastError   string     `json:"last_error,omitempty"`
	OrderNumber string     `json:"order_number,omitempty"`
	SyncedAt    *time.Time `json:"synced_at,omitempty"`
}

// Notice is what the terminal shows next to a failed entry.
func (w QueuedWrite) Notice() string {
	if w.Status != StatusFailed {
		return ""
	}
	return fmt.Sprintf("not sent after %d attempts (%s): retry or discard", w.Attempts, w.LastError)
}

type Queue struct {
	db          *bolt.DB
	deviceID    string
	maxAttempts int
	now         func() time.Time
}

// Open creates or reopens the queue file at path.
func Open(path, deviceID string, maxAttempts int) (*Queue, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("offline: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketWrites, bucketIDs, bucketRef} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("offline: init buckets: %w", err)
	}
	return &Queue{db: db, deviceID: deviceID, maxAttempts: maxAttempts, now: time.Now}, nil
}

func (q *Queue) Close() error {
	if err := q.db.Close(); err != nil {
		return fmt.Errorf("offline: close: %w", err)
	}
	return nil
}

func (q *Queue) MaxAttempts() int { return q.maxAttempts }

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// IdempotencyKey derives the key the backend deduplicates on. It is fixed at
// enqueue time so every retry of the same write carries the same key.
func IdempotencyKey(deviceID string, payload []byte, createdAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(deviceID))
	h.Write([]byte{0})
	h.Write(payload)
	h.Write([]byte{0})
	h.Write([]byte(createdAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// EnqueueWrite stores payload as a new pending entry.
func (q *Queue) EnqueueWrite(ctx context.Context, payload domain.CreateOrderRequest) (QueuedWrite, error) {
	if err := ctx.Err(); err != nil {
		return QueuedWrite{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return QueuedWrite{}, fmt.Errorf("offline: encode payload: %w", err)
	}
	created := q.now().UTC()
	w := QueuedWrite{
		ID:             uuid.NewString(),
		IdempotencyKey: IdempotencyKey(q.deviceID, raw, created),
		Payload:        payload,
		Status:         StatusPending,
		CreatedAt:      created,
	}

	err = q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWrites)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		w.Seq = seq
		if err := putWrite(tx, w); err != nil {
			return err
		}
		return tx.Bucket(bucketIDs).Put([]byte(w.ID), seqKey(seq))
	})
	if err != nil {
		return QueuedWrite{}, fmt.Errorf("offline: enqueue: %w", err)
	}
	return w, nil
}

func putWrite(tx *bolt.Tx, w QueuedWrite) error {
	v, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketWrites).Put(seqKey(w.Seq), v)
}

func getWrite(tx *bolt.Tx, id string) (QueuedWrite, error) {
	k := tx.Bucket(bucketIDs).Get([]byte(id))
	if k == nil {
		return QueuedWrite{}, ErrEntryNotFound
	}
	v := tx.Bucket(bucketWrites).Get(k)
	if v == nil {
		return QueuedWrite{}, ErrEntryNotFound
	}
	var w QueuedWrite
	if err := json.Unmarshal(v, &w); err != nil {
		return QueuedWrite{}, fmt.Errorf("decode %s: %w", id, err)
	}
	return w, nil
}

func (q *Queue) list(ctx context.Context, status WriteStatus) ([]QueuedWrite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []QueuedWrite
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWrites).ForEach(func(_, v []byte) error {
			var w QueuedWrite
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			if w.Status == status {
				out = append(out, w)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("offline: list %s: %w", status, err)
	}
	return out, nil
}

// ListPending returns entries awaiting sync, oldest first.
func (q *Queue) ListPending(ctx context.Context) ([]QueuedWrite, error) {
	return q.list(ctx, StatusPending)
}

// ListFailed returns entries that need a manual retry or discard.
func (q *Queue) ListFailed(ctx context.Context) ([]QueuedWrite, error) {
	return q.list(ctx, StatusFailed)
}

func (q *Queue) Get(ctx context.Context, id string) (QueuedWrite, error) {
	if err := ctx.Err(); err != nil {
		return QueuedWrite{}, err
	}
	var w QueuedWrite
	err := q.db.View(func(tx *bolt.Tx) error {
		var err error
		w, err = getWrite(tx, id)
		return err
	})
	if err != nil {
		return QueuedWrite{}, wrap("get", err)
	}
	return w, nil
}

func (q *Queue) mutate(ctx context.Context, op, id string, fn func(w *QueuedWrite) error) (QueuedWrite, error) {
	if err := ctx.Err(); err != nil {
		return QueuedWrite{}, err
	}
	var w QueuedWrite
	err := q.db.Update(func(tx *bolt.Tx) error {
		var err error
		if w, err = getWrite(tx, id); err != nil {
			return err
		}
		if err := fn(&w); err != nil {
			return err
		}
		return putWrite(tx, w)
	})
	if err != nil {
		return QueuedWrite{}, wrap(op, err)
	}
	return w, nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrEntryNotFound) || errors.Is(err, ErrNotFailed) {
		return err
	}
	return fmt.Errorf("offline: %s: %w", op, err)
}

// RecordAttemptFailure counts a transient failure. The entry turns failed
// once the automatic budget is spent and is then never retried on its own.
func (q *Queue) RecordAttemptFailure(ctx context.Context, id, msg string) (QueuedWrite, error) {
	return q.mutate(ctx, "record failure", id, func(w *QueuedWrite) error {
		w.Attempts++
		w.LastError = msg
		if w.Attempts-w.RetryBase >= q.maxAttempts {
			w.Status = StatusFailed
		}
		return nil
	})
}

// RecordRejection marks an entry the backend refused as invalid. Retrying
// would get the same answer.
func (q *Queue) RecordRejection(ctx context.Context, id, msg string) (QueuedWrite, error) {
	return q.mutate(ctx, "record rejection", id, func(w *QueuedWrite) error {
		w.Attempts++
		w.LastError = msg
		w.Status = StatusFailed
		return nil
	})
}

// MarkSynced records the backend's order number for the entry.
func (q *Queue) MarkSynced(ctx context.Context, id, orderNumber string) (QueuedWrite, error) {
	return q.mutate(ctx, "mark synced", id, func(w *QueuedWrite) error {
		now := q.now().UTC()
		w.Status = StatusSynced
		w.OrderNumber = orderNumber
		w.SyncedAt = &now
		w.LastError = ""
		return nil
	})
}

// Requeue puts a failed entry back in line with a fresh automatic budget.
func (q *Queue) Requeue(ctx context.Context, id string) (QueuedWrite, error) {
	return q.mutate(ctx, "requeue", id, func(w *QueuedWrite) error {
		if w.Status != StatusFailed {
			return ErrNotFailed
		}
		w.Status = StatusPending
		w.RetryBase = w.Attempts
		return nil
	})
}

// Delete removes an entry regardless of status.
func (q *Queue) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := q.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketIDs)
		k := ids.Get([]byte(id))
		if k == nil {
			return ErrEntryNotFound
		}
		if err := tx.Bucket(bucketWrites).Delete(k); err != nil {
			return err
		}
		return ids.Delete([]byte(id))
	})
	return wrap("delete", err)
}

// Discard drops a failed entry the user gave up on.
func (q *Queue) Discard(ctx context.Context, id string) error {
	w, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != StatusFailed {
		return ErrNotFailed
	}
	return q.Delete(ctx, id)
}
