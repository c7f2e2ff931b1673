// store.go — durable phase cursor, backed by bbolt.
//
// Adapted from the teacher's internal/storage/bolt.go: a bucket-per-
// concern BoltDB store with a schema-version guard and sortable ledger
// keys. Here the buckets hold the phase cursor, the persisted fixed-list
// identity (MASTER_VAR_1-equivalent), the lastObs.txt-equivalent counter,
// and the hit_list-equivalent completed-observation ledger.

package phase

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/duskwarden/duskwarden/internal/observability"
)

var (
	bucketMeta   = []byte("meta")
	bucketLedger = []byte("ledger")
)

const (
	keyPhase         = "phase"
	keyFixedList     = "fixed_list"
	keyLastObs       = "last_obs"
	keySchemaVersion = "schema_version"
)

const schemaVersion = "1"

// Store is the durable phase cursor plus its supporting counters. Set is
// the single writer (the Sequencer); Get tolerates many concurrent
// readers (the operator status surface).
type Store struct {
	db      *bolt.DB
	metrics *observability.Metrics
}

// SetMetrics wires the store's write-latency histogram and ledger-size
// gauge into the Prometheus registry.
func (s *Store) SetMetrics(m *observability.Metrics) { s.metrics = m }

// timedUpdate runs fn in a BoltDB write transaction, observing its
// latency when metrics are wired.
func (s *Store) timedUpdate(fn func(tx *bolt.Tx) error) error {
	start := time.Now()
	err := s.db.Update(fn)
	if s.metrics != nil {
		s.metrics.StorageWriteLatency.Observe(time.Since(start).Seconds())
	}
	return err
}

// Open creates or opens the BoltDB file at path, creating buckets and
// verifying the schema version on first use.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("phase: open %q: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketLedger} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get([]byte(keySchemaVersion)); v == nil {
			return meta.Put([]byte(keySchemaVersion), []byte(schemaVersion))
		} else if string(v) != schemaVersion {
			return fmt.Errorf("schema version mismatch: store has %q, code expects %q", v, schemaVersion)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("phase: init buckets in %q: %w", path, err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying BoltDB file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the persisted phase. Any unrecognized or absent value
// coerces to ObsInfo, per §3.
func (s *Store) Get() (Phase, error) {
	var p Phase
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(keyPhase))
		if v == nil {
			p = ObsInfo
			return nil
		}
		parsed, err := Parse(string(v))
		if err != nil {
			p = ObsInfo
			return nil
		}
		p = parsed
		return nil
	})
	return p, err
}

// Set durably persists the phase before returning.
func (s *Store) Set(p Phase) error {
	if err := s.timedUpdate(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(keyPhase), []byte(p.String()))
	}); err != nil {
		return fmt.Errorf("phase: set %s: %w", p, err)
	}
	return nil
}

// GetFixedList returns the previously-persisted --fixed path, or "" if
// none was ever recorded.
func (s *Store) GetFixedList() (string, error) {
	var path string
	err := s.db.View(func(tx *bolt.Tx) error {
		path = string(tx.Bucket(bucketMeta).Get([]byte(keyFixedList)))
		return nil
	})
	return path, err
}

// SetFixedList persists the current night's --fixed path so a bare
// restart (same fixed list) need not re-specify --fixed.
func (s *Store) SetFixedList(path string) error {
	return s.timedUpdate(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(keyFixedList), []byte(path))
	})
}

// GetLastObs returns the lastObs.txt-equivalent counter, defaulting to 0.
func (s *Store) GetLastObs() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(keyLastObs))
		if v == nil || len(v) < 8 {
			n = 0
			return nil
		}
		n = int(binary.BigEndian.Uint64(v))
		return nil
	})
	return n, err
}

// SetLastObs durably persists the lastObs.txt-equivalent counter.
func (s *Store) SetLastObs(n int) error {
	return s.timedUpdate(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(n))
		return tx.Bucket(bucketMeta).Put([]byte(keyLastObs), buf)
	})
}

// AppendCompletedObservation appends a completed-observation record to the
// ledger, keyed so iteration order matches completion order. Callers gate
// this on Session.ScheduleFile existing, matching the original hit_list/
// apf_sched.txt bookkeeping — not a bare boolean, a real file check.
func (s *Store) AppendCompletedObservation(obsnum int, starlist string, completedAt time.Time) error {
	var count int
	err := s.timedUpdate(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLedger)
		if err := b.Put(ledgerKey(completedAt, obsnum), []byte(starlist)); err != nil {
			return err
		}
		count = b.Stats().KeyN
		return nil
	})
	if err == nil && s.metrics != nil {
		s.metrics.LedgerEntries.Set(float64(count))
	}
	return err
}

func ledgerKey(t time.Time, obsnum int) []byte {
	return []byte(fmt.Sprintf("%s-%010d", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), obsnum))
}

// ReadLedger walks completed-observation records in completion order.
func (s *Store) ReadLedger(fn func(key string, starlist string) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLedger).ForEach(func(k, v []byte) error {
			return fn(string(k), string(v))
		})
	})
}
