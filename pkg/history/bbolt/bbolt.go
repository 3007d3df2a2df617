// Package bbolt provides automata run history tracking and traversal using
// the bbolt K/V database.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	fa "github.com/pancsta/automata-go/pkg/automata"
	fahist "github.com/pancsta/automata-go/pkg/history"
)

type Config struct {
	fahist.BaseConfig
	// EncJson stores records as JSON instead of msgpack.
	EncJson bool
	// amount of records to save in bulk (default: 100)
	QueueBatch int32
}

const (
	BuckAutomata = "_automata"
	BuckRuns     = "runs"
)

// ///// ///// /////

// ///// TRACER

// ///// ///// /////

type tracer struct {
	*fa.TracerNoOp

	mem *Memory
}

func (t *tracer) ValidateEnd(run *fa.Run) {
	m := t.mem
	if m.disposed.Load() {
		return
	}
	if !run.Accepted && !m.Cfg.TrackRejected {
		return
	}
	rec := fahist.NewRunRecord(run)

	// lock
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.disposed.Load() {
		return
	}

	// update the automaton record
	id := m.autRec.NextId
	m.autRec.Count(rec)
	m.autRec.LastSync = time.Now().UTC()

	// queue
	m.queue.ids = append(m.queue.ids, id)
	m.queue.runs = append(m.queue.runs, rec)
	if m.SavePending.Add(1) >= m.Cfg.QueueBatch {
		m.writeDb()
	}
}

// itob returns an 8-byte big endian representation of v.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// ///// ///// /////

// ///// MEMORY

// ///// ///// /////

// NewDb opens (or creates) name.db. Default name: "fahist".
func NewDb(name string) (*bbolt.DB, error) {
	if name == "" {
		name = "fahist"
	}

	return bbolt.Open(name+".db", 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
}

type queue struct {
	runs []*fahist.RunRecord
	ids  []uint64
}

type Memory struct {
	Db *bbolt.DB
	// read-only config for this history
	Cfg         *Config
	SavePending atomic.Int32
	Saved       atomic.Uint64
	// Value of Saved at the end of the last GC
	SavedGc atomic.Uint64

	a fa.Automaton
	// garbage collector lock (read: query, write: GC)
	gcMx        sync.RWMutex
	disposed    atomic.Bool
	queue       *queue
	queueWorker *errgroup.Group
	onErr       func(err error)
	autRec      *fahist.AutomatonRecord
	// global lock, guards the queue and autRec
	mx sync.Mutex
	tr *tracer
}

var _ fahist.MemoryApi = &Memory{}

// NewMemory creates a bbolt history for the automaton and binds its tracer.
// Previous records of the same automaton ID are resumed. The memory is
// disposed together with ctx.
func NewMemory(
	ctx context.Context, db *bbolt.DB, a fa.Automaton, cfg Config,
	onErr func(err error),
) (*Memory, error) {
	// init DB
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(BuckAutomata))
		return err
	})
	if err != nil {
		return nil, err
	}

	c := cfg
	if c.MaxRecords <= 0 {
		c.MaxRecords = 1000
	}
	if c.QueueBatch <= 0 {
		c.QueueBatch = 100
	}
	if onErr == nil {
		onErr = func(err error) {
			log.Printf("fahist: %s", err)
		}
	}

	// init and bind tracer
	mem := &Memory{
		Cfg:         &c,
		Db:          db,
		a:           a,
		onErr:       onErr,
		queue:       &queue{},
		queueWorker: &errgroup.Group{},
	}
	mem.queueWorker.SetLimit(1)
	if err := mem.init(); err != nil {
		return nil, err
	}
	mem.tr = &tracer{mem: mem}
	context.AfterFunc(ctx, func() {
		if err := mem.Dispose(); err != nil {
			mem.onErr(err)
		}
	})

	return mem, a.BindTracer(mem.tr)
}

// init upserts the automaton record and creates buckets.
func (m *Memory) init() error {
	now := time.Now().UTC()
	id := m.a.Id()

	rec, err := GetAutomaton(m.Db, id)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &fahist.AutomatonRecord{
			AutomatonId:   id,
			FirstTracking: now,
			NextId:        1,
		}
	}
	rec.Kind = m.a.Kind().String()
	rec.LastTracking = now
	rec.LastSync = now
	m.autRec = rec

	// save
	return m.Db.Update(func(dbTx *bbolt.Tx) error {
		enc, err := m.encode(rec)
		if err != nil {
			return err
		}
		idBt := []byte(id)
		err = dbTx.Bucket([]byte(BuckAutomata)).Put(idBt, enc)
		if err != nil {
			return err
		}

		// create buckets
		b, err := dbTx.CreateBucketIfNotExists(idBt)
		if err != nil {
			return err
		}
		_, err = b.CreateBucketIfNotExists([]byte(BuckRuns))

		return err
	})
}

// Latest is [fahist.MemoryApi.Latest].
func (m *Memory) Latest(
	ctx context.Context, limit int,
) ([]*fahist.RunRecord, error) {
	return m.FindLatest(ctx, limit, fahist.Query{})
}

// FindLatest is [fahist.MemoryApi.FindLatest].
func (m *Memory) FindLatest(
	ctx context.Context, limit int, query fahist.Query,
) ([]*fahist.RunRecord, error) {
	if err := fahist.ValidateQuery(query); err != nil {
		return nil, err
	}
	if m.disposed.Load() {
		return nil, bbolt.ErrDatabaseNotOpen
	}

	// stop GC and query
	m.gcMx.RLock()
	defer m.gcMx.RUnlock()

	var ret []*fahist.RunRecord
	err := m.Db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(m.a.Id())).Bucket([]byte(BuckRuns))
		c := b.Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			rec := &fahist.RunRecord{}
			if err := Decode(v, rec, m.Cfg.EncJson); err != nil {
				return fmt.Errorf("run %d: %w", btoi(k), err)
			}
			if !query.Match(rec) {
				continue
			}

			// collect and return
			ret = append(ret, rec)
			if limit > 0 && len(ret) >= limit {
				break
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return ret, nil
}

// Sync is [fahist.MemoryApi.Sync].
func (m *Memory) Sync() error {
	m.log("sync...")

	// locks
	m.mx.Lock()
	defer m.mx.Unlock()
	m.writeDb()
	err := m.queueWorker.Wait()

	m.log("sync OK")

	return err
}

// AutomatonRecord is [fahist.MemoryApi.AutomatonRecord].
func (m *Memory) AutomatonRecord() *fahist.AutomatonRecord {
	m.mx.Lock()
	defer m.mx.Unlock()

	// link to a copy
	cp := *m.autRec
	return &cp
}

// Dispose is [fahist.MemoryApi.Dispose]. It flushes the queue and closes the
// DB.
func (m *Memory) Dispose() error {
	if !m.disposed.CompareAndSwap(false, true) {
		return nil
	}
	trErr := m.a.DetachTracer(m.tr)

	m.mx.Lock()
	defer m.mx.Unlock()
	m.writeDb()
	syncErr := m.queueWorker.Wait()

	m.gcMx.Lock()
	defer m.gcMx.Unlock()

	return errors.Join(trErr, syncErr, m.Db.Close())
}

// Config is [fahist.MemoryApi.Config].
func (m *Memory) Config() fahist.BaseConfig {
	return m.Cfg.BaseConfig
}

// Automaton is [fahist.MemoryApi.Automaton].
func (m *Memory) Automaton() fa.Automaton {
	return m.a
}

func (m *Memory) encode(v any) ([]byte, error) {
	if m.Cfg.EncJson {
		return json.MarshalIndent(v, "", "  ")
	}

	return msgpack.Marshal(v)
}

// writeDb requires [Memory.mx].
func (m *Memory) writeDb() {
	if m.SavePending.Load() <= 0 {
		return
	}

	q := m.queue

	// copy
	autRec := *m.autRec
	runs := q.runs
	q.runs = nil
	ids := q.ids
	q.ids = nil
	l := len(runs)
	m.log("writeDb for %d records", l)
	m.SavePending.Add(-int32(l))

	// a single worker keeps the order of writes
	m.queueWorker.Go(func() error {
		err := m.Db.Update(func(dbTx *bbolt.Tx) error {
			// buckets
			bAut := dbTx.Bucket([]byte(BuckAutomata))
			idBt := []byte(autRec.AutomatonId)
			bRuns := dbTx.Bucket(idBt).Bucket([]byte(BuckRuns))

			// update automaton
			enc, err := m.encode(autRec)
			if err != nil {
				return err
			}
			if err = bAut.Put(idBt, enc); err != nil {
				return err
			}

			// insert runs
			for i, rec := range runs {
				encRun, err := m.encode(rec)
				if err != nil {
					return err
				}
				if err = bRuns.Put(itob(ids[i]), encRun); err != nil {
					return err
				}
			}

			return nil
		})
		if err != nil {
			m.onErr(err)
			return err
		}

		// stats
		all := m.Saved.Add(uint64(l))
		m.log("saved %d records (total %d)", l, all)
		m.checkGc(autRec.NextId - 1)

		return nil
	})
}

// checkGc trims records older than MaxRecords, after 1.5x of MaxRecords has
// been saved since the last GC.
func (m *Memory) checkGc(lastId uint64) {
	sinceLastGc := m.SavedGc.Load()
	now := m.Saved.Load()
	if float32(now-sinceLastGc) <= float32(m.Cfg.MaxRecords)*1.5 ||
		lastId <= uint64(m.Cfg.MaxRecords) {

		return
	}

	m.log("gc...")
	m.gcMx.Lock()
	defer m.gcMx.Unlock()

	cutoff := lastId - uint64(m.Cfg.MaxRecords)
	err := m.Db.Update(func(dbTx *bbolt.Tx) error {
		b := dbTx.Bucket([]byte(m.a.Id())).Bucket([]byte(BuckRuns))

		// collect first, deleting moves the cursor
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && btoi(k) <= cutoff; k, _ = c.Next() {
			keys = append(keys, k)
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		m.log("gc done for %d records", len(keys))

		return nil
	})
	if err != nil {
		m.onErr(fmt.Errorf("failed to GC: %w", err))
	}

	m.SavedGc.Store(m.Saved.Load())
}

func (m *Memory) log(msg string, args ...any) {
	if !m.Cfg.Log {
		return
	}

	log.Printf(msg, args...)
}

// ///// ///// /////

// ///// DB

// ///// ///// /////

// GetAutomaton returns an automaton record for a given ID, or nil.
func GetAutomaton(db *bbolt.DB, id string) (*fahist.AutomatonRecord, error) {
	var ret *fahist.AutomatonRecord
	err := db.View(func(dbTx *bbolt.Tx) error {
		b := dbTx.Bucket([]byte(BuckAutomata))
		if b == nil {
			return nil
		}
		pack := b.Get([]byte(id))
		if pack == nil {
			return nil
		}
		ret = &fahist.AutomatonRecord{}
		return Decode(pack, ret, true)
	})
	if err != nil {
		return nil, err
	}

	return ret, nil
}

// ListAutomata returns a list of all automata in a database.
func ListAutomata(db *bbolt.DB) ([]*fahist.AutomatonRecord, error) {
	ret := make([]*fahist.AutomatonRecord, 0)
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BuckAutomata))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec := &fahist.AutomatonRecord{}
			err := Decode(v, rec, true)
			if err != nil {
				return err
			}
			ret = append(ret, rec)
		}

		return nil
	})

	return ret, err
}

// Decode decodes a msgpack record, or JSON when tryJson.
func Decode(v []byte, out any, tryJson bool) error {
	if tryJson {
		if err := json.Unmarshal(v, out); err == nil {
			return nil
		}
	}

	return msgpack.Unmarshal(v, out)
}
