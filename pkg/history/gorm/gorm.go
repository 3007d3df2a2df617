// Package gorm provides automata run history tracking and traversal using
// GORM over SQLite or PostgreSQL.
package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/gormlite"
	"github.com/ncruces/go-sqlite3/vfs"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	fa "github.com/pancsta/automata-go/pkg/automata"
	fahist "github.com/pancsta/automata-go/pkg/history"
)

type Config struct {
	fahist.BaseConfig

	// amount of records to save in bulk (default: 1000)
	QueueBatch int32
	// amount of goroutines doing bulk saving (default: 10)
	SavePool int
}

// ///// ///// /////

// ///// SCHEMA

// ///// ///// /////

// Automaton is a SQL version of [fahist.AutomatonRecord].
type Automaton struct {
	// PK

	ID uint32 `gorm:"primaryKey"`

	// rels

	Runs []Run

	// data

	AutomatonId string `gorm:"column:automaton_id;uniqueIndex"`
	Kind        string
	// Definition is the exported definition (JSON) of the last tracked
	// version.
	Definition datatypes.JSON

	// human times

	// first time the automaton has been tracked
	FirstTracking time.Time
	// last time a tracking of this automaton has started
	LastTracking time.Time
	// last time a sync has been performed
	LastSync time.Time

	// counters

	Validations uint64
	Accepted    uint64
	// next ID for run records
	NextId uint64
}

// Run is a SQL version of [fahist.RunRecord].
type Run struct {
	// PK

	ID          uint64 `gorm:"primaryKey;autoIncrement:false"`
	AutomatonID uint32 `gorm:"primaryKey"`

	// data

	RunId    string `gorm:"index:run_id"`
	Input    string
	Start    uint32
	Accepted bool `gorm:"index:accepted"`
	Steps    int
	Branches int
	DeadEnds int
	MemoHits int
	// Duration in nanoseconds.
	Duration int64
	// Time is the start of the validation, in UTC.
	Time time.Time `gorm:"column:started_at"`
}

func (r *Automaton) record() *fahist.AutomatonRecord {
	return &fahist.AutomatonRecord{
		AutomatonId:   r.AutomatonId,
		Kind:          r.Kind,
		FirstTracking: r.FirstTracking,
		LastTracking:  r.LastTracking,
		LastSync:      r.LastSync,
		Validations:   r.Validations,
		Accepted:      r.Accepted,
		NextId:        r.NextId,
	}
}

func (r *Run) record(a *Automaton) *fahist.RunRecord {
	return &fahist.RunRecord{
		Id:          r.RunId,
		AutomatonId: a.AutomatonId,
		Kind:        a.Kind,
		Input:       r.Input,
		Start:       fa.State(r.Start),
		Accepted:    r.Accepted,
		Steps:       r.Steps,
		Branches:    r.Branches,
		DeadEnds:    r.DeadEnds,
		MemoHits:    r.MemoHits,
		Duration:    time.Duration(r.Duration),
		Time:        r.Time,
	}
}

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

	autRec := m.autRec
	id := autRec.NextId
	autRec.Validations++
	if rec.Accepted {
		autRec.Accepted++
	}
	autRec.NextId++
	autRec.LastSync = time.Now().UTC()

	// queue
	m.queue = append(m.queue, Run{
		ID:          id,
		AutomatonID: autRec.ID,
		RunId:       rec.Id,
		Input:       rec.Input,
		Start:       uint32(rec.Start),
		Accepted:    rec.Accepted,
		Steps:       rec.Steps,
		Branches:    rec.Branches,
		DeadEnds:    rec.DeadEnds,
		MemoHits:    rec.MemoHits,
		Duration:    int64(rec.Duration),
		Time:        rec.Time,
	})
	if m.SavePending.Add(1) >= m.Cfg.QueueBatch {
		m.writeDb()
	}
}

// ///// ///// /////

// ///// MEMORY

// ///// ///// /////

type Memory struct {
	Db          *gorm.DB
	Cfg         *Config
	SavePending atomic.Int32
	Saved       atomic.Uint64
	// Value of Saved at the end of the last GC
	SavedGc atomic.Uint64

	a        fa.Automaton
	ctx      context.Context
	savePool *errgroup.Group
	// garbage collector lock (read: query, write: GC)
	gcMx     sync.RWMutex
	disposed atomic.Bool
	autRec   *Automaton
	queue    []Run
	onErr    func(err error)
	// global lock, guards the queue and autRec
	mx sync.Mutex
	tr *tracer
}

var _ fahist.MemoryApi = &Memory{}

// NewMemory creates a SQL history for the automaton and binds its tracer.
// Previous records of the same automaton ID are resumed. The memory is
// disposed together with ctx.
func NewMemory(
	ctx context.Context, db *gorm.DB, a fa.Automaton, cfg Config,
	onErr func(err error),
) (*Memory, error) {
	// update the DB schema
	err := db.AutoMigrate(&Automaton{}, &Run{})
	if err != nil {
		return nil, err
	}

	c := cfg
	if c.MaxRecords <= 0 {
		c.MaxRecords = 1000
	}
	if c.QueueBatch <= 0 {
		c.QueueBatch = 1000
	}
	if c.SavePool <= 0 {
		c.SavePool = 10
	}
	if onErr == nil {
		onErr = func(err error) {
			log.Printf("fahist: %s", err)
		}
	}

	// init and bind
	mem := &Memory{
		Cfg:      &c,
		Db:       db,
		a:        a,
		ctx:      context.WithoutCancel(ctx),
		savePool: &errgroup.Group{},
		onErr:    onErr,
	}
	mem.savePool.SetLimit(c.SavePool)
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

// init upserts the automaton record.
func (m *Memory) init() error {
	now := time.Now().UTC()
	rec, err := GetAutomaton(m.Db, m.a.Id())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec = &Automaton{
			AutomatonId:   m.a.Id(),
			FirstTracking: now,
			NextId:        1,
		}
	} else if err != nil {
		return err
	}
	def, err := fa.Export(m.a).Marshal(fa.FormatJSON)
	if err != nil {
		return err
	}
	rec.Kind = m.a.Kind().String()
	rec.Definition = datatypes.JSON(def)
	rec.LastTracking = now
	rec.LastSync = now
	m.autRec = rec

	return m.Db.Save(rec).Error
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

	// stop GC and query
	m.gcMx.RLock()
	defer m.gcMx.RUnlock()

	m.mx.Lock()
	autRec := *m.autRec
	m.mx.Unlock()

	q := m.Db.WithContext(ctx).Model(&Run{}).
		Where("automaton_id = ?", autRec.ID)
	if query.Accepted {
		q = q.Where("accepted = ?", true)
	}
	if query.Rejected {
		q = q.Where("accepted = ?", false)
	}
	if !query.Start.IsZero() {
		q = q.Where("started_at >= ?", query.Start.UTC())
	}
	if !query.End.IsZero() {
		q = q.Where("started_at <= ?", query.End.UTC())
	}
	if query.MinSteps > 0 {
		q = q.Where("steps >= ?", query.MinSteps)
	}
	if query.InputPrefix != "" {
		q = q.Where("substr(input, 1, ?) = ?",
			utf8.RuneCountInString(query.InputPrefix),
			query.InputPrefix)
	}
	q = q.Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []Run
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	// build results
	ret := make([]*fahist.RunRecord, len(rows))
	for i := range rows {
		ret[i] = rows[i].record(&autRec)
	}

	return ret, nil
}

// AutomatonRecord is [fahist.MemoryApi.AutomatonRecord].
func (m *Memory) AutomatonRecord() *fahist.AutomatonRecord {
	m.mx.Lock()
	defer m.mx.Unlock()

	return m.autRec.record()
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
	syncErr := m.savePool.Wait()

	stdDb, err := m.Db.DB()
	if err != nil {
		return errors.Join(trErr, syncErr, err)
	}

	return errors.Join(trErr, syncErr, stdDb.Close())
}

// Config is [fahist.MemoryApi.Config].
func (m *Memory) Config() fahist.BaseConfig {
	return m.Cfg.BaseConfig
}

// Automaton is [fahist.MemoryApi.Automaton].
func (m *Memory) Automaton() fa.Automaton {
	return m.a
}

// Sync is [fahist.MemoryApi.Sync].
func (m *Memory) Sync() error {
	m.log("sync...")

	// locks
	m.mx.Lock()
	defer m.mx.Unlock()
	m.writeDb()
	err := m.savePool.Wait()
	m.checkGc()

	m.log("sync OK")

	return err
}

// writeDb requires [Memory.mx].
func (m *Memory) writeDb() {
	if m.SavePending.Load() <= 0 {
		return
	}

	// copy
	autRec := *m.autRec
	runs := m.queue
	m.queue = nil
	l := len(runs)
	m.log("writeDb for %d records", l)
	m.SavePending.Add(-int32(l))

	m.savePool.Go(func() error {
		err := m.Db.WithContext(m.ctx).Transaction(func(tx *gorm.DB) error {
			// sync the automaton record, counters only grow
			err := tx.Model(&Automaton{}).Where("id = ?", autRec.ID).
				Where("next_id < ?", autRec.NextId).
				Updates(map[string]any{
					"validations": autRec.Validations,
					"accepted":    autRec.Accepted,
					"next_id":     autRec.NextId,
					"last_sync":   autRec.LastSync,
				}).Error
			if err != nil {
				return err
			}

			return tx.CreateInBatches(&runs, 100).Error
		})
		if err != nil {
			m.onErr(fmt.Errorf("failed to save: %w", err))
			return err
		}

		all := m.Saved.Add(uint64(l))
		m.log("saved %d records (total %d)", l, all)

		return nil
	})
}

// checkGc trims records older than MaxRecords, after 1.5x of MaxRecords has
// been saved since the last GC. Requires [Memory.mx].
func (m *Memory) checkGc() {
	sinceLastGc := m.SavedGc.Load()
	now := m.Saved.Load()
	if float32(now-sinceLastGc) <= float32(m.Cfg.MaxRecords)*1.5 ||
		!m.gcMx.TryLock() {

		return
	}
	defer m.gcMx.Unlock()

	m.log("gc...")
	cutoff := int64(m.autRec.NextId) - 1 - int64(m.Cfg.MaxRecords)
	res := m.Db.WithContext(m.ctx).
		Where("automaton_id = ?", m.autRec.ID).
		Where("id <= ?", cutoff).
		Delete(&Run{})
	if res.Error != nil {
		m.onErr(fmt.Errorf("failed to GC: %w", res.Error))
		return
	}
	m.log("gc done for %d records", res.RowsAffected)

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

// NewSqlite returns a new SQLite DB for GORM. Default name: "fahist".
func NewSqlite(name string, debug bool) (*gorm.DB, *sql.DB, error) {
	if name == "" {
		name = "fahist"
	}

	// expose internal SQLite to share with other drivers
	dbG, err := gorm.Open(gormlite.Open(name+".sqlite"), &gorm.Config{
		Logger: newLogger(debug),
	})
	if err != nil {
		return nil, nil, err
	}
	dbSql, err := dbG.DB()
	if err != nil {
		return nil, nil, err
	}
	if !vfs.SupportsSharedMemory {
		if err = dbG.Exec(`PRAGMA locking_mode=exclusive`).Error; err != nil {
			return nil, nil, err
		}
	}

	// enable WAL
	if err = dbG.Exec(`PRAGMA journal_mode=wal;`).Error; err != nil {
		return nil, nil, err
	}

	return dbG, dbSql, nil
}

// NewPostgres returns a new PostgreSQL DB for GORM, eg
// "host=localhost user=fa dbname=fahist sslmode=disable".
func NewPostgres(dsn string, debug bool) (*gorm.DB, *sql.DB, error) {
	dbG, err := gorm.Open(gormpg.Open(dsn), &gorm.Config{
		Logger: newLogger(debug),
	})
	if err != nil {
		return nil, nil, err
	}
	dbSql, err := dbG.DB()
	if err != nil {
		return nil, nil, err
	}

	return dbG, dbSql, nil
}

func newLogger(debug bool) logger.Interface {
	cfg := logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Silent,
		Colorful:                  true,
		IgnoreRecordNotFoundError: true,
	}
	if debug {
		cfg.LogLevel = logger.Info
		cfg.IgnoreRecordNotFoundError = false
	}

	return logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), cfg)
}

// GetAutomaton returns an automaton record for a given ID.
func GetAutomaton(db *gorm.DB, id string) (*Automaton, error) {
	var a Automaton
	if err := db.Where("automaton_id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}

	return &a, nil
}

// ListAutomata returns a list of all automata in a database.
func ListAutomata(db *gorm.DB) ([]*fahist.AutomatonRecord, error) {
	var rows []Automaton
	if err := db.Order("automaton_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	ret := make([]*fahist.AutomatonRecord, len(rows))
	for i := range rows {
		ret[i] = rows[i].record()
	}

	return ret, nil
}
