// Package sqlstore implements store.Store on a relational database through
// gorm. sqlite and postgres dialects are supported.
//
// Claims use a conditional UPDATE guarded by the pending status, so only one
// of several concurrent claimers sees RowsAffected == 1 for a given row.
// Terminal rows are hidden from Get once their retention window has passed
// and physically deleted by a background sweeper.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-timer/internal/clock"
	"github.com/ChuLiYu/beaver-timer/internal/store"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// JobRecord is the persisted form of a job.
type JobRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	URL         string `gorm:"not null"`
	Status      string `gorm:"size:32;not null;index:idx_timer_jobs_due,priority:1"`
	Attempts    int    `gorm:"not null;default:0"`
	Result      string
	ErrorText   string
	ScheduledAt int64 `gorm:"not null;index:idx_timer_jobs_due,priority:2"`
	EnqueuedAt  int64 `gorm:"not null"`
	StartedAt   *int64
	FinishedAt  *int64 `gorm:"index"`
	LeaseUntil  *int64
	WorkerID    string `gorm:"size:128"`
}

// TableName keeps timer rows apart from application tables.
func (JobRecord) TableName() string {
	return "timer_jobs"
}

// Options configures a Store.
type Options struct {
	ResultTTL time.Duration
	// SweepInterval is how often expired terminal rows are deleted.
	// Zero uses half of ResultTTL; negative disables the sweeper.
	SweepInterval time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Store is a gorm-backed job store.
type Store struct {
	db        *gorm.DB
	resultTTL time.Duration
	clock     clock.Clock
	log       *slog.Logger
	ownDB     bool

	stopSweep chan struct{}
	closeOnce sync.Once
	sweepDone chan struct{}
}

var _ store.Store = (*Store)(nil)

// Dialector returns the gorm dialector for driver.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverSQLite, "":
		return sqlite.Open(dsn), nil
	case DriverPostgres:
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
}

// Open connects to the database, migrates the schema and returns a Store
// that closes the connection on Close.
func Open(ctx context.Context, driver, dsn string, opts Options) (*Store, error) {
	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, store.Unavailable("connect", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, store.Unavailable("connect", err)
	}
	if driver == DriverSQLite || driver == "" {
		// a sqlite :memory: database exists per connection
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, store.Unavailable("connect", err)
	}

	s, err := New(db, opts)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	s.ownDB = true
	return s, nil
}

// New migrates the schema on db and returns a Store. The caller keeps
// ownership of db.
func New(db *gorm.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlstore: database handle is required")
	}
	if err := db.AutoMigrate(&JobRecord{}); err != nil {
		return nil, store.Unavailable("migrate", err)
	}

	if opts.ResultTTL <= 0 {
		opts.ResultTTL = store.DefaultResultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		db:        db,
		resultTTL: opts.ResultTTL,
		clock:     clock.OrReal(opts.Clock),
		log:       opts.Logger.With("component", "sqlstore"),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	interval := opts.SweepInterval
	if interval == 0 {
		interval = opts.ResultTTL / 2
	}
	if interval > 0 {
		go s.sweepLoop(interval)
	} else {
		close(s.sweepDone)
	}
	return s, nil
}

// Put inserts a new pending job.
func (s *Store) Put(ctx context.Context, job *types.Job) error {
	rec := toRecord(job)
	rec.Status = string(types.StatusPending)

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec)
	if res.Error != nil {
		return store.Unavailable("put", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrDuplicateJob
	}
	return nil
}

// Get reads a job row.
func (s *Store) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	rec, err := s.find(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	if s.expired(rec, s.clock.Now()) {
		return nil, store.ErrJobNotFound
	}
	job := fromRecord(rec)
	if job.ScheduledAt <= 0 {
		return job, fmt.Errorf("%w: scheduled_at %d", store.ErrCorruptJob, rec.ScheduledAt)
	}
	return job, nil
}

func (s *Store) find(db *gorm.DB, id types.JobID) (*JobRecord, error) {
	var rec JobRecord
	err := db.Where("id = ?", string(id)).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrJobNotFound
	}
	if err != nil {
		return nil, store.Unavailable("get", err)
	}
	return &rec, nil
}

// ClaimDue claims up to limit due jobs in scheduled_at order.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration, workerID string) ([]*types.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	db := s.db.WithContext(ctx)
	nowMs := now.UnixMilli()

	var ids []string
	err := db.Model(&JobRecord{}).
		Where("status = ? AND scheduled_at <= ?", string(types.StatusPending), nowMs).
		Order("scheduled_at, id").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, store.Unavailable("claim", err)
	}

	leaseUntil := now.Add(lease).UnixMilli()
	claimed := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		res := db.Model(&JobRecord{}).
			Where("id = ? AND status = ?", id, string(types.StatusPending)).
			Updates(map[string]any{
				"status":      string(types.StatusInProgress),
				"attempts":    gorm.Expr("attempts + 1"),
				"started_at":  nowMs,
				"lease_until": leaseUntil,
				"worker_id":   workerID,
			})
		if res.Error != nil {
			return claimed, store.Unavailable("claim", res.Error)
		}
		if res.RowsAffected != 1 {
			// another claimer won this row
			continue
		}
		rec, err := s.find(db, types.JobID(id))
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, fromRecord(rec))
	}
	return claimed, nil
}

// UpdateStatus finishes an in_progress job held under claim.
func (s *Store) UpdateStatus(ctx context.Context, id types.JobID, claim store.Claim, status types.JobStatus, result string) error {
	if err := store.CheckTerminal(status); err != nil {
		return err
	}
	updates := map[string]any{
		"status":      string(status),
		"finished_at": s.clock.Now().UnixMilli(),
		"lease_until": nil,
	}
	if status == types.StatusSucceeded {
		updates["result"] = result
		updates["error_text"] = ""
	} else {
		updates["error_text"] = result
	}
	return s.transition(ctx, "update status", id, claim, updates)
}

// Requeue returns an in_progress job held under claim to pending at its
// original time.
func (s *Store) Requeue(ctx context.Context, id types.JobID, claim store.Claim) error {
	return s.transition(ctx, "requeue", id, claim, map[string]any{
		"status":      string(types.StatusPending),
		"lease_until": nil,
		"worker_id":   "",
	})
}

// transition applies updates to a row that is in_progress under claim.
func (s *Store) transition(ctx context.Context, op string, id types.JobID, claim store.Claim, updates map[string]any) error {
	db := s.db.WithContext(ctx)
	res := db.Model(&JobRecord{}).
		Where("id = ? AND status = ? AND worker_id = ? AND attempts = ?",
			string(id), string(types.StatusInProgress), claim.WorkerID, claim.Attempt).
		Updates(updates)
	if res.Error != nil {
		return store.Unavailable(op, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	rec, err := s.find(db, id)
	if err != nil {
		return err
	}
	if rec.Status == string(types.StatusInProgress) {
		return store.ErrClaimLost
	}
	return store.ErrInvalidTransition
}

// ExpiredLeases lists in_progress jobs whose lease ended before now.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]types.JobID, error) {
	q := s.db.WithContext(ctx).Model(&JobRecord{}).
		Where("status = ? AND lease_until < ?", string(types.StatusInProgress), now.UnixMilli()).
		Order("lease_until, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []string
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, store.Unavailable("expired leases", err)
	}
	out := make([]types.JobID, len(ids))
	for i, id := range ids {
		out[i] = types.JobID(id)
	}
	return out, nil
}

// Sweep deletes terminal rows whose retention window has passed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.resultTTL).UnixMilli()
	res := s.db.WithContext(ctx).
		Where("finished_at IS NOT NULL AND finished_at <= ?", cutoff).
		Delete(&JobRecord{})
	if res.Error != nil {
		return 0, store.Unavailable("sweep", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := s.Sweep(context.Background())
			if err != nil {
				s.log.Warn("retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.log.Debug("retention sweep", "deleted", n)
			}
		case <-s.stopSweep:
			return
		}
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return store.Unavailable("ping", err)
	}
	return store.Unavailable("ping", sqlDB.PingContext(ctx))
}

// Close stops the sweeper and closes the connection if the store opened it.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.stopSweep) })
	<-s.sweepDone
	if !s.ownDB {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) expired(rec *JobRecord, now time.Time) bool {
	if !types.JobStatus(rec.Status).IsTerminal() || rec.FinishedAt == nil {
		return false
	}
	return now.UnixMilli() >= *rec.FinishedAt+s.resultTTL.Milliseconds()
}

func toRecord(j *types.Job) JobRecord {
	c := j.Clone()
	return JobRecord{
		ID:          string(c.ID),
		URL:         c.URL,
		Status:      string(c.Status),
		Attempts:    c.Attempts,
		Result:      c.Result,
		ErrorText:   c.Error,
		ScheduledAt: c.ScheduledAt,
		EnqueuedAt:  c.EnqueuedAt,
		StartedAt:   c.StartedAt,
		FinishedAt:  c.FinishedAt,
		LeaseUntil:  c.LeaseUntil,
		WorkerID:    c.WorkerID,
	}
}

func fromRecord(r *JobRecord) *types.Job {
	return &types.Job{
		ID:          types.JobID(r.ID),
		URL:         r.URL,
		Status:      types.JobStatus(r.Status),
		Attempts:    r.Attempts,
		Result:      r.Result,
		Error:       r.ErrorText,
		ScheduledAt: r.ScheduledAt,
		EnqueuedAt:  r.EnqueuedAt,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		LeaseUntil:  r.LeaseUntil,
		WorkerID:    r.WorkerID,
	}
}
