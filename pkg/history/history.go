package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boxplanner/boxplanner/pkg/types"
	"github.com/glebarez/sqlite"
	"github.com/levenlabs/go-lflag"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Journal stores balancing runs, issued commands and hourly telemetry
// aggregates in a local sqlite file. The balancing detector needs the forced
// lookback to survive restarts, everything else is for diagnosis.
type Journal struct {
	db *gorm.DB
}

// BalancingRun is one completed or in-flight balancing cycle.
type BalancingRun struct {
	ID           uint      `gorm:"primarykey"`
	BoxID        string    `gorm:"index"`
	Trigger      string    `gorm:"index"`
	PlanID       string
	TargetSOCPct float64
	TriggeredAt  time.Time `gorm:"index"`
	CompletedAt  *time.Time
}

// CommandRecord is one write issued against the box.
type CommandRecord struct {
	ID       uint   `gorm:"primarykey"`
	BoxID    string `gorm:"index"`
	Kind     string
	Mode     string
	LimitW   int
	BoilerOn bool
	IssuedAt time.Time `gorm:"index"`
	Success  bool
	Error    string
}

// TelemetryHour aggregates one hour of telemetry snapshots.
type TelemetryHour struct {
	ID        uint      `gorm:"primarykey"`
	BoxID     string    `gorm:"index:idx_box_hour,unique"`
	HourStart time.Time `gorm:"index:idx_box_hour,unique"`
	MinSOCKWH float64
	MaxSOCKWH float64
	SumSOCKWH float64
	Samples   int
}

// AvgSOCKWH returns the mean SOC over the hour.
func (h TelemetryHour) AvgSOCKWH() float64 {
	if h.Samples == 0 {
		return 0
	}
	return h.SumSOCKWH / float64(h.Samples)
}

// Configured sets up the journal based on flags.
func Configured() *Journal {
	path := lflag.String("history-db", "data/history.db", "Path of the sqlite history database")

	j := &Journal{}
	lflag.Do(func() {
		opened, err := New(*path)
		if err != nil {
			panic(fmt.Sprintf("history db init failed: %v", err))
		}
		*j = *opened
	})
	return j
}

// New opens (and migrates) the journal at path.
func New(path string) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.AutoMigrate(&BalancingRun{}, &CommandRecord{}, &TelemetryHour{}); err != nil {
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying connection.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordBalancingRun inserts a new run and returns its ID.
func (j *Journal) RecordBalancingRun(ctx context.Context, run *BalancingRun) (uint, error) {
	if run.TriggeredAt.IsZero() {
		run.TriggeredAt = time.Now()
	}
	if err := j.db.WithContext(ctx).Create(run).Error; err != nil {
		return 0, err
	}
	return run.ID, nil
}

// CompleteBalancingRun marks the run as finished.
func (j *Journal) CompleteBalancingRun(ctx context.Context, id uint, at time.Time) error {
	return j.db.WithContext(ctx).Model(&BalancingRun{}).
		Where("id = ?", id).
		Update("completed_at", at).Error
}

// LastCompletedBalancing returns the completion time of the most recent
// finished balancing run, or ok=false when none exists.
func (j *Journal) LastCompletedBalancing(ctx context.Context, boxID string) (time.Time, bool, error) {
	var run BalancingRun
	err := j.db.WithContext(ctx).
		Where("box_id = ? AND completed_at IS NOT NULL", boxID).
		Order("completed_at DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return *run.CompletedAt, true, nil
}

// OpenBalancingRun returns the newest run without a completion time, or nil
// when every run is finished. Used to pick an interrupted run back up after a
// restart.
func (j *Journal) OpenBalancingRun(ctx context.Context, boxID string) (*BalancingRun, error) {
	var run BalancingRun
	err := j.db.WithContext(ctx).
		Where("box_id = ? AND completed_at IS NULL", boxID).
		Order("triggered_at DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// RecordCommand appends a command outcome to the journal.
func (j *Journal) RecordCommand(ctx context.Context, boxID string, cmd types.Command, cmdErr error) error {
	rec := CommandRecord{
		BoxID:    boxID,
		Kind:     string(cmd.Kind),
		Mode:     string(cmd.Mode),
		LimitW:   cmd.LimitW,
		BoilerOn: cmd.BoilerOn,
		IssuedAt: cmd.IssuedAt,
		Success:  cmdErr == nil,
	}
	if rec.IssuedAt.IsZero() {
		rec.IssuedAt = time.Now()
	}
	if cmdErr != nil {
		rec.Error = cmdErr.Error()
	}
	return j.db.WithContext(ctx).Create(&rec).Error
}

// RecentCommands returns commands issued at or after since, oldest first.
func (j *Journal) RecentCommands(ctx context.Context, boxID string, since time.Time) ([]CommandRecord, error) {
	var recs []CommandRecord
	err := j.db.WithContext(ctx).
		Where("box_id = ? AND issued_at >= ?", boxID, since).
		Order("issued_at ASC").
		Find(&recs).Error
	return recs, err
}

// RecordTelemetry folds a snapshot into its hourly aggregate row.
func (j *Journal) RecordTelemetry(ctx context.Context, boxID string, snap types.TelemetrySnapshot) error {
	hour := snap.LastUpdate.UTC().Truncate(time.Hour)

	return j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row TelemetryHour
		err := tx.Where("box_id = ? AND hour_start = ?", boxID, hour).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = TelemetryHour{
				BoxID:     boxID,
				HourStart: hour,
				MinSOCKWH: snap.SOCKWH,
				MaxSOCKWH: snap.SOCKWH,
			}
		} else if err != nil {
			return err
		}

		if snap.SOCKWH < row.MinSOCKWH {
			row.MinSOCKWH = snap.SOCKWH
		}
		if snap.SOCKWH > row.MaxSOCKWH {
			row.MaxSOCKWH = snap.SOCKWH
		}
		row.SumSOCKWH += snap.SOCKWH
		row.Samples++
		return tx.Save(&row).Error
	})
}

// TelemetryHours returns hourly aggregates in [start, end), oldest first.
func (j *Journal) TelemetryHours(ctx context.Context, boxID string, start, end time.Time) ([]TelemetryHour, error) {
	var rows []TelemetryHour
	err := j.db.WithContext(ctx).
		Where("box_id = ? AND hour_start >= ? AND hour_start < ?", boxID, start, end).
		Order("hour_start ASC").
		Find(&rows).Error
	return rows, err
}
