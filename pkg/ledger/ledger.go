// Package ledger keeps an audit trail of finished ingestion sessions in a SQL
// database through gorm.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"mediaingest/models"
	"mediaingest/pkg/ingest"
	"mediaingest/pkg/logger"
)

// ErrNotFound is returned by Get for unknown run ids.
var ErrNotFound = errors.New("ledger: run not found")

// Open connects to dsn. DSNs starting with "sqlite:" (or ":memory:") use the
// sqlite driver; anything else is handed to postgres.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("ledger: empty dsn")
	}
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	var dialector gorm.Dialector
	switch {
	case dsn == ":memory:":
		dialector = sqlite.Open("file::memory:?cache=shared")
	case strings.HasPrefix(dsn, "sqlite:"):
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite:"))
	default:
		dialector = postgres.Open(dsn)
	}
	gdb, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	return gdb, nil
}

// Store records and queries ingestion runs.
type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStore(db *gorm.DB, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{db: db, log: log.With("service", "ledger")}
}

// Migrate creates or updates the ledger tables.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&models.IngestionRun{}); err != nil {
		return fmt.Errorf("ledger: migrate ingestion_runs: %w", err)
	}
	if err := s.db.AutoMigrate(&models.IngestionItem{}); err != nil {
		return fmt.Errorf("ledger: migrate ingestion_items: %w", err)
	}
	return nil
}

// Record stores res with one item per upload outcome. Recording the same
// session twice replaces the earlier rows.
func (s *Store) Record(ctx context.Context, res *ingest.Result, sinkName string) error {
	if res == nil {
		return errors.New("ledger: nil result")
	}
	run, err := runFromResult(res, sinkName)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", run.ID).Delete(&models.IngestionItem{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", run.ID).Delete(&models.IngestionRun{}).Error; err != nil {
			return err
		}
		items := run.Items
		run.Items = nil
		if err := tx.Create(&run).Error; err != nil {
			return err
		}
		if len(items) > 0 {
			if err := tx.CreateInBatches(&items, 100).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: record run %s: %w", res.SessionID, err)
	}
	s.log.Debug("run recorded", "session_id", res.SessionID, "items", len(res.Outcomes))
	return nil
}

func runFromResult(res *ingest.Result, sinkName string) (models.IngestionRun, error) {
	cfgJSON, err := json.Marshal(res.Config)
	if err != nil {
		return models.IngestionRun{}, fmt.Errorf("ledger: encode config: %w", err)
	}
	run := models.IngestionRun{
		ID:               res.SessionID,
		StartedAt:        res.StartedAt,
		FinishedAt:       res.FinishedAt,
		State:            string(res.State),
		ExitCode:         res.ExitCode(),
		ProfessionalMode: res.ProfessionalMode,
		DryRun:           res.Config.DryRun,
		Sink:             sinkName,
		Matched:          len(res.Renamed),
		Processed:        len(res.Processed),
		ProcessingFailed: res.ProcessingFailures,
		UploadOK:         res.Aggregate.OK,
		RetryableFailed:  res.Aggregate.RetryableFailed,
		PermanentFailed:  res.Aggregate.PermanentFailed,
		Error:            ingest.TruncateUTF8(res.Error, 512),
		Config:           datatypes.JSON(cfgJSON),
		Report:           datatypes.JSON("{}"),
	}
	if res.Report != nil {
		reportJSON, err := json.Marshal(res.Report)
		if err != nil {
			return models.IngestionRun{}, fmt.Errorf("ledger: encode report: %w", err)
		}
		run.Report = datatypes.JSON(reportJSON)
		run.Errors = res.Report.ErrorCount()
		run.Warnings = res.Report.WarningCount()
		run.Products = metaInt(res.Report.Manifest.Metadata, "records")
		run.Assets = metaInt(res.Report.Assets.Metadata, "submitted")
	}
	for _, o := range res.Outcomes {
		run.Items = append(run.Items, models.IngestionItem{
			RunID:             res.SessionID,
			Position:          o.Index,
			SKU:               o.SKU,
			ProductRowIndex:   o.ProductRowIndex,
			AssetOriginalName: o.AssetOriginalName,
			TargetFilename:    o.TargetFilename,
			UploadName:        o.UploadName,
			Status:            string(o.Status),
			Kind:              string(o.Kind),
			Attempts:          o.Attempts,
			HTTPStatus:        o.HTTPStatus,
			BodySummary:       ingest.TruncateUTF8(o.BodySummary, 512),
			Digest:            o.Digest,
		})
	}
	return run, nil
}

// Get returns a run with its items.
func (s *Store) Get(ctx context.Context, id string) (*models.IngestionRun, error) {
	var run models.IngestionRun
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("id = ?", id).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get run %s: %w", id, err)
	}
	return &run, nil
}

// List returns the most recent runs without their items or report bodies.
func (s *Store) List(ctx context.Context, limit int) ([]models.IngestionRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	var runs []models.IngestionRun
	if err := s.db.WithContext(ctx).Omit("report", "config").
		Order("created_at desc").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("ledger: list runs: %w", err)
	}
	return runs, nil
}

// Summary aggregates runs created since a point in time.
type Summary struct {
	Since           time.Time      `json:"since"`
	Runs            int64          `json:"runs"`
	ByState         map[string]int `json:"byState"`
	UploadOK        int64          `json:"uploadOk"`
	RetryableFailed int64          `json:"retryableFailed"`
	PermanentFailed int64          `json:"permanentFailed"`
	Processed       int64          `json:"processed"`
}

func (s *Store) Summarize(ctx context.Context, since time.Time) (Summary, error) {
	sum := Summary{Since: since, ByState: map[string]int{}}
	db := s.db.WithContext(ctx).Model(&models.IngestionRun{}).Where("created_at >= ?", since)

	var totals struct {
		Runs            int64
		UploadOK        int64
		RetryableFailed int64
		PermanentFailed int64
		Processed       int64
	}
	if err := db.Session(&gorm.Session{}).Select(
		"COUNT(*) AS runs, COALESCE(SUM(upload_ok),0) AS upload_ok, " +
			"COALESCE(SUM(retryable_failed),0) AS retryable_failed, " +
			"COALESCE(SUM(permanent_failed),0) AS permanent_failed, COALESCE(SUM(processed),0) AS processed",
	).Scan(&totals).Error; err != nil {
		return sum, fmt.Errorf("ledger: summarize: %w", err)
	}
	sum.Runs = totals.Runs
	sum.UploadOK = totals.UploadOK
	sum.RetryableFailed = totals.RetryableFailed
	sum.PermanentFailed = totals.PermanentFailed
	sum.Processed = totals.Processed

	var rows []struct {
		State string
		N     int
	}
	if err := db.Session(&gorm.Session{}).Select("state, COUNT(*) AS n").Group("state").Scan(&rows).Error; err != nil {
		return sum, fmt.Errorf("ledger: summarize states: %w", err)
	}
	for _, r := range rows {
		sum.ByState[r.State] = r.N
	}
	return sum, nil
}

// Prune deletes runs created before cutoff together with their items. With
// dryRun it only counts. It returns the number of runs affected.
func (s *Store) Prune(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.IngestionRun{}).Where("created_at < ?", cutoff).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("ledger: count prunable runs: %w", err)
	}
	if dryRun || n == 0 {
		return n, nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := tx.Model(&models.IngestionRun{}).Select("id").Where("created_at < ?", cutoff)
		if err := tx.Where("run_id IN (?)", old).Delete(&models.IngestionItem{}).Error; err != nil {
			return err
		}
		res := tx.Where("created_at < ?", cutoff).Delete(&models.IngestionRun{})
		if res.Error != nil {
			return res.Error
		}
		n = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: prune: %w", err)
	}
	s.log.Info("ledger pruned", "runs", n, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}

func metaInt(md map[string]any, key string) int {
	switch v := md[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
