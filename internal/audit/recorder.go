// Package audit persists a write-only trail of terminal liquidation
// attempts for operator visibility. It is adapted from the teacher's
// asset-snapshot recorder: big.Int-valued fields are stored as
// varchar(78) strings (the longest possible decimal rendering of a
// 256-bit unsigned integer) and the whole table is append-only — the bot
// never reads it back to reconstruct state, so it carries no bearing on
// start-from-empty behavior across restarts.
package audit

import (
	"fmt"
	"math/big"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"liquidationbot/internal/attempts"
)

// AttemptAudit is the GORM model for one terminal attempt row.
type AttemptAudit struct {
	ID                  uint64 `gorm:"primaryKey;autoIncrement"`
	User                string `gorm:"type:varchar(42);index"`
	DebtAsset           string `gorm:"type:varchar(42)"`
	CollateralAsset     string `gorm:"type:varchar(42)"`
	DebtToCover         string `gorm:"type:varchar(78)"`
	ExpectedCollateral  string `gorm:"type:varchar(78)"`
	ProfitScoreUsd1e18  string `gorm:"type:varchar(78)"`
	Status              string `gorm:"type:varchar(20);index"`
	TxHash              string `gorm:"type:varchar(66)"`
	ErrorText           string `gorm:"type:text"`
	ObservedAtMs        int64  `gorm:"index"`
	CreatedAt           time.Time
}

func (AttemptAudit) TableName() string { return "attempt_audits" }

// Recorder writes AttemptAudit rows to MySQL. It implements
// attempts.AuditSink.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder opens a MySQL connection using dsn and auto-migrates the
// attempt_audits table.
func NewRecorder(dsn string) (*Recorder, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return NewRecorderWithDB(db)
}

// NewRecorderWithDB wraps an already-opened *gorm.DB, primarily so tests
// can inject a sqlmock-backed connection.
func NewRecorderWithDB(db *gorm.DB) (*Recorder, error) {
	if err := db.AutoMigrate(&AttemptAudit{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &Recorder{db: db}, nil
}

// RecordAttempt implements attempts.AuditSink. The audit trail is
// best-effort: a failed write is dropped, neither returned nor logged.
func (r *Recorder) RecordAttempt(rec attempts.Record) {
	row := AttemptAudit{
		User:               rec.User,
		DebtAsset:          rec.DebtAsset,
		CollateralAsset:    rec.CollateralAsset,
		DebtToCover:        rec.DebtToCover,
		ExpectedCollateral: rec.ExpectedCollateral,
		ProfitScoreUsd1e18: rec.ProfitScoreUsd1e18,
		Status:             string(rec.Status),
		TxHash:             rec.TxHash,
		ErrorText:          rec.Error,
		ObservedAtMs:       rec.TimestampMs,
		CreatedAt:          time.Now(),
	}
	r.db.Create(&row)
}

// BigIntToString renders a big.Int as a decimal string suitable for the
// varchar(78) columns above, matching the teacher's storage convention
// for arbitrary-precision on-chain amounts. Exported for callers
// (planner, broadcaster) building a Record from uint256/big.Int values.
func BigIntToString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// GetLatestAttempt returns the most recently observed audit row for a
// user, if any.
func (r *Recorder) GetLatestAttempt(user string) (*AttemptAudit, error) {
	var row AttemptAudit
	err := r.db.Where("user = ?", user).Order("observed_at_ms desc").First(&row).Error
	if err != nil {
		return nil, fmt.Errorf("get latest attempt for %s: %w", user, err)
	}
	return &row, nil
}

// CountByStatus returns the number of rows recorded with the given
// status, for operator dashboards.
func (r *Recorder) CountByStatus(status string) (int64, error) {
	var count int64
	err := r.db.Model(&AttemptAudit{}).Where("status = ?", status).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count by status %s: %w", status, err)
	}
	return count, nil
}

// Close releases the underlying database connection.
func (r *Recorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("underlying db: %w", err)
	}
	return sqlDB.Close()
}

// DB exposes the underlying *gorm.DB for callers that need direct access
// (migrations, ad hoc queries).
func (r *Recorder) DB() *gorm.DB { return r.db }
