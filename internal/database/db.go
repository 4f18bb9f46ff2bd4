package database

import (
	"log/slog"

	"loanpipe/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// NewConnection initializes a new connection pool using GORM
func NewConnection(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Auto-migrate core models
	err = db.AutoMigrate(
		&model.PendingLoanSubmission{},
		&model.PendingDocumentUpload{},
		&model.ScheduledTask{},
		&model.AuditLog{},
	)
	if err != nil {
		slog.Warn("failed to auto-migrate models", "error", err)
	}

	return db, nil
}
