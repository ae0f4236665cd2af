// Package repository persists accepted uploads.
package repository

import (
	"context"
	"errors"

	"github.com/telhawk-systems/filegate/internal/models"
)

var (
	ErrFileNotFound  = errors.New("file not found")
	ErrInvalidRecord = errors.New("invalid file record")
)

// Acceptor takes ownership of a scanned, clean file and returns its record ID.
type Acceptor interface {
	Accept(ctx context.Context, file *models.AcceptedFile) (string, error)
}

// UsageReader reports the bytes a tenant already stores.
type UsageReader interface {
	TenantUsage(ctx context.Context, tenant string) (int64, error)
}

type Repository interface {
	Acceptor
	UsageReader
	Get(ctx context.Context, id string) (*models.FileRecord, error)
	ListByTenant(ctx context.Context, tenant string, limit int) ([]*models.FileRecord, error)
	Close()
}

func validate(file *models.AcceptedFile) error {
	switch {
	case file == nil:
		return ErrInvalidRecord
	case file.Path == "", file.Filename == "":
		return ErrInvalidRecord
	case file.Size < 0:
		return ErrInvalidRecord
	case !(&models.ScanResult{Status: file.ScanStatus}).Accepted():
		return ErrInvalidRecord
	}
	return nil
}

var (
	_ Repository = (*InMemoryRepository)(nil)
	_ Repository = (*PostgresRepository)(nil)
)
