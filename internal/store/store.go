// Package store persists Machine records. SQLiteStore uses a WAL-mode,
// busy_timeout, package-constant-DDL pattern built around the machine
// lifecycle model.
package store

import (
	"context"
	"errors"

	"github.com/hyperfleet-run/hyperfleet/internal/model"
)

// ErrNotFound is returned when a machine is not found.
var ErrNotFound = errors.New("machine not found")

// Stats holds aggregate counts across all persisted machines.
type Stats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
}

// Store defines the persistence operations for machines.
type Store interface {
	CreateMachine(ctx context.Context, m *model.Machine) error
	GetMachine(ctx context.Context, id string) (*model.Machine, error)
	ListMachines(ctx context.Context, limit, offset int) ([]*model.Machine, int, error)
	UpdateMachine(ctx context.Context, m *model.Machine) error
	DeleteMachine(ctx context.Context, id string) error
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
