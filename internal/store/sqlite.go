package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperfleet-run/hyperfleet/internal/model"

	_ "modernc.org/sqlite"
)

const createMachinesTable = `
CREATE TABLE IF NOT EXISTS machines (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    status          TEXT NOT NULL,
    runtime_type    TEXT NOT NULL,
    vcpu_count      INTEGER NOT NULL,
    mem_size_mib    INTEGER NOT NULL,
    kernel_image    TEXT,
    rootfs_path     TEXT,
    network_json    TEXT,
    exposed_ports   TEXT,
    image           TEXT,
    container_id    TEXT,
    socket_path     TEXT,
    pid             INTEGER,
    config_json     TEXT,
    error_message   TEXT,
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(createMachinesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create machines table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateMachine inserts a new machine record.
func (s *SQLiteStore) CreateMachine(ctx context.Context, m *model.Machine) error {
	netJSON, ports, err := encodeMachine(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO machines (
			id, name, status, runtime_type, vcpu_count, mem_size_mib,
			kernel_image, rootfs_path, network_json, exposed_ports,
			image, container_id, socket_path, pid, config_json,
			error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Status, m.RuntimeType, m.VCPUCount, m.MemSizeMiB,
		m.KernelImage, m.RootfsPath, netJSON, ports,
		m.Image, m.ContainerID, m.SocketPath, m.PID, m.ConfigJSON,
		m.ErrorMessage, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert machine: %w", err)
	}
	return nil
}

// GetMachine retrieves a machine by ID.
func (s *SQLiteStore) GetMachine(ctx context.Context, id string) (*model.Machine, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get machine: %w", err)
	}
	return m, nil
}

// ListMachines returns a paginated list of machines ordered by created_at
// DESC, along with the total count of all machines.
func (s *SQLiteStore) ListMachines(ctx context.Context, limit, offset int) ([]*model.Machine, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM machines").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count machines: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		selectColumns+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var machines []*model.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan machine: %w", err)
		}
		machines = append(machines, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate machines: %w", err)
	}

	return machines, total, nil
}

// UpdateMachine overwrites all mutable fields of an existing machine record.
func (s *SQLiteStore) UpdateMachine(ctx context.Context, m *model.Machine) error {
	netJSON, ports, err := encodeMachine(m)
	if err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE machines SET
			name = ?, status = ?, kernel_image = ?, rootfs_path = ?,
			network_json = ?, exposed_ports = ?, image = ?, container_id = ?,
			socket_path = ?, pid = ?, config_json = ?, error_message = ?,
			updated_at = ?
		WHERE id = ?`,
		m.Name, m.Status, m.KernelImage, m.RootfsPath,
		netJSON, ports, m.Image, m.ContainerID,
		m.SocketPath, m.PID, m.ConfigJSON, m.ErrorMessage,
		m.UpdatedAt, m.ID,
	)
	if err != nil {
		return fmt.Errorf("update machine: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMachine removes a machine record.
func (s *SQLiteStore) DeleteMachine(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM machines WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete machine: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStats reports the total machine count and a breakdown by status.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{CountByStatus: make(map[string]int)}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM machines").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count machines: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM machines GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("group by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
	}
	return stats, rows.Err()
}

const selectColumns = `SELECT id, name, status, runtime_type, vcpu_count, mem_size_mib,
	kernel_image, rootfs_path, network_json, exposed_ports,
	image, container_id, socket_path, pid, config_json,
	error_message, created_at, updated_at
FROM machines`

type scanner interface {
	Scan(dest ...any) error
}

func scanMachine(row scanner) (*model.Machine, error) {
	m := &model.Machine{}
	var netJSON, ports sql.NullString
	var kernelImage, rootfsPath, image, containerID, socketPath, configJSON, errMsg sql.NullString
	var pid sql.NullInt64

	err := row.Scan(
		&m.ID, &m.Name, &m.Status, &m.RuntimeType, &m.VCPUCount, &m.MemSizeMiB,
		&kernelImage, &rootfsPath, &netJSON, &ports,
		&image, &containerID, &socketPath, &pid, &configJSON,
		&errMsg, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.KernelImage = kernelImage.String
	m.RootfsPath = rootfsPath.String
	m.Image = image.String
	m.ContainerID = containerID.String
	m.SocketPath = socketPath.String
	m.ConfigJSON = configJSON.String
	m.ErrorMessage = errMsg.String
	if pid.Valid {
		p := int(pid.Int64)
		m.PID = &p
	}
	if netJSON.Valid && netJSON.String != "" {
		var n model.Network
		if err := json.Unmarshal([]byte(netJSON.String), &n); err != nil {
			return nil, fmt.Errorf("decode network: %w", err)
		}
		m.Network = &n
	}
	if ports.Valid && ports.String != "" {
		if err := json.Unmarshal([]byte(ports.String), &m.ExposedPorts); err != nil {
			return nil, fmt.Errorf("decode exposed ports: %w", err)
		}
	}
	return m, nil
}

func encodeMachine(m *model.Machine) (netJSON, ports string, err error) {
	if m.Network != nil {
		b, err := json.Marshal(m.Network)
		if err != nil {
			return "", "", fmt.Errorf("encode network: %w", err)
		}
		netJSON = string(b)
	}
	if len(m.ExposedPorts) > 0 {
		b, err := json.Marshal(m.ExposedPorts)
		if err != nil {
			return "", "", fmt.Errorf("encode exposed ports: %w", err)
		}
		ports = string(b)
	}
	return netJSON, ports, nil
}
