// Package store implements SQLite persistence for the hub.
//
// It keeps three append-mostly tables:
// - stm32_data: sensor readings
// - commands: queued commands and their lifecycle
// - connections: connection event log
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Store persists readings, commands and connection events.
// All methods are safe for concurrent use; SQLite serializes writers.
type Store struct {
	log zerolog.Logger
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store on top of an opened database.
func New(log zerolog.Logger, db *sql.DB) *Store {
	return &Store{
		log: log.With().Str("component", "store").Logger(),
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Open opens a SQLite database and runs migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: the embedded store serializes all access.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS stm32_data (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp     DATETIME NOT NULL,
		stm32_address TEXT NOT NULL,
		sensor_type   TEXT NOT NULL,
		value         REAL NOT NULL,
		raw_data      BLOB,
		status        TEXT DEFAULT 'received'
	);
	CREATE INDEX IF NOT EXISTS idx_stm32_data_address ON stm32_data(stm32_address, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_stm32_data_timestamp ON stm32_data(timestamp DESC);

	CREATE TABLE IF NOT EXISTS commands (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp     DATETIME NOT NULL,
		stm32_address TEXT NOT NULL,
		command_type  TEXT NOT NULL,
		parameters    TEXT,
		status        TEXT NOT NULL DEFAULT 'pending',
		executed_at   DATETIME,
		response      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(stm32_address, status, timestamp);

	CREATE TABLE IF NOT EXISTS connections (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp     DATETIME NOT NULL,
		stm32_address TEXT NOT NULL,
		event_type    TEXT NOT NULL,
		details       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_connections_address ON connections(stm32_address, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_connections_timestamp ON connections(timestamp);
	`

	_, err := db.Exec(schema)
	return err
}

// ═══════════════════════════════════════════════════════════════════════════
// SENSOR READINGS
// ═══════════════════════════════════════════════════════════════════════════

// SaveSensorReading appends a reading and returns its id.
func (s *Store) SaveSensorReading(deviceID, sensorType string, value float64, raw []byte) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO stm32_data (timestamp, stm32_address, sensor_type, value, raw_data)
		VALUES (?, ?, ?, ?, ?)
	`, s.now(), deviceID, sensorType, value, raw)
	if err != nil {
		return 0, fmt.Errorf("save sensor reading: %w", err)
	}
	return result.LastInsertId()
}

// RecentReadings returns the newest readings, newest first.
// An empty deviceID returns readings from all devices.
func (s *Store) RecentReadings(deviceID string, limit int) ([]SensorReading, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if deviceID == "" {
		rows, err = s.db.Query(`
			SELECT id, timestamp, stm32_address, sensor_type, value, raw_data
			FROM stm32_data
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		`, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, timestamp, stm32_address, sensor_type, value, raw_data
			FROM stm32_data
			WHERE stm32_address = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		`, deviceID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("get readings: %w", err)
	}
	defer rows.Close()

	var readings []SensorReading
	for rows.Next() {
		var r SensorReading
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.DeviceID, &r.SensorType, &r.Value, &r.Raw); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// ClearReadings deletes the whole reading history.
func (s *Store) ClearReadings() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM stm32_data`)
	if err != nil {
		return 0, fmt.Errorf("clear readings: %w", err)
	}
	rows, _ := result.RowsAffected()
	s.log.Info().Int64("deleted", rows).Msg("cleared reading history")
	return rows, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// COMMANDS
// ═══════════════════════════════════════════════════════════════════════════

// SaveCommand queues a new pending command and returns its id.
func (s *Store) SaveCommand(deviceID, commandType string, parameters *string) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO commands (timestamp, stm32_address, command_type, parameters, status)
		VALUES (?, ?, ?, ?, ?)
	`, s.now(), deviceID, commandType, parameters, string(StatusPending))
	if err != nil {
		return 0, fmt.Errorf("save command: %w", err)
	}
	return result.LastInsertId()
}

// UpdateCommandStatus moves a pending command to a terminal status.
//
// Only the first transition wins. Later calls return ErrCommandNotPending and
// leave the stored command untouched.
func (s *Store) UpdateCommandStatus(commandID int64, status CommandStatus, response string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("update command %d to %q: %w", commandID, status, ErrInvalidStatus)
	}

	executedAt := sql.NullTime{}
	if status == StatusExecuted {
		executedAt = sql.NullTime{Time: s.now(), Valid: true}
	}

	result, err := s.db.Exec(`
		UPDATE commands
		SET status = ?, response = ?, executed_at = ?
		WHERE id = ? AND status = ?
	`, string(status), nullString(response), executedAt, commandID, string(StatusPending))
	if err != nil {
		return fmt.Errorf("update command status: %w", err)
	}

	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRow(`SELECT status FROM commands WHERE id = ?`, commandID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update command %d: %w", commandID, ErrCommandNotFound)
	}
	if err != nil {
		return fmt.Errorf("update command status: %w", err)
	}
	return fmt.Errorf("update command %d (status %s): %w", commandID, current, ErrCommandNotPending)
}

// GetPendingCommands returns the pending commands of a device in creation order.
func (s *Store) GetPendingCommands(deviceID string) ([]Command, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, stm32_address, command_type, parameters, status, executed_at, response
		FROM commands
		WHERE stm32_address = ? AND status = ?
		ORDER BY timestamp, id
	`, deviceID, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("get pending commands: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

// GetCommand retrieves a command by id.
func (s *Store) GetCommand(commandID int64) (*Command, error) {
	row := s.db.QueryRow(`
		SELECT id, timestamp, stm32_address, command_type, parameters, status, executed_at, response
		FROM commands WHERE id = ?
	`, commandID)

	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get command %d: %w", commandID, ErrCommandNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return cmd, nil
}

// ListCommands returns the newest commands addressed to a device.
func (s *Store) ListCommands(deviceID string, limit int) ([]Command, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, stm32_address, command_type, parameters, status, executed_at, response
		FROM commands
		WHERE stm32_address = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*Command, error) {
	var cmd Command
	var status string
	var params, response sql.NullString
	var executedAt sql.NullTime

	if err := row.Scan(&cmd.ID, &cmd.CreatedAt, &cmd.DeviceID, &cmd.CommandType, &params, &status, &executedAt, &response); err != nil {
		return nil, err
	}

	cmd.Status = CommandStatus(status)
	if params.Valid {
		p := params.String
		cmd.Parameters = &p
	}
	if executedAt.Valid {
		t := executedAt.Time
		cmd.ExecutedAt = &t
	}
	if response.Valid {
		r := response.String
		cmd.Response = &r
	}
	return &cmd, nil
}

func scanCommands(rows *sql.Rows) ([]Command, error) {
	var commands []Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		commands = append(commands, *cmd)
	}
	return commands, rows.Err()
}

// ═══════════════════════════════════════════════════════════════════════════
// CONNECTION EVENTS
// ═══════════════════════════════════════════════════════════════════════════

// LogConnectionEvent appends an entry to the connection log.
func (s *Store) LogConnectionEvent(deviceID string, eventType EventType, detail string) error {
	_, err := s.db.Exec(`
		INSERT INTO connections (timestamp, stm32_address, event_type, details)
		VALUES (?, ?, ?, ?)
	`, s.now(), deviceID, string(eventType), nullString(detail))
	if err != nil {
		return fmt.Errorf("log connection event: %w", err)
	}
	return nil
}

// RecentConnectionEvents returns the newest connection events of a device.
func (s *Store) RecentConnectionEvents(deviceID string, limit int) ([]ConnectionEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, stm32_address, event_type, details
		FROM connections
		WHERE stm32_address = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("get connection events: %w", err)
	}
	defer rows.Close()

	var events []ConnectionEvent
	for rows.Next() {
		var e ConnectionEvent
		var eventType string
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.DeviceID, &eventType, &details); err != nil {
			return nil, fmt.Errorf("scan connection event: %w", err)
		}
		e.EventType = EventType(eventType)
		if details.Valid {
			e.Detail = details.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
