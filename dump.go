package msgrpc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// CorruptedMessage is a malformed response captured for diagnostics.
type CorruptedMessage struct {
	TransportID uint64    `yaml:"transport_id"`
	SessionID   uint64    `yaml:"session_id"`
	MessageID   *int32    `yaml:"message_id,omitempty"`
	Remote      string    `yaml:"remote"`
	Stage       string    `yaml:"stage"`
	Reason      string    `yaml:"reason"`
	Data        []byte    `yaml:"-"`
	At          time.Time `yaml:"at"`
}

// DumpSink persists corrupted responses. Dump is called on the receive
// path, so implementations should be quick.
type DumpSink interface {
	Dump(ctx context.Context, msg CorruptedMessage) error
}

// FileDumpSink writes each corrupted response into Dir as a raw .msgpack
// file plus a .yaml file describing it.
type FileDumpSink struct {
	Dir string
	seq atomic.Uint64
}

func NewFileDumpSink(dir string) (*FileDumpSink, error) {
	if dir == "" {
		return nil, errors.New("msgrpc: dump directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("msgrpc: create dump directory: %w", err)
	}
	return &FileDumpSink{Dir: dir}, nil
}

func (s *FileDumpSink) Dump(_ context.Context, msg CorruptedMessage) error {
	base := fmt.Sprintf("%s-t%d-s%d-%d",
		msg.At.UTC().Format("20060102T150405.000000000"), msg.TransportID, msg.SessionID, s.seq.Add(1))

	if err := os.WriteFile(filepath.Join(s.Dir, base+".msgpack"), msg.Data, 0o644); err != nil {
		return fmt.Errorf("msgrpc: write dump: %w", err)
	}
	meta, err := yaml.Marshal(msg)
	if err != nil {
		return fmt.Errorf("msgrpc: encode dump metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir, base+".yaml"), meta, 0o644); err != nil {
		return fmt.Errorf("msgrpc: write dump metadata: %w", err)
	}
	return nil
}

// SQLDumpSink inserts corrupted responses into the corrupted_messages table
// created by MigrateSchema.
type SQLDumpSink struct {
	db *sql.DB
}

func NewSQLDumpSink(db *sql.DB) *SQLDumpSink {
	return &SQLDumpSink{db: db}
}

// OpenSQLDumpSink opens driver/dsn, checks the connection and migrates the
// schema. The returned sink owns the database handle.
func OpenSQLDumpSink(ctx context.Context, driver, dsn string) (*SQLDumpSink, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("msgrpc: open dump database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("msgrpc: ping dump database: %w", err)
	}
	if err := MigrateSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("msgrpc: migrate dump schema: %w", err)
	}
	return &SQLDumpSink{db: db}, nil
}

func (s *SQLDumpSink) Dump(ctx context.Context, msg CorruptedMessage) error {
	var msgID sql.NullInt64
	if msg.MessageID != nil {
		msgID = sql.NullInt64{Int64: int64(uint32(*msg.MessageID)), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO corrupted_messages
			(transport_id, session_id, message_id, remote, stage, reason, data, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		int64(msg.TransportID), int64(msg.SessionID), msgID, msg.Remote, msg.Stage, msg.Reason, msg.Data, msg.At)
	return err
}

// Recent returns up to limit of the most recently stored responses.
func (s *SQLDumpSink) Recent(ctx context.Context, limit int) ([]CorruptedMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT transport_id, session_id, message_id, remote, stage, reason, data, received_at
		 FROM corrupted_messages ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CorruptedMessage
	for rows.Next() {
		var (
			m     CorruptedMessage
			tid   int64
			sid   int64
			msgID sql.NullInt64
		)
		if err := rows.Scan(&tid, &sid, &msgID, &m.Remote, &m.Stage, &m.Reason, &m.Data, &m.At); err != nil {
			return nil, err
		}
		m.TransportID = uint64(tid)
		m.SessionID = uint64(sid)
		if msgID.Valid {
			id := int32(uint32(msgID.Int64))
			m.MessageID = &id
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLDumpSink) Close() error { return s.db.Close() }
