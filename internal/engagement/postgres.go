package engagement

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	postgresMessagesTable    = "engagement_messages"
	postgresHistoryTable     = "engagement_message_history"
	postgresOperationTimeout = 10 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore is the production MessageStore backend. The latest version
// of each message lives in the messages table; every write also appends a
// full snapshot to the history table, so history is never rewritten.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

type postgresTxn struct {
	tx *sql.Tx
}

func (*postgresTxn) isTxn() {}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		schema := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					message_id TEXT PRIMARY KEY,
					participant_uuid TEXT NOT NULL,
					text TEXT NOT NULL,
					timestamp TIMESTAMPTZ NOT NULL,
					last_updated TIMESTAMPTZ NOT NULL,
					direction TEXT NOT NULL,
					channel_operator TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL,
					dataset TEXT NOT NULL,
					previous_datasets TEXT[] NOT NULL DEFAULT '{}',
					labels JSONB NOT NULL DEFAULT '[]',
					coda_id TEXT NOT NULL DEFAULT '',
					origin_id TEXT NOT NULL,
					origin_type TEXT NOT NULL DEFAULT ''
				)`, postgresMessagesTable),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					seq BIGSERIAL PRIMARY KEY,
					message_id TEXT NOT NULL,
					snapshot JSONB NOT NULL,
					provenance_name TEXT NOT NULL DEFAULT '',
					provenance_details JSONB NOT NULL DEFAULT '{}',
					recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresHistoryTable),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_dataset_idx ON %s (dataset, last_updated)`,
				postgresMessagesTable, postgresMessagesTable),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_origin_idx ON %s (origin_id)`,
				postgresMessagesTable, postgresMessagesTable),
		}
		for _, stmt := range schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) GetMessages(ctx context.Context, query Query, txn Txn) ([]Message, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	builder, err := buildMessageSelect(query)
	if err != nil {
		return nil, err
	}
	sqlText, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if pgTxn, ok := txn.(*postgresTxn); ok && pgTxn != nil {
		rows, err = pgTxn.tx.QueryContext(ctx, sqlText, args...)
	} else {
		rows, err = s.db.QueryContext(ctx, sqlText, args...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) SetMessage(ctx context.Context, msg Message, provenance Provenance, txn Txn) (Message, error) {
	if err := s.ensureReady(); err != nil {
		return Message{}, err
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	msg.LastUpdated = time.Now().UTC()

	labels, err := json.Marshal(labelsOrEmpty(msg.Labels))
	if err != nil {
		return Message{}, err
	}
	snapshot, err := json.Marshal(msg)
	if err != nil {
		return Message{}, err
	}
	details, err := json.Marshal(detailsOrEmpty(provenance.Details))
	if err != nil {
		return Message{}, err
	}

	upsert, upsertArgs, err := sq.Insert(postgresMessagesTable).
		Columns("message_id", "participant_uuid", "text", "timestamp", "last_updated", "direction",
			"channel_operator", "status", "dataset", "previous_datasets", "labels", "coda_id",
			"origin_id", "origin_type").
		Values(msg.MessageID, msg.ParticipantUUID, msg.Text, msg.Timestamp, msg.LastUpdated,
			string(msg.Direction), msg.ChannelOperator, string(msg.Status), msg.Dataset,
			pq.Array(msg.PreviousDatasets), labels, msg.CodaID, msg.Origin.Key(), msg.Origin.OriginType).
		Suffix(`ON CONFLICT (message_id) DO UPDATE SET
			participant_uuid = EXCLUDED.participant_uuid,
			text = EXCLUDED.text,
			timestamp = EXCLUDED.timestamp,
			last_updated = EXCLUDED.last_updated,
			direction = EXCLUDED.direction,
			channel_operator = EXCLUDED.channel_operator,
			status = EXCLUDED.status,
			dataset = EXCLUDED.dataset,
			previous_datasets = EXCLUDED.previous_datasets,
			labels = EXCLUDED.labels,
			coda_id = EXCLUDED.coda_id,
			origin_id = EXCLUDED.origin_id,
			origin_type = EXCLUDED.origin_type`).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return Message{}, err
	}
	historyInsert, historyArgs, err := sq.Insert(postgresHistoryTable).
		Columns("message_id", "snapshot", "provenance_name", "provenance_details", "recorded_at").
		Values(msg.MessageID, snapshot, provenance.Name, details, msg.LastUpdated).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return Message{}, err
	}

	exec := func(run func(string, ...any) error) error {
		if err := run(upsert, upsertArgs...); err != nil {
			return err
		}
		return run(historyInsert, historyArgs...)
	}

	if pgTxn, ok := txn.(*postgresTxn); ok && pgTxn != nil {
		err = exec(func(stmt string, args ...any) error {
			_, execErr := pgTxn.tx.ExecContext(ctx, stmt, args...)
			return execErr
		})
		return msg, err
	}

	// No caller transaction: wrap both writes in our own.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	err = exec(func(stmt string, args ...any) error {
		_, execErr := tx.ExecContext(ctx, stmt, args...)
		return execErr
	})
	if err != nil {
		_ = tx.Rollback()
		return Message{}, err
	}
	return msg, tx.Commit()
}

func (s *PostgresStore) Transaction(ctx context.Context, fn func(txn Txn) error) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	if err := fn(&postgresTxn{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildMessageSelect(query Query) (sq.SelectBuilder, error) {
	builder := sq.Select("message_id", "participant_uuid", "text", "timestamp", "last_updated",
		"direction", "channel_operator", "status", "dataset", "previous_datasets", "labels",
		"coda_id", "origin_id", "origin_type").
		From(postgresMessagesTable).
		PlaceholderFormat(sq.Dollar)

	for _, cond := range query.Conditions {
		column, err := postgresColumn(cond.Field)
		if err != nil {
			return builder, err
		}
		switch cond.Op {
		case OpEquals:
			builder = builder.Where(sq.Eq{column: flattenScalar(cond.Value)})
		case OpIn:
			builder = builder.Where(sq.Eq{column: flattenScalarList(cond.Value)})
		case OpGreaterThan:
			builder = builder.Where(sq.Gt{column: cond.Value})
		case OpGreaterOrEqual:
			builder = builder.Where(sq.GtOrEq{column: cond.Value})
		case OpArrayContains:
			builder = builder.Where(sq.Expr("? = ANY("+column+")", cond.Value))
		default:
			return builder, ErrInvalidInput
		}
	}
	if start := query.StartAfter; start != nil {
		builder = builder.Where(sq.Expr("(last_updated, message_id) > (?, ?)", start.LastUpdated, start.MessageID))
	}
	orderBy := query.OrderBy
	if len(orderBy) == 0 {
		orderBy = []string{FieldLastUpdated, FieldMessageID}
	}
	for _, field := range orderBy {
		column, err := postgresColumn(field)
		if err != nil {
			return builder, err
		}
		builder = builder.OrderBy(column)
	}
	if query.Limit > 0 {
		builder = builder.Limit(uint64(query.Limit))
	}
	return builder, nil
}

func postgresColumn(field string) (string, error) {
	switch field {
	case FieldParticipantUUID:
		return "participant_uuid", nil
	case FieldText:
		return "text", nil
	case FieldTimestamp:
		return "timestamp", nil
	case FieldLastUpdated:
		return "last_updated", nil
	case FieldStatus:
		return "status", nil
	case FieldDataset:
		return "dataset", nil
	case FieldPreviousDataset:
		return "previous_datasets", nil
	case FieldCodaID:
		return "coda_id", nil
	case FieldOriginID:
		return "origin_id", nil
	case FieldMessageID:
		return "message_id", nil
	default:
		return "", ErrInvalidInput
	}
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var (
		msg        Message
		direction  string
		status     string
		previous   pq.StringArray
		labelsJSON []byte
		originID   string
		originType string
	)
	err := rows.Scan(&msg.MessageID, &msg.ParticipantUUID, &msg.Text, &msg.Timestamp, &msg.LastUpdated,
		&direction, &msg.ChannelOperator, &status, &msg.Dataset, &previous, &labelsJSON,
		&msg.CodaID, &originID, &originType)
	if err != nil {
		return Message{}, err
	}
	msg.Direction = MessageDirection(direction)
	msg.Status = MessageStatus(status)
	msg.PreviousDatasets = []string(previous)
	msg.Origin = Origin{OriginID: originID, OriginType: originType}
	if len(labelsJSON) > 0 {
		if err := json.Unmarshal(labelsJSON, &msg.Labels); err != nil {
			return Message{}, err
		}
	}
	msg.Timestamp = msg.Timestamp.UTC()
	msg.LastUpdated = msg.LastUpdated.UTC()
	return msg, nil
}

func flattenScalar(v any) any {
	if s, ok := asString(v); ok {
		return s
	}
	return v
}

func flattenScalarList(v any) []any {
	list := toScalarList(v)
	flattened := make([]any, len(list))
	for i, item := range list {
		flattened[i] = flattenScalar(item)
	}
	return flattened
}

func labelsOrEmpty(labels []Label) []Label {
	if labels == nil {
		return []Label{}
	}
	return labels
}

func detailsOrEmpty(details map[string]any) map[string]any {
	if details == nil {
		return map[string]any{}
	}
	return details
}
