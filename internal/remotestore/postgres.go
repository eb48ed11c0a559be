package remotestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresDocumentTable    = "paksync_documents"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps documents in a single table. Revision checks are done
// inside the UPDATE/DELETE statements so concurrent writers cannot both win.
// Attachment payloads are stored separately, compressed with the configured
// codec.
type PostgresStore struct {
	dsn       string
	tableName string
	codec     Codec
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStore accepts a lib/pq DSN. A "codec" query parameter selects
// the attachment compression and "table" overrides the document table; both
// are stripped before connecting.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	codecName := ""
	tableName := postgresDocumentTable
	if parsed, err := url.Parse(dsn); err == nil && parsed.Scheme != "" {
		q := parsed.Query()
		codecName = q.Get("codec")
		if table := strings.TrimSpace(q.Get("table")); table != "" {
			tableName = table
		}
		q.Del("codec")
		q.Del("table")
		parsed.RawQuery = q.Encode()
		dsn = parsed.String()
	}
	codec, err := CodecByName(codecName)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: tableName,
		codec:     codec,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				rev TEXT NOT NULL,
				body TEXT NOT NULL,
				payload BYTEA,
				payload_codec TEXT NOT NULL DEFAULT 'none',
				payload_size INTEGER NOT NULL DEFAULT 0,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	if s.initErr != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, s.initErr)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Document, error) {
	if err := s.ensureReady(); err != nil {
		return Document{}, err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	query := fmt.Sprintf("SELECT rev, body, payload, payload_codec, payload_size FROM %s WHERE id = $1", postgresQuoteIdentifier(s.tableName))
	var (
		rev, body, codecName string
		payload              []byte
		size                 int
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&rev, &body, &payload, &codecName, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, classifyTransportError(err)
	}
	var doc Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return Document{}, err
	}
	codec, err := CodecByName(codecName)
	if err != nil {
		return Document{}, err
	}
	raw, err := codec.Decode(payload, size)
	if err != nil {
		return Document{}, err
	}
	doc.SetPayload(raw)
	doc.ID = id
	doc.Revision = rev
	return doc, nil
}

func (s *PostgresStore) encode(doc Document) (body []byte, payload []byte, size int, err error) {
	raw := doc.Payload()
	doc.Attachments = nil
	body, err = doc.body()
	if err != nil {
		return nil, nil, 0, err
	}
	payload, err = s.codec.Encode(raw)
	if err != nil {
		return nil, nil, 0, err
	}
	return body, payload, len(raw), nil
}

func (s *PostgresStore) Put(ctx context.Context, id string, doc Document, rev string) (string, error) {
	if !validID(id) {
		return "", ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	body, payload, size, err := s.encode(doc)
	if err != nil {
		return "", err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	table := postgresQuoteIdentifier(s.tableName)
	next := nextRevision(revisionGeneration(rev), append(body, payload...))
	var res sql.Result
	if rev == "" {
		res, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, rev, body, payload, payload_codec, payload_size, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (id) DO NOTHING`, table), id, next, string(body), payload, s.codec.Name(), size)
	} else {
		res, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET rev = $3, body = $4, payload = $5, payload_codec = $6, payload_size = $7, updated_at = NOW()
			WHERE id = $1 AND rev = $2`, table), id, rev, next, string(body), payload, s.codec.Name(), size)
	}
	if err != nil {
		return "", classifyTransportError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", &ConflictError{ID: id, ExpectedRevision: rev, CurrentRevision: s.currentRevision(ctx, id)}
	}
	return next, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id, rev string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND rev = $2", postgresQuoteIdentifier(s.tableName)), id, rev)
	if err != nil {
		return classifyTransportError(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	current := s.currentRevision(ctx, id)
	if current == "" {
		return ErrNotFound
	}
	return &ConflictError{ID: id, ExpectedRevision: rev, CurrentRevision: current}
}

func (s *PostgresStore) List(ctx context.Context) ([]Ref, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT id, rev FROM %s ORDER BY id", postgresQuoteIdentifier(s.tableName)))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer rows.Close()
	var refs []Ref
	for rows.Next() {
		var ref Ref
		if err := rows.Scan(&ref.ID, &ref.Revision); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *PostgresStore) currentRevision(ctx context.Context, id string) string {
	var rev string
	query := fmt.Sprintf("SELECT rev FROM %s WHERE id = $1", postgresQuoteIdentifier(s.tableName))
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&rev); err != nil {
		return ""
	}
	return rev
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
