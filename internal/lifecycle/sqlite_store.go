package lifecycle

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	sq "github.com/mattermost/squirrel"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound      = errors.New("no upload record")
	ErrTotalMismatch = errors.New("totalChunks differs from the upload's declared total")
	ErrOutOfRange    = errors.New("chunk index out of range")
)

// Fixed width so that stored timestamps sort lexically.
const isoLayout = "2006-01-02T15:04:05.000000000Z"

// WAL + FULL sync makes a committed Record durable; _txlock=immediate takes the
// write lock at BEGIN so concurrent writers wait on busy_timeout instead of
// failing on lock upgrade.
const dsnParams = "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_txlock=immediate"

// SQLiteStore is the progress ledger. One row per upload plus one row per
// received chunk, so every mutation touches only its own upload's rows.
type SQLiteStore struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	now     func() time.Time
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create ledger dir")
	}

	db, err := sql.Open("sqlite", path+dsnParams)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open ledger")
	}

	store := &SQLiteStore{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
		now:     time.Now,
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate ledger")
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS uploads (
	upload_id TEXT PRIMARY KEY,
	total_chunks INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'uploading',
	output_name TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_uploads_updated_at ON uploads(updated_at);

CREATE TABLE IF NOT EXISTS chunks (
	upload_id TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL,
	received_at TEXT NOT NULL,
	PRIMARY KEY (upload_id, chunk_index)
);
`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func iso(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

func parseISO(v string) (time.Time, error) {
	t, err := time.Parse(isoLayout, v)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid timestamp %q in ledger", v)
	}
	return t, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Record marks index as received for uploadID and returns the resulting
// session. The first Record of an upload fixes its total; re-recording an index
// only refreshes its size.
func (s *SQLiteStore) Record(ctx context.Context, uploadID string, index, total int, size int64) (*UploadSession, error) {
	if total <= 0 || index < 0 || index >= total {
		return nil, errors.Wrapf(ErrOutOfRange, "index %d with total %d", index, total)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin_transaction")
	}
	defer tx.Rollback()

	now := iso(s.now())

	query, args, err := s.builder.Insert("uploads").
		Columns("upload_id", "total_chunks", "status", "created_at", "updated_at").
		Values(uploadID, total, string(StatusUploading), now, now).
		Suffix("ON CONFLICT (upload_id) DO UPDATE SET updated_at = excluded.updated_at RETURNING total_chunks").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "record_upload_tosql")
	}

	var declared int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&declared); err != nil {
		return nil, errors.Wrapf(err, "failed to upsert upload %s", uploadID)
	}
	if declared != total {
		return nil, errors.Wrapf(ErrTotalMismatch, "upload %s declared %d, got %d", uploadID, declared, total)
	}

	query, args, err = s.builder.Insert("chunks").
		Columns("upload_id", "chunk_index", "size_bytes", "received_at").
		Values(uploadID, index, size, now).
		Suffix("ON CONFLICT (upload_id, chunk_index) DO UPDATE SET size_bytes = excluded.size_bytes, received_at = excluded.received_at").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "record_chunk_tosql")
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, errors.Wrapf(err, "failed to record chunk %d of %s", index, uploadID)
	}

	session, err := s.get(ctx, tx, uploadID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit_transaction")
	}
	return session, nil
}

// Get returns the session for uploadID, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, uploadID string) (*UploadSession, error) {
	return s.get(ctx, s.db, uploadID)
}

func (s *SQLiteStore) get(ctx context.Context, q queryer, uploadID string) (*UploadSession, error) {
	query, args, err := s.builder.
		Select("total_chunks", "status", "output_name", "created_at", "updated_at").
		From("uploads").
		Where(sq.Eq{"upload_id": uploadID}).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "get_upload_tosql")
	}

	session := &UploadSession{UploadID: uploadID}
	var status, createdStr, updatedStr string
	err = q.QueryRowContext(ctx, query, args...).Scan(
		&session.TotalChunks,
		&status,
		&session.OutputName,
		&createdStr,
		&updatedStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "upload %s", uploadID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get upload %s", uploadID)
	}
	session.Status = UploadStatus(status)
	if session.CreatedAt, err = parseISO(createdStr); err != nil {
		return nil, err
	}
	if session.UpdatedAt, err = parseISO(updatedStr); err != nil {
		return nil, err
	}

	query, args, err = s.builder.
		Select("chunk_index", "size_bytes").
		From("chunks").
		Where(sq.Eq{"upload_id": uploadID}).
		OrderBy("chunk_index").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "get_chunks_tosql")
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get chunks of %s", uploadID)
	}
	defer rows.Close()

	session.Received = []int{}
	for rows.Next() {
		var index int
		var size int64
		if err := rows.Scan(&index, &size); err != nil {
			return nil, errors.Wrap(err, "failed to scan chunk row")
		}
		session.Received = append(session.Received, index)
		session.ReceivedBytes += size
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating chunk rows")
	}

	return session, nil
}

// Clear forgets uploadID and reports whether a record existed. Other uploads'
// rows are never touched.
func (s *SQLiteStore) Clear(ctx context.Context, uploadID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin_transaction")
	}
	defer tx.Rollback()

	query, args, err := s.builder.Delete("chunks").Where(sq.Eq{"upload_id": uploadID}).ToSql()
	if err != nil {
		return false, errors.Wrap(err, "clear_chunks_tosql")
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return false, errors.Wrapf(err, "failed to delete chunks of %s", uploadID)
	}

	query, args, err = s.builder.Delete("uploads").Where(sq.Eq{"upload_id": uploadID}).ToSql()
	if err != nil {
		return false, errors.Wrap(err, "clear_upload_tosql")
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete upload %s", uploadID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit_transaction")
	}
	return n > 0, nil
}

// BeginMerge durably records the output name a merge is about to publish.
func (s *SQLiteStore) BeginMerge(ctx context.Context, uploadID, outputName string) error {
	query, args, err := s.builder.Update("uploads").
		Set("status", string(StatusMerging)).
		Set("output_name", outputName).
		Set("updated_at", iso(s.now())).
		Where(sq.Eq{"upload_id": uploadID}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "begin_merge_tosql")
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to mark %s as merging", uploadID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "upload %s", uploadID)
	}
	return nil
}

// ListStale returns uploads with no activity since cutoff, oldest first.
func (s *SQLiteStore) ListStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	query, args, err := s.builder.Select("upload_id").
		From("uploads").
		Where("updated_at <= ?", iso(cutoff)).
		OrderBy("updated_at").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "list_stale_tosql")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale uploads")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan upload id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "error iterating stale uploads")
}
