package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Database provides high-level helpers around a SQL connection. The same
// queries run against SQLite and PostgreSQL; dialect differences are limited
// to placeholders, row locking and DDL.
type Database struct {
	db      *sql.DB
	dialect dialect
}

type dialect struct {
	name       string
	driver     string
	dollarArgs bool
	lockRow    string
	schema     []string
}

var sqliteDialect = dialect{
	name:   DriverSQLite,
	driver: "sqlite3",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS books (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            genre TEXT NOT NULL DEFAULT '',
            publisher TEXT NOT NULL DEFAULT '',
            publication_year INTEGER,
            description TEXT NOT NULL DEFAULT '',
            total_copies INTEGER NOT NULL DEFAULT 0 CHECK (total_copies >= 0),
            available_copies INTEGER NOT NULL DEFAULT 0
                CHECK (available_copies >= 0 AND available_copies <= total_copies),
            rating REAL NOT NULL DEFAULT 0 CHECK (rating >= 0 AND rating <= 5),
            borrow_count INTEGER NOT NULL DEFAULT 0 CHECK (borrow_count >= 0)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_books_title ON books(title);`,
		`CREATE TABLE IF NOT EXISTS book_covers (
            book_id INTEGER PRIMARY KEY REFERENCES books(id) ON DELETE CASCADE,
            mime_type TEXT NOT NULL,
            image BLOB NOT NULL,
            digest TEXT NOT NULL,
            updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
	},
}

var postgresDialect = dialect{
	name:       DriverPostgres,
	driver:     "pgx",
	dollarArgs: true,
	lockRow:    " FOR UPDATE",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS books (
            id BIGSERIAL PRIMARY KEY,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            genre TEXT NOT NULL DEFAULT '',
            publisher TEXT NOT NULL DEFAULT '',
            publication_year INTEGER,
            description TEXT NOT NULL DEFAULT '',
            total_copies INTEGER NOT NULL DEFAULT 0 CHECK (total_copies >= 0),
            available_copies INTEGER NOT NULL DEFAULT 0
                CHECK (available_copies >= 0 AND available_copies <= total_copies),
            rating DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (rating >= 0 AND rating <= 5),
            borrow_count INTEGER NOT NULL DEFAULT 0 CHECK (borrow_count >= 0)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_books_title ON books(title);`,
		`CREATE TABLE IF NOT EXISTS book_covers (
            book_id BIGINT PRIMARY KEY REFERENCES books(id) ON DELETE CASCADE,
            mime_type TEXT NOT NULL,
            image BYTEA NOT NULL,
            digest TEXT NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	},
}

// NewDatabase opens (or creates) the database and applies schema migrations.
// For SQLite dsn is a file path; for PostgreSQL it is a connection URL.
func NewDatabase(ctx context.Context, driver, dsn string) (*Database, error) {
	var (
		d   dialect
		err error
	)
	switch driver {
	case DriverSQLite, "sqlite3", "":
		d = sqliteDialect
		dsn, err = sqliteDSN(dsn)
		if err != nil {
			return nil, err
		}
	case DriverPostgres, "pgx":
		d = postgresDialect
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}

	database := &Database{db: db, dialect: d}
	if err := database.applyMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return database, nil
}

func sqliteDSN(path string) (string, error) {
	if path == "" {
		path = "library.db"
	}
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create db dir: %w", err)
		}
	}
	// Immediate transactions take the write lock at BEGIN, so concurrent
	// writers queue on busy_timeout instead of failing on lock upgrade.
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", path), nil
}

// Close closes the DB.
func (d *Database) Close() error { return d.db.Close() }

// Driver reports which dialect is in use.
func (d *Database) Driver() string { return d.dialect.name }

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 3

func (d *Database) applyMigrations(ctx context.Context) error {
	if d.dialect.name == DriverSQLite {
		// WAL improves write concurrency.
		if _, err := d.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
	}

	if _, err := d.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	var current string
	_ = d.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if v, err := strconv.Atoi(current); err == nil && v >= schemaVersion {
		return nil
	}

	return d.withTx(ctx, "migrate", func(tx *sql.Tx) error {
		for _, stmt := range d.dialect.schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, d.rebind(`INSERT INTO meta(key,value) VALUES('schema_version',?)
            ON CONFLICT(key) DO UPDATE SET value=excluded.value;`), strconv.Itoa(schemaVersion))
		return err
	})
}

// ---------------------------------------------------------------------------
// Query helpers
// ---------------------------------------------------------------------------

// rebind rewrites ? placeholders into $n for PostgreSQL. Queries in this
// package never contain a literal question mark.
func (d *Database) rebind(query string) string {
	if !d.dialect.dollarArgs {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// forUpdate appends the dialect's row lock clause to a SELECT.
func (d *Database) forUpdate(query string) string { return query + d.dialect.lockRow }

// withTx runs fn inside a transaction and commits it when fn succeeds. Any
// error rolls the whole transaction back; driver errors come back as
// *StorageError tagged with op.
func (d *Database) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// bookExists reports whether the row is present, as seen by tx.
func (d *Database) bookExists(ctx context.Context, tx *sql.Tx, id int64) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, d.rebind(`SELECT EXISTS(SELECT 1 FROM books WHERE id=?)`), id).Scan(&exists)
	return exists, err
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

const bookColumns = `b.id, b.title, b.author, b.genre, b.publisher, b.publication_year, b.description,
        b.total_copies, b.available_copies, b.rating, b.borrow_count,
        EXISTS(SELECT 1 FROM book_covers c WHERE c.book_id = b.id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (*Book, error) {
	var (
		b    Book
		year sql.NullInt64
	)
	if err := row.Scan(&b.ID, &b.Title, &b.Author, &b.Genre, &b.Publisher, &year, &b.Description,
		&b.TotalCopies, &b.AvailableCopies, &b.Rating, &b.BorrowCount, &b.HasCover); err != nil {
		return nil, err
	}
	if year.Valid {
		y := int(year.Int64)
		b.PublicationYear = &y
	}
	return &b, nil
}

// GetBook fetches a single book. A missing row is ErrNotFound.
func (d *Database) GetBook(ctx context.Context, id int64) (*Book, error) {
	b, err := scanBook(d.db.QueryRowContext(ctx, d.rebind(`SELECT `+bookColumns+` FROM books b WHERE b.id=?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("get book", err)
	}
	return b, nil
}

func (d *Database) getBookTx(ctx context.Context, tx *sql.Tx, id int64) (*Book, error) {
	b, err := scanBook(tx.QueryRowContext(ctx, d.rebind(`SELECT `+bookColumns+` FROM books b WHERE b.id=?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return b, err
}

// GetAllBooks returns every book ordered by title.
func (d *Database) GetAllBooks(ctx context.Context) ([]*Book, error) {
	return d.queryBooks(ctx, "list books", `SELECT `+bookColumns+` FROM books b ORDER BY b.title, b.id`)
}

// GetBooksOnLoan returns the books with a positive borrow counter. Loans are
// not tracked per member, so this is the closest thing to a borrowed list.
func (d *Database) GetBooksOnLoan(ctx context.Context) ([]*Book, error) {
	return d.queryBooks(ctx, "list loans", `SELECT `+bookColumns+` FROM books b WHERE b.borrow_count > 0 ORDER BY b.title, b.id`)
}

func (d *Database) queryBooks(ctx context.Context, op, query string, args ...any) ([]*Book, error) {
	rows, err := d.db.QueryContext(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	books := []*Book{}
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		books = append(books, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return books, nil
}

// DefaultSimilarLimit is how many related books SimilarBooks returns when
// the caller does not say.
const DefaultSimilarLimit = 3

// SimilarBooks returns up to limit other books sharing the genre of book id,
// best rated first. A book without a genre has no similar books.
func (d *Database) SimilarBooks(ctx context.Context, id int64, limit int) ([]*Book, error) {
	if limit <= 0 {
		limit = DefaultSimilarLimit
	}
	var genre string
	err := d.db.QueryRowContext(ctx, d.rebind(`SELECT genre FROM books WHERE id=?`), id).Scan(&genre)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr("similar books", err)
	}
	if genre == "" {
		return []*Book{}, nil
	}
	return d.queryBooks(ctx, "similar books", `SELECT `+bookColumns+` FROM books b
        WHERE b.genre = ? AND b.id <> ?
        ORDER BY b.rating DESC, b.borrow_count DESC, b.id
        LIMIT ?`, genre, id, limit)
}

// Stats reads the catalog totals in one statement so they are mutually
// consistent.
func (d *Database) Stats(ctx context.Context) (*CatalogStats, error) {
	var s CatalogStats
	err := d.db.QueryRowContext(ctx, `SELECT
            COUNT(*),
            COALESCE(SUM(CASE WHEN available_copies > 0 THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(total_copies), 0),
            COALESCE(SUM(available_copies), 0),
            COALESCE(SUM(borrow_count), 0)
        FROM books`).Scan(&s.Titles, &s.TitlesAvailable, &s.TotalCopies, &s.AvailableCopies, &s.Borrowed)
	if err != nil {
		return nil, storageErr("catalog stats", err)
	}
	return &s, nil
}
