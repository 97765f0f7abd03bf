package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultLoanPeriod is how long a borrowed copy may be kept.
const DefaultLoanPeriod = 14 * 24 * time.Hour

// Ledger owns the total/available/borrow counters of every book and applies
// each change as one all-or-nothing transaction. It keeps no in-process
// state: correctness comes from guarded updates against the shared store.
type Ledger struct {
	db         *Database
	log        *slog.Logger
	loanPeriod time.Duration
	now        func() time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLoanPeriod sets the period used to compute due dates.
func WithLoanPeriod(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		if d > 0 {
			l.loanPeriod = d
		}
	}
}

// WithLogger sets the logger used for operation outcomes.
func WithLogger(log *slog.Logger) LedgerOption {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

type loggerKey struct{}

// ContextWithLogger returns ctx carrying log. Ledger operations run with that
// context log their outcome through it instead of the ledger's own logger.
func ContextWithLogger(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, log)
}

func (l *Ledger) logger(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && log != nil {
		return log
	}
	return l.log
}

// NewLedger returns a ledger backed by db.
func NewLedger(db *Database, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		db:         db,
		log:        slog.Default(),
		loanPeriod: DefaultLoanPeriod,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) finish(ctx context.Context, op string, bookID int64, start time.Time, err error) {
	observe(op, start, err)
	log := l.logger(ctx)
	switch {
	case err == nil:
		log.InfoContext(ctx, "ledger operation", "op", op, "book_id", bookID)
	case errors.Is(err, ErrStorage):
		log.ErrorContext(ctx, "ledger operation failed", "op", op, "book_id", bookID, "error", err)
	default:
		log.WarnContext(ctx, "ledger operation rejected", "op", op, "book_id", bookID,
			"outcome", Outcome(err), "error", err)
	}
}

// missingOr tells a vanished row apart from a failed guard after an update
// matched nothing.
func (l *Ledger) missingOr(ctx context.Context, tx *sql.Tx, id int64, guardErr error) error {
	exists, err := l.db.bookExists(ctx, tx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return guardErr
}

// BorrowCopy lends one copy of the book. The decrement is conditioned on
// available_copies > 0 in the same statement, so concurrent callers can never
// take more copies than exist. A caller's earlier read of availability is not
// trusted.
func (l *Ledger) BorrowCopy(ctx context.Context, id int64) (loan *Loan, err error) {
	start := time.Now()
	defer func() { l.finish(ctx, "borrow", id, start, err) }()

	var c Counters
	err = l.db.withTx(ctx, "borrow", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, l.db.rebind(`UPDATE books
            SET available_copies = available_copies - 1,
                borrow_count = borrow_count + 1
            WHERE id = ? AND available_copies > 0
            RETURNING total_copies, available_copies, borrow_count`), id).
			Scan(&c.Total, &c.Available, &c.BorrowCount)
		if errors.Is(err, sql.ErrNoRows) {
			return l.missingOr(ctx, tx, id,
				fmt.Errorf("%w: book %d may have just been borrowed by someone else", ErrUnavailable, id))
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	borrowedAt := l.now().UTC()
	return &Loan{
		BookID:     id,
		Counters:   c,
		BorrowedAt: borrowedAt,
		DueAt:      borrowedAt.Add(l.loanPeriod),
	}, nil
}

// ReturnCopy puts one copy back on the shelf. available_copies never exceeds
// total_copies and borrow_count never drops below zero; returning a book with
// no copy out is ErrNothingOnLoan.
func (l *Ledger) ReturnCopy(ctx context.Context, id int64) (c Counters, err error) {
	start := time.Now()
	defer func() { l.finish(ctx, "return", id, start, err) }()

	err = l.db.withTx(ctx, "return", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, l.db.rebind(`UPDATE books
            SET available_copies = available_copies + 1,
                borrow_count = CASE WHEN borrow_count > 0 THEN borrow_count - 1 ELSE 0 END
            WHERE id = ? AND available_copies < total_copies
            RETURNING total_copies, available_copies, borrow_count`), id).
			Scan(&c.Total, &c.Available, &c.BorrowCount)
		if errors.Is(err, sql.ErrNoRows) {
			return l.missingOr(ctx, tx, id, fmt.Errorf("book %d: %w", id, ErrNothingOnLoan))
		}
		return err
	})
	if err != nil {
		return Counters{}, err
	}
	return c, nil
}

// RetireCopies removes count copies from inventory. When count covers every
// copy the book and its cover are deleted; otherwise total_copies shrinks by
// count and available_copies by as much as it can.
func (l *Ledger) RetireCopies(ctx context.Context, id int64, count int) (r *Retirement, err error) {
	start := time.Now()
	defer func() { l.finish(ctx, "retire", id, start, err) }()

	if count < 1 {
		return nil, invalidField("count", "must be at least 1")
	}

	r = &Retirement{BookID: id}
	err = l.db.withTx(ctx, "retire", func(tx *sql.Tx) error {
		var total int
		err := tx.QueryRowContext(ctx,
			l.db.rebind(l.db.forUpdate(`SELECT total_copies FROM books WHERE id = ?`)), id).Scan(&total)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		if err != nil {
			return err
		}

		if count >= total {
			if err := l.db.deleteCover(ctx, tx, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, l.db.rebind(`DELETE FROM books WHERE id = ?`), id); err != nil {
				return fmt.Errorf("delete book: %w", err)
			}
			r.Deleted = true
			return nil
		}

		return tx.QueryRowContext(ctx, l.db.rebind(`UPDATE books
            SET total_copies = total_copies - ?,
                available_copies = CASE WHEN available_copies > ? THEN available_copies - ? ELSE 0 END
            WHERE id = ?
            RETURNING total_copies, available_copies, borrow_count`), count, count, count, id).
			Scan(&r.Counters.Total, &r.Counters.Available, &r.Counters.BorrowCount)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateCatalog rewrites the descriptive fields and the copy counts of a
// book. Rating and borrow_count are left alone. An accepted cover replaces
// the current one in the same transaction; covers follow the book id, so a
// title change needs no cover update.
func (l *Ledger) UpdateCatalog(ctx context.Context, id int64, in BookInput, cover *CoverUpload) (*Book, error) {
	return l.updateCatalog(ctx, "update", id, in, cover, false)
}

// UpdateDetails is UpdateCatalog for the descriptive fields only. The copy
// counts in in are ignored; the book keeps the counters it has when the row
// is locked, so concurrent borrows, returns and retirements are not undone.
func (l *Ledger) UpdateDetails(ctx context.Context, id int64, in BookInput, cover *CoverUpload) (*Book, error) {
	in.TotalCopies, in.AvailableCopies = 0, 0
	return l.updateCatalog(ctx, "update_details", id, in, cover, true)
}

func (l *Ledger) updateCatalog(ctx context.Context, op string, id int64, in BookInput, cover *CoverUpload, keepCounters bool) (b *Book, err error) {
	start := time.Now()
	defer func() { l.finish(ctx, op, id, start, err) }()

	if err := in.Validate(); err != nil {
		return nil, err
	}
	c := prepareCover(cover, l.now())
	if cover != nil && c == nil {
		l.logger(ctx).DebugContext(ctx, "cover skipped", "book_id", id, "mime_type", cover.MIMEType)
	}

	err = l.db.withTx(ctx, op, func(tx *sql.Tx) error {
		var total, available int
		err := tx.QueryRowContext(ctx,
			l.db.rebind(l.db.forUpdate(`SELECT total_copies, available_copies FROM books WHERE id = ?`)), id).
			Scan(&total, &available)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if keepCounters {
			in.TotalCopies, in.AvailableCopies = total, available
		}

		if _, err := tx.ExecContext(ctx, l.db.rebind(`UPDATE books SET
                title = ?, author = ?, genre = ?, publisher = ?, publication_year = ?,
                description = ?, total_copies = ?, available_copies = ?
            WHERE id = ?`),
			in.Title, in.Author, in.Genre, in.Publisher, nullableYear(in.PublicationYear),
			in.Description, in.TotalCopies, in.AvailableCopies, id); err != nil {
			return fmt.Errorf("update book: %w", err)
		}

		if c != nil {
			if err := l.db.putCover(ctx, tx, id, c); err != nil {
				return err
			}
		}

		got, err := l.db.getBookTx(ctx, tx, id)
		b = got
		return err
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// CreateBook inserts a new book, storing its cover when one of an accepted
// type is supplied.
func (l *Ledger) CreateBook(ctx context.Context, in NewBookInput, cover *CoverUpload) (b *Book, err error) {
	start := time.Now()
	var id int64
	defer func() { l.finish(ctx, "create", id, start, err) }()

	if err := in.Validate(); err != nil {
		return nil, err
	}
	c := prepareCover(cover, l.now())

	err = l.db.withTx(ctx, "create", func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, l.db.rebind(`INSERT INTO books(
                title, author, genre, publisher, publication_year, description,
                total_copies, available_copies, rating, borrow_count
            ) VALUES(?,?,?,?,?,?,?,?,?,?) RETURNING id`),
			in.Title, in.Author, in.Genre, in.Publisher, nullableYear(in.PublicationYear), in.Description,
			in.TotalCopies, in.AvailableCopies, in.Rating, in.BorrowCount).Scan(&id); err != nil {
			return fmt.Errorf("insert book: %w", err)
		}

		if c != nil {
			if err := l.db.putCover(ctx, tx, id, c); err != nil {
				return err
			}
		}

		got, err := l.db.getBookTx(ctx, tx, id)
		b = got
		return err
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func nullableYear(y *int) sql.NullInt64 {
	if y == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*y), Valid: true}
}
