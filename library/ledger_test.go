package library

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var (
	pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)
	gifBytes = append([]byte("GIF89a"), make([]byte, 32)...)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLedger(t *testing.T, opts ...LedgerOption) (*Ledger, *Database) {
	t.Helper()
	db := tempDB(t)
	opts = append([]LedgerOption{WithLogger(discardLogger())}, opts...)
	return NewLedger(db, opts...), db
}

func seedBook(t *testing.T, l *Ledger, title string, total, available, borrowed int) *Book {
	t.Helper()
	b, err := l.CreateBook(context.Background(), NewBookInput{
		BookInput:   BookInput{Title: title, Author: "Author", TotalCopies: total, AvailableCopies: available},
		BorrowCount: borrowed,
	}, nil)
	require.NoError(t, err)
	return b
}

func counters(t *testing.T, db *Database, id int64) Counters {
	t.Helper()
	b, err := db.GetBook(context.Background(), id)
	require.NoError(t, err)
	return b.Counters()
}

func TestBorrowCopy(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l, db := newTestLedger(t, WithClock(func() time.Time { return fixed }))
	b := seedBook(t, l, "Dune", 3, 3, 0)

	loan, err := l.BorrowCopy(ctx, b.ID)
	require.NoError(t, err)

	assert.Equal(t, Counters{Total: 3, Available: 2, BorrowCount: 1}, loan.Counters)
	assert.Equal(t, fixed, loan.BorrowedAt)
	assert.Equal(t, fixed.Add(14*24*time.Hour), loan.DueAt)
	assert.Equal(t, loan.Counters, counters(t, db, b.ID))
}

func TestBorrowCopyLoanPeriod(t *testing.T) {
	l, _ := newTestLedger(t, WithLoanPeriod(7*24*time.Hour))
	b := seedBook(t, l, "Dune", 1, 1, 0)

	loan, err := l.BorrowCopy(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, loan.DueAt.Sub(loan.BorrowedAt))
}

func TestBorrowCopyUnavailable(t *testing.T) {
	ctx := context.Background()
	l, db := newTestLedger(t)
	b := seedBook(t, l, "Out", 2, 0, 2)

	_, err := l.BorrowCopy(ctx, b.ID)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, Counters{Total: 2, Available: 0, BorrowCount: 2}, counters(t, db, b.ID))
}

func TestBorrowCopyNotFound(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.BorrowCopy(context.Background(), 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentBorrowsNeverOversell(t *testing.T) {
	const (
		copies    = 4
		borrowers = 12
	)
	ctx := context.Background()
	l, db := newTestLedger(t)
	b := seedBook(t, l, "Popular", copies, copies, 0)

	var granted, refused atomic.Int32
	var g errgroup.Group
	for i := 0; i < borrowers; i++ {
		g.Go(func() error {
			_, err := l.BorrowCopy(ctx, b.ID)
			switch {
			case err == nil:
				granted.Add(1)
			case errors.Is(err, ErrUnavailable):
				refused.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, copies, granted.Load())
	assert.EqualValues(t, borrowers-copies, refused.Load())
	assert.Equal(t, Counters{Total: copies, Available: 0, BorrowCount: copies}, counters(t, db, b.ID))
}

func TestReturnCopy(t *testing.T) {
	ctx := context.Background()
	l, db := newTestLedger(t)
	b := seedBook(t, l, "Dune", 3, 1, 2)

	c, err := l.ReturnCopy(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, Counters{Total: 3, Available: 2, BorrowCount: 1}, c)
	assert.Equal(t, c, counters(t, db, b.ID))
}

func TestReturnCopyFloorsBorrowCount(t *testing.T) {
	l, _ := newTestLedger(t)
	// Copies out with a zero borrow counter, as after an admin edit.
	b := seedBook(t, l, "Edited", 2, 0, 0)

	c, err := l.ReturnCopy(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, Counters{Total: 2, Available: 1, BorrowCount: 0}, c)
}

func TestReturnCopyNothingOnLoan(t *testing.T) {
	ctx := context.Background()
	l, db := newTestLedger(t)
	b := seedBook(t, l, "Shelved", 2, 2, 5)

	_, err := l.ReturnCopy(ctx, b.ID)
	require.ErrorIs(t, err, ErrNothingOnLoan)
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, Counters{Total: 2, Available: 2, BorrowCount: 5}, counters(t, db, b.ID))
}

func TestReturnCopyNotFound(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.ReturnCopy(context.Background(), 7)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReturnThenBorrowIsNeutral(t *testing.T) {
	ctx := context.Background()
	l, db := newTestLedger(t)
	b := seedBook(t, l, "Dune", 5, 2, 3)
	before := counters(t, db, b.ID)

	_, err := l.ReturnCopy(ctx, b.ID)
	require.NoError(t, err)
	_, err = l.BorrowCopy(ctx, b.ID)
	require.NoError(t, err)

	assert.Equal(t, before, counters(t, db, b.ID))
}

func TestRetireCopiesPartial(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		available int
		count     int
		want      Counters
	}{
		{name: "available covers the retirement", total: 5, available: 4, count: 2, want: Counters{Total: 3, Available: 2, BorrowCount: 1}},
		{name: "available floors at zero", total: 5, available: 1, count: 3, want: Counters{Total: 2, Available: 0, BorrowCount: 1}},
		{name: "one copy", total: 2, available: 2, count: 1, want: Counters{Total: 1, Available: 1, BorrowCount: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			l, db := newTestLedger(t)
			b := seedBook(t, l, "Retiring", tt.total, tt.available, 1)

			r, err := l.RetireCopies(ctx, b.ID, tt.count)
			require.NoError(t, err)
			assert.False(t, r.Deleted)
			assert.Equal(t, tt.want, r.Counters)
			assert.Equal(t, tt.want, counters(t, db, b.ID))
		})
	}
}

func TestRetireCopiesAllDeletesBookAndCover(t *testing.T) {
	ctx := context.Background()
	l, db := newTestLedger(t)
	b, err := l.CreateBook(ctx, NewBookInput{
		BookInput: BookInput{Title: "Gone", Author: "A", TotalCopies: 3, AvailableCopies: 3},
	}, &CoverUpload{MIMEType: "image/png", Data: pngBytes})
	require.NoError(t, err)
	require.True(t, b.HasCover)

	r, err := l.RetireCopies(ctx, b.ID, 10)
	require.NoError(t, err)
	assert.True(t, r.Deleted)

	_, err = db.GetBook(ctx, b.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetCover(ctx, b.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetCoverByTitle(ctx, "Gone")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRetireCopiesRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	l, db := newTestLedger(t)
	b := seedBook(t, l, "Kept", 2, 2, 0)

	_, err := l.RetireCopies(ctx, b.ID, 0)
	require.ErrorIs(t, err, ErrInvalidInput)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "count")
	assert.Equal(t, Counters{Total: 2, Available: 2}, counters(t, db, b.ID))

	_, err = l.RetireCopies(ctx, 12345, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateBookValidation(t *testing.T) {
	year := 1965
	badYear := 0
	tests := []struct {
		name  string
		in    NewBookInput
		field string
	}{
		{name: "missing title", in: NewBookInput{BookInput: BookInput{Title: "   ", Author: "A"}}, field: "title"},
		{name: "missing author", in: NewBookInput{BookInput: BookInput{Title: "T"}}, field: "author"},
		{name: "negative total", in: NewBookInput{BookInput: BookInput{Title: "T", Author: "A", TotalCopies: -1}}, field: "total_copies"},
		{name: "available above total", in: NewBookInput{BookInput: BookInput{Title: "T", Author: "A", TotalCopies: 1, AvailableCopies: 2}}, field: "available_copies"},
		{name: "negative available", in: NewBookInput{BookInput: BookInput{Title: "T", Author: "A", TotalCopies: 1, AvailableCopies: -1}}, field: "available_copies"},
		{name: "rating above five", in: NewBookInput{BookInput: BookInput{Title: "T", Author: "A"}, Rating: 5.5}, field: "rating"},
		{name: "negative rating", in: NewBookInput{BookInput: BookInput{Title: "T", Author: "A"}, Rating: -0.1}, field: "rating"},
		{name: "negative borrow count", in: NewBookInput{BookInput: BookInput{Title: "T", Author: "A"}, BorrowCount: -3}, field: "borrow_count"},
		{name: "year out of range", in: NewBookInput{BookInput: BookInput{Title: "T", Author: "A", PublicationYear: &badYear}}, field: "publication_year"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			l, db := newTestLedger(t)

			_, err := l.CreateBook(ctx, tt.in, nil)
			require.ErrorIs(t, err, ErrInvalidInput)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Fields, tt.field)

			books, err := db.GetAllBooks(ctx)
			require.NoError(t, err)
			assert.Empty(t, books)
		})
	}

	t.Run("valid", func(t *testing.T) {
		l, _ := newTestLedger(t)
		b, err := l.CreateBook(context.Background(), NewBookInput{
			BookInput: BookInput{Title: " Dune ", Author: "Frank Herbert", Genre: "SF", PublicationYear: &year, TotalCopies: 2, AvailableCopies: 1},
			Rating:    4.5, BorrowCount: 1,
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "Dune", b.Title)
		require.NotNil(t, b.PublicationYear)
		assert.Equal(t, 1965, *b.PublicationYear)
		assert.Equal(t, 4.5, b.Rating)
		assert.False(t, b.HasCover)
	})
}

func TestUpdateCatalog(t *testing.T) {
	ctx := context.Background()
	l, db := newTestLedger(t)
	b, err := l.CreateBook(ctx, NewBookInput{
		BookInput: BookInput{Title: "Old", Author: "A", TotalCopies: 4, AvailableCopies: 2},
		Rating:    3.5, BorrowCount: 2,
	}, nil)
	require.NoError(t, err)

	got, err := l.UpdateCatalog(ctx, b.ID, BookInput{
		Title: "New", Author: "B", Publisher: "P", TotalCopies: 6, AvailableCopies: 5,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "New", got.Title)
	assert.Equal(t, "P", got.Publisher)
	assert.Equal(t, Counters{Total: 6, Available: 5, BorrowCount: 2}, got.Counters())
	assert.Equal(t, 3.5, got.Rating, "rating is not editable")
	assert.Equal(t, got.Counters(), counters(t, db, b.ID))
}

func TestUpdateCatalogRejectsWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	l, db := newTestLedger(t)
	b := seedBook(t, l, "Stable", 3, 3, 0)

	_, err := l.UpdateCatalog(ctx, b.ID, BookInput{Title: "Changed", Author: "A", TotalCopies: 2, AvailableCopies: 3},
		&CoverUpload{MIMEType: "image/png", Data: pngBytes})
	require.ErrorIs(t, err, ErrInvalidInput)

	after, err := db.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Stable", after.Title)
	assert.False(t, after.HasCover)
	assert.Equal(t, Counters{Total: 3, Available: 3}, after.Counters())
}

func TestUpdateCatalogNotFound(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.UpdateCatalog(context.Background(), 77, BookInput{Title: "T", Author: "A"}, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEndToEndCirculation(t *testing.T) {
	ctx := context.Background()
	l, db := newTestLedger(t)
	b := seedBook(t, l, "Bestseller", 5, 5, 0)

	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			_, err := l.BorrowCopy(ctx, b.ID)
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, Counters{Total: 5, Available: 0, BorrowCount: 5}, counters(t, db, b.ID))

	_, err := l.BorrowCopy(ctx, b.ID)
	require.ErrorIs(t, err, ErrUnavailable)

	c, err := l.ReturnCopy(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, Counters{Total: 5, Available: 1, BorrowCount: 4}, c)

	r, err := l.RetireCopies(ctx, b.ID, 5)
	require.NoError(t, err)
	assert.True(t, r.Deleted)
	_, err = db.GetBook(ctx, b.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInvariantUnderMixedLoad(t *testing.T) {
	ctx := context.Background()
	l, db := newTestLedger(t)
	b := seedBook(t, l, "Busy", 6, 3, 3)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		rng := rand.New(rand.NewSource(int64(w)))
		g.Go(func() error {
			for i := 0; i < 15; i++ {
				var err error
				switch rng.Intn(3) {
				case 0, 1:
					_, err = l.BorrowCopy(ctx, b.ID)
				default:
					_, err = l.ReturnCopy(ctx, b.ID)
				}
				if err != nil && !errors.Is(err, ErrUnavailable) && !errors.Is(err, ErrInvalidInput) {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	c := counters(t, db, b.ID)
	assert.GreaterOrEqual(t, c.Available, 0)
	assert.LessOrEqual(t, c.Available, c.Total)
	assert.GreaterOrEqual(t, c.BorrowCount, 0)
	assert.Equal(t, 6, c.Total)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "invalid_input", Outcome(invalidField("x", "bad")))
	assert.Equal(t, "invalid_input", Outcome(ErrNothingOnLoan))
	assert.Equal(t, "not_found", Outcome(ErrNotFound))
	assert.Equal(t, "unavailable", Outcome(ErrConflict))
	assert.Equal(t, "storage_failure", Outcome(storageErr("op", errors.New("disk gone"))))
}

func TestUpdateDetailsKeepsConcurrentCounters(t *testing.T) {
	ctx := context.Background()
	l, db := newTestLedger(t)
	b := seedBook(t, l, "Foundation", 5, 5, 0)

	// An editor reads the book, then circulation moves on before the edit lands.
	read, err := db.GetBook(ctx, b.ID)
	require.NoError(t, err)
	_, err = l.RetireCopies(ctx, b.ID, 3)
	require.NoError(t, err)
	_, err = l.BorrowCopy(ctx, b.ID)
	require.NoError(t, err)

	got, err := l.UpdateDetails(ctx, b.ID, BookInput{
		Title:           read.Title,
		Author:          read.Author,
		Genre:           "SF",
		TotalCopies:     read.TotalCopies,
		AvailableCopies: read.AvailableCopies,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "SF", got.Genre)
	assert.Equal(t, Counters{Total: 2, Available: 1, BorrowCount: 1}, got.Counters())
	assert.Equal(t, got.Counters(), counters(t, db, b.ID))
}

func TestUpdateDetailsValidatesAndFindsBook(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.UpdateDetails(ctx, 404, BookInput{Title: "T", Author: "A"}, nil)
	require.ErrorIs(t, err, ErrNotFound)

	b := seedBook(t, l, "Kept", 2, 2, 0)
	_, err = l.UpdateDetails(ctx, b.ID, BookInput{Author: "A"}, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "title")
}

func TestWithClockNilKeepsDefault(t *testing.T) {
	l, _ := newTestLedger(t, WithClock(nil))
	b := seedBook(t, l, "Clockless", 1, 1, 0)

	loan, err := l.BorrowCopy(context.Background(), b.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), loan.BorrowedAt, time.Minute)
}

func TestOutcomeLogsUseContextLogger(t *testing.T) {
	var buf bytes.Buffer
	l, _ := newTestLedger(t)
	b := seedBook(t, l, "Traced", 1, 1, 0)

	ctx := ContextWithLogger(context.Background(),
		slog.New(slog.NewTextHandler(&buf, nil)).With("request_id", "req-42"))
	_, err := l.BorrowCopy(ctx, b.ID)
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "ledger operation")
	assert.Contains(t, buf.String(), "request_id=req-42")
	assert.Contains(t, buf.String(), "op=borrow")
}

func TestRetireAllRollsBackWhenDeleteFails(t *testing.T) {
	ctx := context.Background()
	l, db := newTestLedger(t)
	b, err := l.CreateBook(ctx, NewBookInput{BookInput: BookInput{Title: "Pinned", Author: "A", TotalCopies: 2, AvailableCopies: 1}},
		&CoverUpload{MIMEType: "image/png", Data: pngBytes})
	require.NoError(t, err)

	// The cover delete succeeds, then the book delete aborts.
	_, err = db.db.ExecContext(ctx, `CREATE TRIGGER pin_books BEFORE DELETE ON books
        BEGIN SELECT RAISE(ABORT, 'books are pinned'); END;`)
	require.NoError(t, err)

	_, err = l.RetireCopies(ctx, b.ID, 2)
	require.ErrorIs(t, err, ErrStorage)

	assert.Equal(t, Counters{Total: 2, Available: 1}, counters(t, db, b.ID))
	c, err := db.GetCover(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, c.Data)
}

func TestUpdateCatalogRollsBackWhenCoverFails(t *testing.T) {
	ctx := context.Background()
	l, db := newTestLedger(t)
	b := seedBook(t, l, "Original", 3, 2, 1)

	// The book update succeeds, then storing the cover aborts.
	_, err := db.db.ExecContext(ctx, `CREATE TRIGGER no_covers BEFORE INSERT ON book_covers
        BEGIN SELECT RAISE(ABORT, 'covers are frozen'); END;`)
	require.NoError(t, err)

	_, err = l.UpdateCatalog(ctx, b.ID, BookInput{Title: "Renamed", Author: "B", TotalCopies: 6, AvailableCopies: 6},
		&CoverUpload{MIMEType: "image/png", Data: pngBytes})
	require.ErrorIs(t, err, ErrStorage)

	got, err := db.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Original", got.Title)
	assert.Equal(t, Counters{Total: 3, Available: 2, BorrowCount: 1}, got.Counters())
	assert.False(t, got.HasCover)
}
