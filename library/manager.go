package library

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Options configures a LibraryManager.
type Options struct {
	Driver     string
	DSN        string
	LoanPeriod time.Duration
	Logger     *slog.Logger
}

// LibraryManager is a thin façade over the Database and the Ledger, keeping
// the CLI and HTTP code simple.
type LibraryManager struct {
	db     *Database
	ledger *Ledger
}

// NewLibraryManager opens the configured database and builds the ledger on it.
func NewLibraryManager(ctx context.Context, opts Options) (*LibraryManager, error) {
	db, err := NewDatabase(ctx, opts.Driver, opts.DSN)
	if err != nil {
		return nil, err
	}
	ledger := NewLedger(db, WithLoanPeriod(opts.LoanPeriod), WithLogger(opts.Logger))
	return &LibraryManager{db: db, ledger: ledger}, nil
}

// Close closes the underlying database.
func (lm *LibraryManager) Close() error { return lm.db.Close() }

// Ledger exposes the inventory ledger.
func (lm *LibraryManager) Ledger() *Ledger { return lm.ledger }

// ------------------ Catalog ------------------

func (lm *LibraryManager) GetBook(ctx context.Context, id int64) (*Book, error) {
	return lm.db.GetBook(ctx, id)
}

func (lm *LibraryManager) GetAllBooks(ctx context.Context) ([]*Book, error) {
	return lm.db.GetAllBooks(ctx)
}

func (lm *LibraryManager) GetBooksOnLoan(ctx context.Context) ([]*Book, error) {
	return lm.db.GetBooksOnLoan(ctx)
}

func (lm *LibraryManager) SimilarBooks(ctx context.Context, id int64, limit int) ([]*Book, error) {
	return lm.db.SimilarBooks(ctx, id, limit)
}

func (lm *LibraryManager) Stats(ctx context.Context) (*CatalogStats, error) {
	return lm.db.Stats(ctx)
}

func (lm *LibraryManager) AddBook(ctx context.Context, in NewBookInput, cover *CoverUpload) (*Book, error) {
	return lm.ledger.CreateBook(ctx, in, cover)
}

func (lm *LibraryManager) EditBook(ctx context.Context, id int64, in BookInput, cover *CoverUpload) (*Book, error) {
	return lm.ledger.UpdateCatalog(ctx, id, in, cover)
}

// EditDetails changes the descriptive fields of a book and keeps its
// current copy counts.
func (lm *LibraryManager) EditDetails(ctx context.Context, id int64, in BookInput, cover *CoverUpload) (*Book, error) {
	return lm.ledger.UpdateDetails(ctx, id, in, cover)
}

// SetCover replaces the cover of a book without touching its catalog
// fields. The declared type must be on the allow-list; it is sniffed from the
// bytes only when empty. Unlike create and edit, a rejected image is an error
// here since the cover is the whole request.
func (lm *LibraryManager) SetCover(ctx context.Context, id int64, upload CoverUpload) (*Cover, error) {
	c := prepareCover(&upload, time.Now())
	if c == nil {
		declared := upload.MIMEType
		if baseMediaType(declared) == "" {
			declared = DetectCoverType(upload.Data)
		}
		return nil, invalidField("cover_image", fmt.Sprintf("type %q is not an accepted image type", declared))
	}
	if err := lm.db.ReplaceCover(ctx, id, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ------------------ Covers ------------------

func (lm *LibraryManager) GetCover(ctx context.Context, bookID int64) (*Cover, error) {
	return lm.db.GetCover(ctx, bookID)
}

func (lm *LibraryManager) GetCoverByTitle(ctx context.Context, title string) (*Cover, error) {
	return lm.db.GetCoverByTitle(ctx, title)
}

// ------------------ Circulation ------------------

func (lm *LibraryManager) BorrowBook(ctx context.Context, id int64) (*Loan, error) {
	return lm.ledger.BorrowCopy(ctx, id)
}

func (lm *LibraryManager) ReturnBook(ctx context.Context, id int64) (Counters, error) {
	return lm.ledger.ReturnCopy(ctx, id)
}

func (lm *LibraryManager) RetireCopies(ctx context.Context, id int64, count int) (*Retirement, error) {
	return lm.ledger.RetireCopies(ctx, id, count)
}

// ------------------ Utilities ------------------

// PrettyBook formats a book for lists.
func PrettyBook(b *Book) string {
	return fmt.Sprintf("%-5d %-30s %-25s %5d/%-5d %6d", b.ID, truncate(b.Title, 30), truncate(b.Author, 25),
		b.AvailableCopies, b.TotalCopies, b.BorrowCount)
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
