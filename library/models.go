package library

import "time"

// Book is one catalog title together with its aggregate inventory counters.
// Individual physical copies are not tracked.
type Book struct {
	ID              int64   `json:"id" yaml:"id"`
	Title           string  `json:"title" yaml:"title"`
	Author          string  `json:"author" yaml:"author"`
	Genre           string  `json:"genre,omitempty" yaml:"genre,omitempty"`
	Publisher       string  `json:"publisher,omitempty" yaml:"publisher,omitempty"`
	PublicationYear *int    `json:"publication_year,omitempty" yaml:"publication_year,omitempty"`
	Description     string  `json:"description,omitempty" yaml:"description,omitempty"`
	TotalCopies     int     `json:"total_copies" yaml:"total_copies"`
	AvailableCopies int     `json:"available_copies" yaml:"available_copies"`
	Rating          float64 `json:"rating" yaml:"rating"`
	BorrowCount     int     `json:"borrow_count" yaml:"borrow_count"`
	HasCover        bool    `json:"has_cover" yaml:"-"`
}

// Counters returns the ledger-owned fields of b.
func (b *Book) Counters() Counters {
	return Counters{Total: b.TotalCopies, Available: b.AvailableCopies, BorrowCount: b.BorrowCount}
}

// Counters is the snapshot of a book's inventory after a ledger operation.
type Counters struct {
	Total       int `json:"total_copies"`
	Available   int `json:"available_copies"`
	BorrowCount int `json:"borrow_count"`
}

// OnLoan is the number of copies currently lent out.
func (c Counters) OnLoan() int { return c.Total - c.Available }

// Loan describes a granted borrow. The due date is computed for display and
// is not persisted; only the aggregate counters are stored.
type Loan struct {
	BookID     int64     `json:"book_id"`
	Counters   Counters  `json:"counters"`
	BorrowedAt time.Time `json:"borrowed_at"`
	DueAt      time.Time `json:"due_at"`
}

// Retirement is the outcome of RetireCopies. When Deleted is true the book
// row and its cover are gone and Counters is zero.
type Retirement struct {
	BookID   int64    `json:"book_id"`
	Deleted  bool     `json:"deleted"`
	Counters Counters `json:"counters"`
}

// Cover is the stored cover image of a book.
type Cover struct {
	BookID    int64     `json:"book_id"`
	MIMEType  string    `json:"mime_type"`
	Data      []byte    `json:"-"`
	Digest    string    `json:"digest"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CoverUpload is an image supplied alongside a create or edit request.
type CoverUpload struct {
	MIMEType string
	Data     []byte
}

// CatalogStats are the totals shown on the admin dashboard.
type CatalogStats struct {
	Titles          int64 `json:"titles"`
	TitlesAvailable int64 `json:"titles_available"`
	TotalCopies     int64 `json:"total_copies"`
	AvailableCopies int64 `json:"available_copies"`
	Borrowed        int64 `json:"borrowed"`
}
