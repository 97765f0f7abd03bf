package library

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/crypto/blake2b"
)

// acceptedCoverTypes is the MIME allow-list for cover images.
var acceptedCoverTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/gif":  true,
}

// AcceptedCoverType reports whether mimeType may be stored as a cover.
// Parameters and letter case are ignored.
func AcceptedCoverType(mimeType string) bool {
	return acceptedCoverTypes[baseMediaType(mimeType)]
}

func baseMediaType(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = mimeType
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// DetectCoverType sniffs the media type of data.
func DetectCoverType(data []byte) string {
	return baseMediaType(mimetype.Detect(data).String())
}

// prepareCover returns the cover to store, or nil when the upload is absent
// or of a type that is not accepted. Rejected images are skipped, not errors.
func prepareCover(upload *CoverUpload, now time.Time) *Cover {
	if upload == nil || len(upload.Data) == 0 {
		return nil
	}
	mt := baseMediaType(upload.MIMEType)
	if mt == "" {
		mt = DetectCoverType(upload.Data)
	}
	if !acceptedCoverTypes[mt] {
		return nil
	}
	sum := blake2b.Sum256(upload.Data)
	return &Cover{
		MIMEType:  mt,
		Data:      upload.Data,
		Digest:    hex.EncodeToString(sum[:]),
		UpdatedAt: now.UTC(),
	}
}

// putCover stores c as the cover of bookID, replacing any existing one.
func (d *Database) putCover(ctx context.Context, tx *sql.Tx, bookID int64, c *Cover) error {
	_, err := tx.ExecContext(ctx, d.rebind(`INSERT INTO book_covers(book_id, mime_type, image, digest, updated_at)
        VALUES(?,?,?,?,?)
        ON CONFLICT(book_id) DO UPDATE SET
            mime_type=excluded.mime_type, image=excluded.image,
            digest=excluded.digest, updated_at=excluded.updated_at`),
		bookID, c.MIMEType, c.Data, c.Digest, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store cover: %w", err)
	}
	c.BookID = bookID
	return nil
}

// ReplaceCover stores c as the cover of an existing book.
func (d *Database) ReplaceCover(ctx context.Context, bookID int64, c *Cover) error {
	return d.withTx(ctx, "replace cover", func(tx *sql.Tx) error {
		var locked int64
		err := tx.QueryRowContext(ctx, d.rebind(d.forUpdate(`SELECT id FROM books WHERE id = ?`)), bookID).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: id %d", ErrNotFound, bookID)
		}
		if err != nil {
			return err
		}
		return d.putCover(ctx, tx, bookID, c)
	})
}

func (d *Database) deleteCover(ctx context.Context, tx *sql.Tx, bookID int64) error {
	if _, err := tx.ExecContext(ctx, d.rebind(`DELETE FROM book_covers WHERE book_id=?`), bookID); err != nil {
		return fmt.Errorf("delete cover: %w", err)
	}
	return nil
}

const coverColumns = `c.book_id, c.mime_type, c.image, c.digest, c.updated_at`

func scanCover(row rowScanner) (*Cover, error) {
	var c Cover
	if err := row.Scan(&c.BookID, &c.MIMEType, &c.Data, &c.Digest, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCover returns the cover of bookID. ErrNotFound covers both a missing
// book and a book without a cover.
func (d *Database) GetCover(ctx context.Context, bookID int64) (*Cover, error) {
	c, err := scanCover(d.db.QueryRowContext(ctx,
		d.rebind(`SELECT `+coverColumns+` FROM book_covers c WHERE c.book_id=?`), bookID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no cover for book %d", ErrNotFound, bookID)
	}
	if err != nil {
		return nil, storageErr("get cover", err)
	}
	return c, nil
}

// GetCoverByTitle resolves a cover through the current title of its book.
// When several books share the title the most recently stored cover wins.
func (d *Database) GetCoverByTitle(ctx context.Context, title string) (*Cover, error) {
	c, err := scanCover(d.db.QueryRowContext(ctx, d.rebind(`SELECT `+coverColumns+`
        FROM book_covers c JOIN books b ON b.id = c.book_id
        WHERE b.title=? ORDER BY c.updated_at DESC, b.id DESC LIMIT 1`), strings.TrimSpace(title)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no cover titled %q", ErrNotFound, title)
	}
	if err != nil {
		return nil, storageErr("get cover by title", err)
	}
	return c, nil
}
