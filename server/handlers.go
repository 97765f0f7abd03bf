package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"library-catalog/library"
)

// Handlers contains the HTTP handlers for the catalog.
type Handlers struct {
	catalog Catalog
}

// NewHandlers creates handlers backed by catalog.
func NewHandlers(catalog Catalog) *Handlers {
	return &Handlers{catalog: catalog}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields,omitempty"`
}

// bookRequest is the create/edit payload. It binds from JSON (cover as
// base64 in cover_image) or from a multipart form (cover as a file part).
type bookRequest struct {
	Title           string  `json:"title" form:"title"`
	Author          string  `json:"author" form:"author"`
	Genre           string  `json:"genre" form:"genre"`
	Publisher       string  `json:"publisher" form:"publisher"`
	PublicationYear *int    `json:"publication_year" form:"-"`
	YearField       string  `json:"-" form:"publication_year"`
	Description     string  `json:"description" form:"description"`
	TotalCopies     int     `json:"total_copies" form:"total_copies"`
	AvailableCopies int     `json:"available_copies" form:"available_copies"`
	Rating          float64 `json:"rating" form:"rating"`
	BorrowCount     int     `json:"borrow_count" form:"borrow_count"`
	CoverImage      []byte  `json:"cover_image" form:"-"`
	CoverType       string  `json:"cover_type" form:"-"`
}

func (r *bookRequest) input() (library.BookInput, error) {
	in := library.BookInput{
		Title:           r.Title,
		Author:          r.Author,
		Genre:           r.Genre,
		Publisher:       r.Publisher,
		PublicationYear: r.PublicationYear,
		Description:     r.Description,
		TotalCopies:     r.TotalCopies,
		AvailableCopies: r.AvailableCopies,
	}
	if y := strings.TrimSpace(r.YearField); y != "" {
		year, err := strconv.Atoi(y)
		if err != nil {
			return in, &library.ValidationError{Fields: map[string]string{"publication_year": "must be a number"}}
		}
		in.PublicationYear = &year
	}
	return in, nil
}

type retireRequest struct {
	Count   int  `json:"count" form:"count"`
	Confirm bool `json:"confirm" form:"confirm"`
}

// HandleListBooks handles GET /v1/books.
func (h *Handlers) HandleListBooks(c *gin.Context) {
	books, err := h.catalog.GetAllBooks(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"books": books})
}

// HandleListLoans handles GET /v1/loans: books with copies counted as borrowed.
func (h *Handlers) HandleListLoans(c *gin.Context) {
	books, err := h.catalog.GetBooksOnLoan(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"books": books})
}

// HandleSimilarBooks handles GET /v1/books/:id/similar?limit=n: other books of
// the same genre.
func (h *Handlers) HandleSimilarBooks(c *gin.Context) {
	id, ok := h.bookID(c)
	if !ok {
		return
	}
	limit := library.DefaultSimilarLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 50 {
			h.badRequest(c, "INVALID_REQUEST", "limit must be between 1 and 50")
			return
		}
		limit = n
	}
	books, err := h.catalog.SimilarBooks(c.Request.Context(), id, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"books": books})
}

// HandleStats handles GET /v1/stats.
func (h *Handlers) HandleStats(c *gin.Context) {
	stats, err := h.catalog.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// HandleGetBook handles GET /v1/books/:id.
func (h *Handlers) HandleGetBook(c *gin.Context) {
	id, ok := h.bookID(c)
	if !ok {
		return
	}
	b, err := h.catalog.GetBook(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// HandleCreateBook handles POST /v1/books.
//
// Response:
//
//	201 Created: Book
//	400 Bad Request: validation error
func (h *Handlers) HandleCreateBook(c *gin.Context) {
	var req bookRequest
	cover, ok := h.bindBook(c, &req)
	if !ok {
		return
	}
	in, err := req.input()
	if err != nil {
		h.fail(c, err)
		return
	}
	b, err := h.catalog.AddBook(c.Request.Context(), library.NewBookInput{
		BookInput:   in,
		Rating:      req.Rating,
		BorrowCount: req.BorrowCount,
	}, cover)
	if err != nil {
		h.fail(c, err)
		return
	}
	reqCtx(c).Logger.Info("book created", "book_id", b.ID, "has_cover", b.HasCover)
	c.JSON(http.StatusCreated, b)
}

// HandleUpdateBook handles PUT /v1/books/:id. Rating and borrow_count in the
// body are ignored.
func (h *Handlers) HandleUpdateBook(c *gin.Context) {
	id, ok := h.bookID(c)
	if !ok {
		return
	}
	var req bookRequest
	cover, ok := h.bindBook(c, &req)
	if !ok {
		return
	}
	in, err := req.input()
	if err != nil {
		h.fail(c, err)
		return
	}
	b, err := h.catalog.EditBook(c.Request.Context(), id, in, cover)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// HandleBorrow handles POST /v1/books/:id/borrow.
//
// Response:
//
//	200 OK: Loan with the computed due date
//	404 Not Found: no such book
//	409 Conflict: no copy was free at the time of the update
func (h *Handlers) HandleBorrow(c *gin.Context) {
	id, ok := h.bookID(c)
	if !ok {
		return
	}
	loan, err := h.catalog.BorrowBook(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

// HandleReturn handles POST /v1/books/:id/return.
func (h *Handlers) HandleReturn(c *gin.Context) {
	id, ok := h.bookID(c)
	if !ok {
		return
	}
	counters, err := h.catalog.ReturnBook(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, counters)
}

// HandleRetire handles POST /v1/books/:id/retire. The caller must confirm,
// since retiring every copy deletes the book.
func (h *Handlers) HandleRetire(c *gin.Context) {
	id, ok := h.bookID(c)
	if !ok {
		return
	}
	var req retireRequest
	if err := c.ShouldBind(&req); err != nil {
		h.badRequest(c, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if !req.Confirm {
		h.badRequest(c, "CONFIRMATION_REQUIRED", "Please confirm the deletion")
		return
	}
	r, err := h.catalog.RetireCopies(c.Request.Context(), id, req.Count)
	if err != nil {
		h.fail(c, err)
		return
	}
	reqCtx(c).Logger.Info("copies retired", "book_id", id, "count", req.Count, "deleted", r.Deleted)
	c.JSON(http.StatusOK, r)
}

// HandleGetCover handles GET /v1/books/:id/cover.
func (h *Handlers) HandleGetCover(c *gin.Context) {
	id, ok := h.bookID(c)
	if !ok {
		return
	}
	cover, err := h.catalog.GetCover(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	serveCover(c, cover)
}

// HandleGetCoverByTitle handles GET /v1/covers?title=...
func (h *Handlers) HandleGetCoverByTitle(c *gin.Context) {
	title := strings.TrimSpace(c.Query("title"))
	if title == "" {
		h.badRequest(c, "INVALID_REQUEST", "title is required")
		return
	}
	cover, err := h.catalog.GetCoverByTitle(c.Request.Context(), title)
	if err != nil {
		h.fail(c, err)
		return
	}
	serveCover(c, cover)
}

// HandleSetCover handles PUT /v1/books/:id/cover with a multipart
// cover_image part or a raw image body.
func (h *Handlers) HandleSetCover(c *gin.Context) {
	id, ok := h.bookID(c)
	if !ok {
		return
	}
	var upload *library.CoverUpload
	if c.ContentType() == binding.MIMEMultipartPOSTForm {
		var err error
		if upload, err = formCover(c); err != nil {
			h.readFailed(c, err)
			return
		}
	} else {
		data, err := io.ReadAll(c.Request.Body)
		if err != nil {
			h.readFailed(c, fmt.Errorf("could not read body: %w", err))
			return
		}
		if len(data) > 0 {
			upload = &library.CoverUpload{MIMEType: c.ContentType(), Data: data}
		}
	}
	if upload == nil {
		h.badRequest(c, "INVALID_REQUEST", "cover_image is required")
		return
	}
	cover, err := h.catalog.SetCover(c.Request.Context(), id, *upload)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cover)
}

func serveCover(c *gin.Context, cover *library.Cover) {
	etag := `"` + cover.Digest + `"`
	c.Header("ETag", etag)
	c.Header("Cache-Control", "no-cache")
	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, cover.MIMEType, cover.Data)
}

// bindBook decodes the request body and extracts an optional cover.
func (h *Handlers) bindBook(c *gin.Context, req *bookRequest) (*library.CoverUpload, bool) {
	if err := c.ShouldBind(req); err != nil {
		reqCtx(c).Logger.Warn("invalid request body", "error", err)
		if isTooLarge(err) {
			h.readFailed(c, err)
		} else {
			h.badRequest(c, "INVALID_REQUEST", "Invalid request body")
		}
		return nil, false
	}
	if c.ContentType() == binding.MIMEMultipartPOSTForm {
		cover, err := formCover(c)
		if err != nil {
			h.readFailed(c, err)
			return nil, false
		}
		return cover, true
	}
	if len(req.CoverImage) > 0 {
		return &library.CoverUpload{MIMEType: req.CoverType, Data: req.CoverImage}, true
	}
	return nil, true
}

// formCover reads the cover_image file part, if any.
func formCover(c *gin.Context) (*library.CoverUpload, error) {
	fh, err := c.FormFile("cover_image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cover_image: %w", err)
	}
	data, err := readPart(fh)
	if err != nil {
		return nil, fmt.Errorf("read cover_image: %w", err)
	}
	return &library.CoverUpload{MIMEType: fh.Header.Get("Content-Type"), Data: data}, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (h *Handlers) bookID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.badRequest(c, "INVALID_ID", "book id must be a positive integer")
		return 0, false
	}
	return id, true
}

// readFailed reports a request body that could not be read, either because
// it was over the upload cap or malformed.
func (h *Handlers) readFailed(c *gin.Context, err error) {
	if isTooLarge(err) {
		c.JSON(http.StatusRequestEntityTooLarge, tooLarge(MaxUploadBytes))
		return
	}
	h.badRequest(c, "INVALID_REQUEST", err.Error())
}

func (h *Handlers) badRequest(c *gin.Context, code, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: code})
}

// fail maps a ledger failure kind to a status code.
func (h *Handlers) fail(c *gin.Context, err error) {
	logger := reqCtx(c).Logger
	resp := ErrorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var verr *library.ValidationError
	switch {
	case errors.As(err, &verr):
		status, resp.Code, resp.Fields = http.StatusBadRequest, "INVALID_INPUT", verr.Fields
	case errors.Is(err, library.ErrInvalidInput):
		status, resp.Code = http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, library.ErrNotFound):
		status, resp.Code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, library.ErrUnavailable):
		status, resp.Code = http.StatusConflict, "UNAVAILABLE"
	default:
		resp.Code, resp.Error = "STORAGE_FAILURE", "The request could not be completed. Please try again."
		logger.Error("request failed", "error", err)
	}
	c.JSON(status, resp)
}
