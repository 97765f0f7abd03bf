// Package server exposes the library catalog over a JSON HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"library-catalog/library"
)

// Catalog is what the HTTP layer needs from the library.
// *library.LibraryManager implements it.
type Catalog interface {
	GetBook(ctx context.Context, id int64) (*library.Book, error)
	GetAllBooks(ctx context.Context) ([]*library.Book, error)
	GetBooksOnLoan(ctx context.Context) ([]*library.Book, error)
	SimilarBooks(ctx context.Context, id int64, limit int) ([]*library.Book, error)
	Stats(ctx context.Context) (*library.CatalogStats, error)
	AddBook(ctx context.Context, in library.NewBookInput, cover *library.CoverUpload) (*library.Book, error)
	EditBook(ctx context.Context, id int64, in library.BookInput, cover *library.CoverUpload) (*library.Book, error)
	SetCover(ctx context.Context, id int64, cover library.CoverUpload) (*library.Cover, error)
	GetCover(ctx context.Context, id int64) (*library.Cover, error)
	GetCoverByTitle(ctx context.Context, title string) (*library.Cover, error)
	BorrowBook(ctx context.Context, id int64) (*library.Loan, error)
	ReturnBook(ctx context.Context, id int64) (library.Counters, error)
	RetireCopies(ctx context.Context, id int64, count int) (*library.Retirement, error)
}

// MaxUploadBytes caps the body of every request that can carry a cover.
const MaxUploadBytes = 8 << 20

// NewRouter builds the gin engine with every route registered.
func NewRouter(catalog Catalog, log *slog.Logger) *gin.Engine {
	if log == nil {
		log = slog.Default()
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestContext(log))
	router.MaxMultipartMemory = MaxUploadBytes

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	RegisterRoutes(router.Group("/v1"), NewHandlers(catalog))
	return router
}

// RegisterRoutes wires the handlers under group.
func RegisterRoutes(group *gin.RouterGroup, h *Handlers) {
	upload := limitBody(MaxUploadBytes)

	group.GET("/books", h.HandleListBooks)
	group.POST("/books", upload, h.HandleCreateBook)
	group.GET("/books/:id", h.HandleGetBook)
	group.PUT("/books/:id", upload, h.HandleUpdateBook)
	group.GET("/books/:id/similar", h.HandleSimilarBooks)
	group.POST("/books/:id/borrow", h.HandleBorrow)
	group.POST("/books/:id/return", h.HandleReturn)
	group.POST("/books/:id/retire", h.HandleRetire)
	group.GET("/books/:id/cover", h.HandleGetCover)
	group.PUT("/books/:id/cover", upload, h.HandleSetCover)
	group.GET("/covers", h.HandleGetCoverByTitle)
	group.GET("/loans", h.HandleListLoans)
	group.GET("/stats", h.HandleStats)
}

// Run serves handler on addr until ctx is cancelled, then shuts down,
// waiting at most shutdownTimeout for in-flight requests.
func Run(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
