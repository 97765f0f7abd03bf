// Command import_books bulk-loads a catalog from a YAML manifest:
//
//	books:
//	  - title: Dune
//	    author: Frank Herbert
//	    publication_year: 1965
//	    total_copies: 3
//	    cover: covers/dune.jpg
//
// available_copies defaults to total_copies. Cover paths are relative to the
// manifest.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"library-catalog/config"
	"library-catalog/library"
)

// manifest is the file layout read by import_books.
type manifest struct {
	Books []entry `yaml:"books"`
}

type entry struct {
	Title           string  `yaml:"title"`
	Author          string  `yaml:"author"`
	Genre           string  `yaml:"genre"`
	Publisher       string  `yaml:"publisher"`
	PublicationYear *int    `yaml:"publication_year"`
	Description     string  `yaml:"description"`
	TotalCopies     int     `yaml:"total_copies"`
	AvailableCopies *int    `yaml:"available_copies"`
	Rating          float64 `yaml:"rating"`
	BorrowCount     int     `yaml:"borrow_count"`
	Cover           string  `yaml:"cover"`
}

func (e entry) input() library.NewBookInput {
	available := e.TotalCopies
	if e.AvailableCopies != nil {
		available = *e.AvailableCopies
	}
	return library.NewBookInput{
		BookInput: library.BookInput{
			Title:           e.Title,
			Author:          e.Author,
			Genre:           e.Genre,
			Publisher:       e.Publisher,
			PublicationYear: e.PublicationYear,
			Description:     e.Description,
			TotalCopies:     e.TotalCopies,
			AvailableCopies: available,
		},
		Rating:      e.Rating,
		BorrowCount: e.BorrowCount,
	}
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// importer adds manifest entries to a catalog and reports progress to out.
type importer struct {
	catalog interface {
		AddBook(ctx context.Context, in library.NewBookInput, cover *library.CoverUpload) (*library.Book, error)
	}
	baseDir string
	out     io.Writer
}

type summary struct {
	imported []*library.Book
	failed   int
}

func (im *importer) run(ctx context.Context, m *manifest) summary {
	var s summary
	for i, e := range m.Books {
		fmt.Fprintf(im.out, "Importing: %s by %s... ", e.Title, e.Author)

		cover, err := im.readCover(e.Cover)
		if err != nil {
			fmt.Fprintf(im.out, "ERROR - entry %d: %v\n", i+1, err)
			s.failed++
			continue
		}

		b, err := im.catalog.AddBook(ctx, e.input(), cover)
		if err != nil {
			fmt.Fprintf(im.out, "ERROR - entry %d: %v\n", i+1, err)
			s.failed++
			continue
		}

		if cover != nil && !b.HasCover {
			fmt.Fprintf(im.out, "SUCCESS (ID: %d, cover skipped)\n", b.ID)
		} else {
			fmt.Fprintf(im.out, "SUCCESS (ID: %d)\n", b.ID)
		}
		s.imported = append(s.imported, b)
	}
	return s
}

func (im *importer) readCover(path string) (*library.CoverUpload, error) {
	if path == "" {
		return nil, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(im.baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cover not accessible: %w", err)
	}
	return &library.CoverUpload{MIMEType: library.DetectCoverType(data), Data: data}, nil
}

func printSummary(out io.Writer, s summary) {
	fmt.Fprintf(out, "\nImport complete!\n")
	fmt.Fprintf(out, "Successfully imported: %d books\n", len(s.imported))
	fmt.Fprintf(out, "Errors: %d\n", s.failed)
	if len(s.imported) == 0 {
		return
	}
	fmt.Fprintln(out, "\nImported books:")
	fmt.Fprintf(out, "%-5s %-30s %-25s %11s %6s\n", "ID", "Title", "Author", "Avail/Total", "Loans")
	fmt.Fprintln(out, strings.Repeat("-", 82))
	for _, b := range s.imported {
		fmt.Fprintln(out, library.PrettyBook(b))
	}
}

func newImportCmd() *cobra.Command {
	var manifestPath, envFile, dsn string
	cmd := &cobra.Command{
		Use:          "import_books",
		Short:        "Import books and covers from a YAML manifest",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			if dsn != "" {
				cfg.DBDSN = dsn
			}
			m, err := loadManifest(manifestPath)
			if err != nil {
				return err
			}

			mgr, err := library.NewLibraryManager(cmd.Context(), library.Options{
				Driver:     cfg.DBDriver,
				DSN:        cfg.DBDSN,
				LoanPeriod: cfg.LoanPeriod,
				Logger:     cfg.Logger(),
			})
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer mgr.Close()

			im := &importer{catalog: mgr, baseDir: filepath.Dir(manifestPath), out: cmd.OutOrStdout()}
			s := im.run(cmd.Context(), m)
			printSummary(cmd.OutOrStdout(), s)
			if s.failed > 0 {
				return fmt.Errorf("%d of %d entries failed", s.failed, len(m.Books))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "catalog.yaml", "YAML manifest to import")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file with LIBRARY_* settings")
	cmd.Flags().StringVar(&dsn, "dsn", "", "database path or connection string (overrides LIBRARY_DB_DSN)")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newImportCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
