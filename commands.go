package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"library-catalog/library"
	"library-catalog/server"
)

// ------------------ serve ------------------

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.HTTPAddr
			}
			mgr, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()

			router := server.NewRouter(mgr, a.log)
			return server.Run(cmd.Context(), addr, router, a.cfg.ShutdownTimeout, a.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides LIBRARY_HTTP_ADDR)")
	return cmd
}

// ------------------ book ------------------

// bookFlags holds the catalog fields accepted by add and edit.
type bookFlags struct {
	title, author, genre, publisher, description string
	year, total, available, borrowed             int
	rating                                       float64
	cover                                        string
}

func (f *bookFlags) register(cmd *cobra.Command, withCounters bool) {
	fs := cmd.Flags()
	fs.StringVar(&f.title, "title", "", "book title")
	fs.StringVar(&f.author, "author", "", "book author")
	fs.StringVar(&f.genre, "genre", "", "genre")
	fs.StringVar(&f.publisher, "publisher", "", "publisher")
	fs.StringVar(&f.description, "description", "", "description")
	fs.IntVar(&f.year, "year", 0, "publication year")
	fs.IntVar(&f.total, "total", 1, "total copies owned")
	fs.IntVar(&f.available, "available", -1, "copies on the shelf (defaults to --total)")
	fs.StringVar(&f.cover, "cover", "", "path to a JPEG, PNG or GIF cover image")
	if withCounters {
		fs.Float64Var(&f.rating, "rating", 0, "rating from 0 to 5")
		fs.IntVar(&f.borrowed, "borrowed", 0, "initial borrow count")
	}
}

// apply copies the flags the user set onto in.
func (f *bookFlags) apply(cmd *cobra.Command, in *library.BookInput) {
	fs := cmd.Flags()
	set := func(name string) bool { return fs.Changed(name) }
	if set("title") {
		in.Title = f.title
	}
	if set("author") {
		in.Author = f.author
	}
	if set("genre") {
		in.Genre = f.genre
	}
	if set("publisher") {
		in.Publisher = f.publisher
	}
	if set("description") {
		in.Description = f.description
	}
	if set("year") {
		y := f.year
		in.PublicationYear = &y
	}
	if set("total") {
		in.TotalCopies = f.total
	}
	if set("available") {
		in.AvailableCopies = f.available
	}
}

func (a *app) bookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "book",
		Aliases: []string{"books"},
		Short:   "List, edit and circulate books",
	}
	cmd.AddCommand(
		a.bookListCmd(),
		a.bookShowCmd(),
		a.bookAddCmd(),
		a.bookEditCmd(),
		a.bookBorrowCmd(),
		a.bookReturnCmd(),
		a.bookRetireCmd(),
	)
	return cmd
}

func (a *app) bookListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all books ordered by title",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()

			books, err := mgr.GetAllBooks(cmd.Context())
			if err != nil {
				return err
			}
			return a.printBooks(cmd.OutOrStdout(), books)
		},
	}
}

func (a *app) loansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "loans",
		Short: "List books with copies currently borrowed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()

			books, err := mgr.GetBooksOnLoan(cmd.Context())
			if err != nil {
				return err
			}
			return a.printBooks(cmd.OutOrStdout(), books)
		},
	}
}

func (a *app) bookShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			mgr, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()

			b, err := mgr.GetBook(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.printBook(cmd.OutOrStdout(), b)
		},
	}
}

func (a *app) bookAddCmd() *cobra.Command {
	var f bookFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a book to the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := library.NewBookInput{
				BookInput:   library.BookInput{TotalCopies: f.total, AvailableCopies: f.total},
				Rating:      f.rating,
				BorrowCount: f.borrowed,
			}
			f.apply(cmd, &in.BookInput)

			cover, err := readCover(f.cover)
			if err != nil {
				return err
			}
			mgr, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()

			b, err := mgr.AddBook(cmd.Context(), in, cover)
			if err != nil {
				return err
			}
			if cover != nil && !b.HasCover {
				fmt.Fprintf(cmd.ErrOrStderr(), "cover %s skipped: not a JPEG, PNG or GIF image\n", f.cover)
			}
			return a.printBook(cmd.OutOrStdout(), b)
		},
	}
	f.register(cmd, true)
	return cmd
}

func (a *app) bookEditCmd() *cobra.Command {
	var f bookFlags
	cmd := &cobra.Command{
		Use:   "edit ID",
		Short: "Change the catalog fields or copy counts of a book",
		Long: `Only the flags given are changed. Copy counts change only when both
--total and --available are given; otherwise the book keeps the counts it has
at the moment of the update. The borrow count and rating are not editable
here; use borrow and return for circulation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			counts := cmd.Flags().Changed("total")
			if counts != cmd.Flags().Changed("available") {
				return errors.New("--total and --available must be given together")
			}
			cover, err := readCover(f.cover)
			if err != nil {
				return err
			}
			mgr, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()

			cur, err := mgr.GetBook(cmd.Context(), id)
			if err != nil {
				return err
			}
			in := library.BookInput{
				Title:           cur.Title,
				Author:          cur.Author,
				Genre:           cur.Genre,
				Publisher:       cur.Publisher,
				PublicationYear: cur.PublicationYear,
				Description:     cur.Description,
			}
			f.apply(cmd, &in)

			var b *library.Book
			if counts {
				b, err = mgr.EditBook(cmd.Context(), id, in, cover)
			} else {
				b, err = mgr.EditDetails(cmd.Context(), id, in, cover)
			}
			if err != nil {
				return err
			}
			return a.printBook(cmd.OutOrStdout(), b)
		},
	}
	f.register(cmd, false)
	return cmd
}

func (a *app) bookBorrowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "borrow ID",
		Short: "Lend one copy of a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			mgr, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()

			loan, err := mgr.BorrowBook(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOutput(out) {
				return writeJSON(out, loan)
			}
			fmt.Fprintf(out, "Borrowed book %d. Due %s. %d of %d copies left.\n",
				loan.BookID, loan.DueAt.Format("2006-01-02"), loan.Counters.Available, loan.Counters.Total)
			return nil
		},
	}
}

func (a *app) bookReturnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "return ID",
		Short: "Return one borrowed copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			mgr, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()

			c, err := mgr.ReturnBook(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOutput(out) {
				return writeJSON(out, c)
			}
			fmt.Fprintf(out, "Returned book %d. %d of %d copies on the shelf.\n", id, c.Available, c.Total)
			return nil
		},
	}
}

func (a *app) bookRetireCmd() *cobra.Command {
	var (
		count int
		yes   bool
	)
	cmd := &cobra.Command{
		Use:   "retire ID",
		Short: "Remove copies from inventory, deleting the book when none remain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if !yes {
				return errors.New("retiring copies cannot be undone; pass --yes to confirm")
			}
			mgr, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()

			r, err := mgr.RetireCopies(cmd.Context(), id, count)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOutput(out) {
				return writeJSON(out, r)
			}
			if r.Deleted {
				fmt.Fprintf(out, "Book %d deleted.\n", id)
				return nil
			}
			fmt.Fprintf(out, "Retired %d copies of book %d. %d of %d copies on the shelf.\n",
				count, id, r.Counters.Available, r.Counters.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "number of copies to retire")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the retirement")
	return cmd
}

// ------------------ cover ------------------

func (a *app) coverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cover",
		Short: "Store or fetch cover images",
	}
	cmd.AddCommand(a.coverSetCmd(), a.coverGetCmd())
	return cmd
}

func (a *app) coverSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set ID FILE",
		Short: "Replace the cover of a book",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			upload, err := readCover(args[1])
			if err != nil {
				return err
			}
			mgr, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()

			c, err := mgr.SetCover(cmd.Context(), id, *upload)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOutput(out) {
				return writeJSON(out, c)
			}
			fmt.Fprintf(out, "Stored %s cover for book %d (%d bytes).\n", c.MIMEType, id, len(c.Data))
			return nil
		},
	}
}

func (a *app) coverGetCmd() *cobra.Command {
	var title, output string
	cmd := &cobra.Command{
		Use:   "get [ID]",
		Short: "Write the cover of a book to a file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (title != "") {
				return errors.New("give either a book ID or --title")
			}
			mgr, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()

			var c *library.Cover
			if title != "" {
				c, err = mgr.GetCoverByTitle(cmd.Context(), title)
			} else {
				var id int64
				if id, err = parseID(args[0]); err == nil {
					c, err = mgr.GetCover(cmd.Context(), id)
				}
			}
			if err != nil {
				return err
			}

			if output == "" {
				output = fmt.Sprintf("cover-%d%s", c.BookID, coverExt(c.MIMEType))
			}
			if err := os.WriteFile(output, c.Data, 0o644); err != nil {
				return fmt.Errorf("write cover: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "look the cover up by the current book title")
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write (default cover-<id>.<ext>)")
	return cmd
}

// ------------------ helpers ------------------

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid book id %q", s)
	}
	return id, nil
}

// readCover loads an image file, sniffing its type from the content.
func readCover(path string) (*library.CoverUpload, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cover: %w", err)
	}
	return &library.CoverUpload{MIMEType: library.DetectCoverType(data), Data: data}, nil
}

func coverExt(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	default:
		return ".jpg"
	}
}

// jsonOutput reports whether results should be printed as JSON: when asked,
// or when out is not an interactive terminal.
func (a *app) jsonOutput(out io.Writer) bool {
	if a.asJSON {
		return true
	}
	f, ok := out.(*os.File)
	return !ok || !term.IsTerminal(int(f.Fd()))
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printBooks(out io.Writer, books []*library.Book) error {
	if a.jsonOutput(out) {
		if books == nil {
			books = []*library.Book{}
		}
		return writeJSON(out, books)
	}
	if len(books) == 0 {
		fmt.Fprintln(out, "No books found.")
		return nil
	}
	fmt.Fprintf(out, "%-5s %-30s %-25s %11s %6s\n", "ID", "Title", "Author", "Avail/Total", "Loans")
	fmt.Fprintln(out, strings.Repeat("-", 82))
	for _, b := range books {
		fmt.Fprintln(out, library.PrettyBook(b))
	}
	return nil
}

func (a *app) printBook(out io.Writer, b *library.Book) error {
	if a.jsonOutput(out) {
		return writeJSON(out, b)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%d\n", b.ID)
	fmt.Fprintf(tw, "Title:\t%s\n", b.Title)
	fmt.Fprintf(tw, "Author:\t%s\n", b.Author)
	if b.Genre != "" {
		fmt.Fprintf(tw, "Genre:\t%s\n", b.Genre)
	}
	if b.Publisher != "" {
		fmt.Fprintf(tw, "Publisher:\t%s\n", b.Publisher)
	}
	if b.PublicationYear != nil {
		fmt.Fprintf(tw, "Year:\t%d\n", *b.PublicationYear)
	}
	fmt.Fprintf(tw, "Copies:\t%d available of %d\n", b.AvailableCopies, b.TotalCopies)
	fmt.Fprintf(tw, "Borrowed:\t%d\n", b.BorrowCount)
	fmt.Fprintf(tw, "Rating:\t%.1f\n", b.Rating)
	fmt.Fprintf(tw, "Cover:\t%t\n", b.HasCover)
	if b.Description != "" {
		fmt.Fprintf(tw, "Description:\t%s\n", b.Description)
	}
	return tw.Flush()
}
