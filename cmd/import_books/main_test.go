package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"library-catalog/library"
)

const testManifest = `books:
  - title: Dune
    author: Frank Herbert
    publication_year: 1965
    total_copies: 3
    cover: dune.png
  - title: Emma
    author: Jane Austen
    total_copies: 2
    available_copies: 1
    borrow_count: 1
  - title: ""
    author: Nobody
    total_copies: 1
  - title: Lost Cover
    author: Someone
    total_copies: 1
    cover: missing.png
`

func TestImportManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testManifest), 0o644))
	png := append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dune.png"), png, 0o644))

	m, err := loadManifest(path)
	require.NoError(t, err)
	require.Len(t, m.Books, 4)

	ctx := context.Background()
	mgr, err := library.NewLibraryManager(ctx, library.Options{DSN: filepath.Join(dir, "library.db")})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	var out bytes.Buffer
	im := &importer{catalog: mgr, baseDir: dir, out: &out}
	s := im.run(ctx, m)

	assert.Equal(t, 2, s.failed)
	require.Len(t, s.imported, 2)

	dune := s.imported[0]
	assert.Equal(t, 3, dune.AvailableCopies)
	assert.True(t, dune.HasCover)
	require.NotNil(t, dune.PublicationYear)
	assert.Equal(t, 1965, *dune.PublicationYear)

	emma := s.imported[1]
	assert.Equal(t, library.Counters{Total: 2, Available: 1, BorrowCount: 1}, emma.Counters())

	printSummary(&out, s)
	assert.Contains(t, out.String(), "Successfully imported: 2 books")
	assert.Contains(t, out.String(), "Errors: 2")
}

func TestLoadManifestRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("books: [unterminated"), 0o644))
	_, err := loadManifest(path)
	assert.Error(t, err)
}
