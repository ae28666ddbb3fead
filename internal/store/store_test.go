package store

import (
	"bytes"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAndClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "subdir", "nested", "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	v, err := SchemaVersion(s.DB())
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if v != LatestSchemaVersion() {
		t.Errorf("schema version = %d, want %d", v, LatestSchemaVersion())
	}
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestMigrateLegacyDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	// A database written before usage tracking existed.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL, description TEXT);
		INSERT INTO schema_migrations VALUES (1, 0, 'Create snippets table');
		CREATE TABLE snippets (
			id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, keyword TEXT NOT NULL UNIQUE,
			content TEXT NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL);
		INSERT INTO snippets (name, keyword, content, created_at, updated_at) VALUES ('Sig', ';sig', 'Regards', 1, 1);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	sn, err := s.FindSnippetByKeyword(";sig")
	require.NoError(t, err)
	require.NotNil(t, sn)
	assert.Equal(t, int64(0), sn.TimesUsed)
	assert.True(t, sn.LastUsedAt.IsZero())

	require.NoError(t, s.MarkUsed(sn.ID))
	sn, err = s.GetSnippet(sn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sn.TimesUsed)
}

// =============================================================================
// Snippets
// =============================================================================

func TestCreateAndFindSnippet(t *testing.T) {
	s := openTestStore(t)

	created, err := s.CreateSnippet("Signature", ";sig", "Best regards,\n{cursor}")
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	byKeyword, err := s.FindSnippetByKeyword(";sig")
	require.NoError(t, err)
	require.NotNil(t, byKeyword)
	assert.Equal(t, "Signature", byKeyword.Name)
	assert.Equal(t, "Best regards,\n{cursor}", byKeyword.Content)
	assert.False(t, byKeyword.CreatedAt.IsZero())

	byName, err := s.FindSnippetByName("Signature")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, created.ID, byName.ID)

	missing, err := s.FindSnippetByKeyword(";nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateSnippetDuplicateKeyword(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CreateSnippet("One", ";dup", "1")
	require.NoError(t, err)

	_, err = s.CreateSnippet("Two", ";dup", "2")
	assert.ErrorIs(t, err, ErrDuplicateKeyword)
}

func TestCreateSnippetValidation(t *testing.T) {
	s := openTestStore(t)

	tests := []struct {
		name, keyword string
	}{
		{"", ";a"},
		{"   ", ";a"},
		{"No keyword", ""},
		{"Enter in keyword", "a\nb"},
	}
	for _, tc := range tests {
		_, err := s.CreateSnippet(tc.name, tc.keyword, "x")
		assert.ErrorIs(t, err, ErrInvalidSnippet, "name=%q keyword=%q", tc.name, tc.keyword)
	}
}

func TestUpdateAndDeleteSnippet(t *testing.T) {
	s := openTestStore(t)

	a, err := s.CreateSnippet("A", ";a", "alpha")
	require.NoError(t, err)
	_, err = s.CreateSnippet("B", ";b", "beta")
	require.NoError(t, err)

	require.NoError(t, s.UpdateSnippet(a.ID, "A2", ";a2", "alpha two"))
	got, err := s.GetSnippet(a.ID)
	require.NoError(t, err)
	assert.Equal(t, ";a2", got.Keyword)
	assert.Equal(t, "alpha two", got.Content)

	err = s.UpdateSnippet(a.ID, "A3", ";b", "clash")
	assert.ErrorIs(t, err, ErrDuplicateKeyword)

	require.NoError(t, s.DeleteSnippet(a.ID))
	assert.ErrorIs(t, s.DeleteSnippet(a.ID), ErrNotFound)
	assert.ErrorIs(t, s.UpdateSnippet(a.ID, "x", ";x", "x"), ErrNotFound)

	n, err := s.CountSnippets()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestListSnippetsOrderAndSearch(t *testing.T) {
	s := openTestStore(t)

	addr, err := s.CreateSnippet("Address", ";addr", "1 Main Street")
	require.NoError(t, err)
	_, err = s.CreateSnippet("Email", ";em", "me@example.com")
	require.NoError(t, err)
	_, err = s.CreateSnippet("Percent", ";pct", "100% done_ok")
	require.NoError(t, err)

	// Never-used snippets come newest first.
	all, err := s.ListSnippets("")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ";pct", all[0].Keyword)

	// Usage moves a snippet to the front.
	require.NoError(t, s.MarkUsed(addr.ID))
	all, err = s.ListSnippets("")
	require.NoError(t, err)
	assert.Equal(t, ";addr", all[0].Keyword)
	assert.Equal(t, int64(1), all[0].TimesUsed)
	assert.False(t, all[0].LastUsedAt.IsZero())

	found, err := s.ListSnippets("MAIN")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Address", found[0].Name)

	// LIKE wildcards in the search term are literal.
	found, err = s.ListSnippets("%")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, ";pct", found[0].Keyword)

	found, err = s.ListSnippets("_")
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestMarkUsedMissing(t *testing.T) {
	s := openTestStore(t)
	assert.ErrorIs(t, s.MarkUsed(42), ErrNotFound)
}

// =============================================================================
// Import
// =============================================================================

func TestImportSnippetsJSON(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateSnippet("Existing", ";sig", "old")
	require.NoError(t, err)

	doc := []byte(`[
		{"name": "Signature", "text": "new", "keyword": ";sig"},
		{"name": "Date", "text": "{date}", "keyword": ";d"},
		{"name": "Date again", "text": "{date}", "keyword": ";d"}
	]`)

	result, err := s.ImportSnippets(doc, ImportJSON)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SnippetsAdded)
	assert.Equal(t, 2, result.DuplicatesSkipped)

	sig, err := s.FindSnippetByKeyword(";sig")
	require.NoError(t, err)
	assert.Equal(t, "old", sig.Content)
}

func TestImportSnippetsYAML(t *testing.T) {
	s := openTestStore(t)

	doc := []byte(`
- name: Greeting
  text: "Hello {clipboard | trim}"
  keyword: ";hi"
- name: Uuid
  text: "{uuid}"
  keyword: ";id"
`)
	result, err := s.ImportSnippets(doc, ImportYAML)
	require.NoError(t, err)
	assert.Equal(t, 2, result.SnippetsAdded)

	hi, err := s.FindSnippetByKeyword(";hi")
	require.NoError(t, err)
	require.NotNil(t, hi)
	assert.Equal(t, "Hello {clipboard | trim}", hi.Content)
}

func TestImportSnippetsRejectsInvalidDocuments(t *testing.T) {
	s := openTestStore(t)

	tests := map[string]string{
		"not an array":    `{"name": "x", "text": "y", "keyword": "z"}`,
		"missing keyword": `[{"name": "x", "text": "y"}]`,
		"empty name":      `[{"name": "", "text": "y", "keyword": "z"}]`,
		"wrong type":      `[{"name": "x", "text": 5, "keyword": "z"}]`,
		"malformed":       `[{"name": `,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := s.ImportSnippets([]byte(doc), ImportJSON)
			assert.ErrorIs(t, err, ErrInvalidImport)
		})
	}

	n, err := s.CountSnippets()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestImportFormatForPath(t *testing.T) {
	assert.Equal(t, ImportYAML, ImportFormatForPath("snippets.YML"))
	assert.Equal(t, ImportYAML, ImportFormatForPath("/tmp/a.yaml"))
	assert.Equal(t, ImportJSON, ImportFormatForPath("export.json"))
}

// =============================================================================
// Clipboard history
// =============================================================================

func TestClipboardHistoryOffsets(t *testing.T) {
	s := openTestStore(t)

	for _, text := range []string{"first", "second", "third"} {
		require.NoError(t, s.RecordClipboard(text))
	}

	tests := []struct {
		offset int
		want   string
		ok     bool
	}{
		{0, "third", true},
		{1, "second", true},
		{2, "first", true},
		{3, "", false},
		{-1, "", false},
	}
	for _, tc := range tests {
		got, ok, err := s.ContentByOffset(tc.offset)
		require.NoError(t, err)
		assert.Equal(t, tc.ok, ok, "offset %d", tc.offset)
		assert.Equal(t, tc.want, got, "offset %d", tc.offset)
	}
}

func TestClipboardHistoryDedup(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordClipboard("alpha"))
	require.NoError(t, s.RecordClipboard("beta"))
	require.NoError(t, s.RecordClipboard("alpha"))
	require.NoError(t, s.RecordClipboard(""))

	items, err := s.ListClipboardHistory(10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "alpha", items[0].Content)
	assert.Equal(t, int64(2), items[0].TimesCopied)
	assert.Equal(t, int64(5), items[0].SizeBytes)
}

func TestClipboardHistoryPinPruneClear(t *testing.T) {
	s := openTestStore(t)

	for _, text := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.RecordClipboard(text))
	}
	items, err := s.ListClipboardHistory(10)
	require.NoError(t, err)
	require.Len(t, items, 4)

	oldest := items[3]
	require.NoError(t, s.SetClipboardPinned(oldest.ID, true))

	removed, err := s.PruneClipboardHistory(2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	removed, err = s.ClearClipboardHistory()
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	items, err = s.ListClipboardHistory(10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].Content)
	assert.True(t, items[0].Pinned)
}

func TestClipboardHistoryEncryption(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	keyPath := filepath.Join(dir, "keys", "history.key")

	key, err := LoadOrCreateHistoryKey(keyPath)
	require.NoError(t, err)
	assert.Len(t, key, HistoryKeySize)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	again, err := LoadOrCreateHistoryKey(keyPath)
	require.NoError(t, err)
	assert.Equal(t, key, again)

	s, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.EnableHistoryEncryption(key))
	require.NoError(t, s.RecordClipboard("top secret"))

	var raw []byte
	require.NoError(t, s.DB().QueryRow(`SELECT content FROM clipboard_history`).Scan(&raw))
	assert.False(t, bytes.Contains(raw, []byte("top secret")), "content stored in plaintext")

	got, ok, err := s.ContentByOffset(0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "top secret", got)
	require.NoError(t, s.Close())

	// Without the key the entry cannot be read.
	s, err = Open(dbPath)
	require.NoError(t, err)
	defer s.Close()
	_, _, err = s.ContentByOffset(0)
	assert.True(t, errors.Is(err, ErrDecrypt), "got %v", err)
}

func TestEnableHistoryEncryptionRejectsWeakKeys(t *testing.T) {
	s := openTestStore(t)
	assert.ErrorIs(t, s.EnableHistoryEncryption(make([]byte, HistoryKeySize)), ErrWeakKey)
	assert.ErrorIs(t, s.EnableHistoryEncryption([]byte("short")), ErrWeakKey)
}
