package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

const snippetColumns = `id, name, keyword, content, created_at, updated_at, times_used, last_used_at`

func validateSnippet(name, keyword string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSnippet)
	}
	if keyword == "" {
		return fmt.Errorf("%w: keyword is required", ErrInvalidSnippet)
	}
	for _, r := range keyword {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: keyword contains control character %U", ErrInvalidSnippet, r)
		}
	}
	return nil
}

// CreateSnippet inserts a new snippet and returns it.
func (s *Store) CreateSnippet(name, keyword, content string) (*Snippet, error) {
	if err := validateSnippet(name, keyword); err != nil {
		return nil, err
	}

	now := time.Now().UnixNano()
	result, err := s.db.Exec(`
		INSERT INTO snippets (name, keyword, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		name, keyword, content, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKeyword, keyword)
		}
		return nil, fmt.Errorf("insert snippet: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return &Snippet{
		ID:        id,
		Name:      name,
		Keyword:   keyword,
		Content:   content,
		CreatedAt: fromUnixNano(now),
		UpdatedAt: fromUnixNano(now),
	}, nil
}

// UpdateSnippet replaces the name, keyword and content of a snippet.
func (s *Store) UpdateSnippet(id int64, name, keyword, content string) error {
	if err := validateSnippet(name, keyword); err != nil {
		return err
	}

	result, err := s.db.Exec(`
		UPDATE snippets SET name = ?, keyword = ?, content = ?, updated_at = ?
		WHERE id = ?`,
		name, keyword, content, time.Now().UnixNano(), id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %q", ErrDuplicateKeyword, keyword)
		}
		return fmt.Errorf("update snippet: %w", err)
	}
	return expectOneRow(result, "update snippet")
}

// DeleteSnippet removes a snippet.
func (s *Store) DeleteSnippet(id int64) error {
	result, err := s.db.Exec(`DELETE FROM snippets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete snippet: %w", err)
	}
	return expectOneRow(result, "delete snippet")
}

// ListSnippets returns snippets, most recently used first. A non-empty
// search term filters case-insensitively on name, keyword and content.
func (s *Store) ListSnippets(search string) ([]Snippet, error) {
	query := `SELECT ` + snippetColumns + ` FROM snippets`
	var args []any
	if search != "" {
		pattern := "%" + escapeLike(search) + "%"
		query += ` WHERE name LIKE ? ESCAPE '\' OR keyword LIKE ? ESCAPE '\' OR content LIKE ? ESCAPE '\'`
		args = append(args, pattern, pattern, pattern)
	}
	query += ` ORDER BY last_used_at DESC, updated_at DESC, id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snippets: %w", err)
	}
	defer rows.Close()

	return scanSnippets(rows)
}

// GetSnippet retrieves a snippet by ID. It returns nil when none exists.
func (s *Store) GetSnippet(id int64) (*Snippet, error) {
	return s.findOne("get snippet", `id = ?`, id)
}

// FindSnippetByKeyword retrieves a snippet by exact keyword.
func (s *Store) FindSnippetByKeyword(keyword string) (*Snippet, error) {
	return s.findOne("find snippet by keyword", `keyword = ?`, keyword)
}

// FindSnippetByName retrieves the most recently updated snippet with the
// exact name.
func (s *Store) FindSnippetByName(name string) (*Snippet, error) {
	return s.findOne("find snippet by name", `name = ?`, name)
}

func (s *Store) findOne(op, where string, arg any) (*Snippet, error) {
	row := s.db.QueryRow(`SELECT `+snippetColumns+` FROM snippets WHERE `+where+
		` ORDER BY updated_at DESC LIMIT 1`, arg)

	sn, err := scanSnippet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sn, nil
}

// MarkUsed increments the usage counter of a snippet.
func (s *Store) MarkUsed(id int64) error {
	result, err := s.db.Exec(`
		UPDATE snippets SET times_used = times_used + 1, last_used_at = ?
		WHERE id = ?`,
		time.Now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("mark snippet used: %w", err)
	}
	return expectOneRow(result, "mark snippet used")
}

// CountSnippets returns the number of stored snippets.
func (s *Store) CountSnippets() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM snippets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snippets: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnippet(row rowScanner) (*Snippet, error) {
	var (
		sn               Snippet
		created, updated int64
		lastUsed         sql.NullInt64
	)
	if err := row.Scan(&sn.ID, &sn.Name, &sn.Keyword, &sn.Content, &created, &updated, &sn.TimesUsed, &lastUsed); err != nil {
		return nil, err
	}
	sn.CreatedAt = fromUnixNano(created)
	sn.UpdatedAt = fromUnixNano(updated)
	if lastUsed.Valid {
		sn.LastUsedAt = fromUnixNano(lastUsed.Int64)
	}
	return &sn, nil
}

func scanSnippets(rows *sql.Rows) ([]Snippet, error) {
	var snippets []Snippet
	for rows.Next() {
		sn, err := scanSnippet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snippet: %w", err)
		}
		snippets = append(snippets, *sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snippets: %w", err)
	}
	return snippets, nil
}

func expectOneRow(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
