package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const historyColumns = `id, hash, content_type, content, encrypted, size_bytes, first_copied_at, last_copied_at, times_copied, pinned`

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// RecordClipboard adds a text observation to the clipboard history. Copying
// text already present bumps its recency and copy count instead.
func (s *Store) RecordClipboard(text string) error {
	if text == "" {
		return nil
	}

	payload := []byte(text)
	encrypted := false
	s.mu.RLock()
	sl := s.sealer
	s.mu.RUnlock()
	if sl != nil {
		sealed, err := sl.seal(payload)
		if err != nil {
			return fmt.Errorf("seal clipboard item: %w", err)
		}
		payload = sealed
		encrypted = true
	}

	now := time.Now().UnixNano()
	_, err := s.db.Exec(`
		INSERT INTO clipboard_history (hash, content_type, content, encrypted, size_bytes, first_copied_at, last_copied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			last_copied_at = excluded.last_copied_at,
			times_copied = times_copied + 1`,
		contentHash(text), ContentTypeText, payload, encrypted, len(text), now, now,
	)
	if err != nil {
		return fmt.Errorf("record clipboard item: %w", err)
	}
	return nil
}

// ContentByOffset returns the text of the n-th most recent history entry,
// where 0 is the latest. The boolean is false when no such entry exists.
func (s *Store) ContentByOffset(n int) (string, bool, error) {
	if n < 0 {
		return "", false, nil
	}
	row := s.db.QueryRow(`SELECT `+historyColumns+` FROM clipboard_history
		ORDER BY last_copied_at DESC, id DESC LIMIT 1 OFFSET ?`, n)

	item, err := s.scanClipboardItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get clipboard item by offset: %w", err)
	}
	return item.Content, true, nil
}

// ListClipboardHistory returns up to limit entries, most recent first.
func (s *Store) ListClipboardHistory(limit int) ([]ClipboardItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+historyColumns+` FROM clipboard_history
		ORDER BY pinned DESC, last_copied_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list clipboard history: %w", err)
	}
	defer rows.Close()

	var items []ClipboardItem
	for rows.Next() {
		item, err := s.scanClipboardItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan clipboard item: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clipboard history: %w", err)
	}
	return items, nil
}

// SetClipboardPinned pins or unpins a history entry.
func (s *Store) SetClipboardPinned(id int64, pinned bool) error {
	result, err := s.db.Exec(`UPDATE clipboard_history SET pinned = ? WHERE id = ?`, pinned, id)
	if err != nil {
		return fmt.Errorf("pin clipboard item: %w", err)
	}
	return expectOneRow(result, "pin clipboard item")
}

// ClearClipboardHistory removes every unpinned entry.
func (s *Store) ClearClipboardHistory() (int64, error) {
	result, err := s.db.Exec(`DELETE FROM clipboard_history WHERE pinned = 0`)
	if err != nil {
		return 0, fmt.Errorf("clear clipboard history: %w", err)
	}
	return result.RowsAffected()
}

// PruneClipboardHistory keeps the max most recent unpinned entries.
func (s *Store) PruneClipboardHistory(max int) (int64, error) {
	if max <= 0 {
		return 0, nil
	}
	result, err := s.db.Exec(`
		DELETE FROM clipboard_history WHERE pinned = 0 AND id NOT IN (
			SELECT id FROM clipboard_history WHERE pinned = 0
			ORDER BY last_copied_at DESC, id DESC LIMIT ?
		)`, max)
	if err != nil {
		return 0, fmt.Errorf("prune clipboard history: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) scanClipboardItem(row rowScanner) (*ClipboardItem, error) {
	var (
		item        ClipboardItem
		payload     []byte
		encrypted   bool
		first, last int64
	)
	if err := row.Scan(&item.ID, &item.Hash, &item.ContentType, &payload, &encrypted,
		&item.SizeBytes, &first, &last, &item.TimesCopied, &item.Pinned); err != nil {
		return nil, err
	}
	item.FirstCopiedAt = fromUnixNano(first)
	item.LastCopiedAt = fromUnixNano(last)

	if encrypted {
		s.mu.RLock()
		sl := s.sealer
		s.mu.RUnlock()
		if sl == nil {
			return nil, fmt.Errorf("%w: no key loaded", ErrDecrypt)
		}
		plain, err := sl.open(payload)
		if err != nil {
			return nil, err
		}
		payload = plain
	}
	item.Content = string(payload)
	return &item, nil
}
