// Package store provides SQLite-backed snippet and clipboard history storage for snipd.
package store

import "time"

// Snippet is a named piece of template text expanded when its keyword is typed.
type Snippet struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Keyword    string    `json:"keyword"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	TimesUsed  int64     `json:"timesUsed"`
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
}

// ClipboardItem is one deduplicated clipboard history entry.
type ClipboardItem struct {
	ID            int64     `json:"id"`
	Hash          string    `json:"hash"`
	ContentType   string    `json:"contentType"`
	Content       string    `json:"content"`
	SizeBytes     int64     `json:"sizeBytes"`
	FirstCopiedAt time.Time `json:"firstCopiedAt"`
	LastCopiedAt  time.Time `json:"lastCopiedAt"`
	TimesCopied   int64     `json:"timesCopied"`
	Pinned        bool      `json:"pinned"`
}

// ImportResult reports the outcome of a snippet import.
type ImportResult struct {
	SnippetsAdded     int `json:"snippetsAdded"`
	DuplicatesSkipped int `json:"duplicatesSkipped"`
}

// ContentTypeText is the only content type recorded by the history monitor.
const ContentTypeText = "text"

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
