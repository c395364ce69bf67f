package models

import (
	"sort"
	"strings"
	"time"
)

// DocumentStatus is the processing state of a library document.
type DocumentStatus string

const (
	StatusProcessing DocumentStatus = "processing"
	StatusSuccess    DocumentStatus = "success"
	StatusFailed     DocumentStatus = "failed"
)

// Terminal reports whether no ingestion is expected to change the status.
func (s DocumentStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Document is the library's record of one uploaded file.
type Document struct {
	ID         string         `json:"id"`
	Filename   string         `json:"filename"`
	Size       int64          `json:"size"`
	Tags       []string       `json:"tags"`
	StoredPath string         `json:"-"`
	Status     DocumentStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	ChunkCount int            `json:"chunk_count"`
	Options    Options        `json:"options"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Options are the processing parameters handed to the retrieval service.
type Options struct {
	ExtractorMode string `json:"extractor_mode"`
	ChunkerMode   string `json:"chunker_mode"`
	MergeWindow   int    `json:"merge_window"`
	RechunkOnly   bool   `json:"rechunk_only,omitempty"`
}

// Capabilities describes defaults and valid ranges for Options.
type Capabilities struct {
	Defaults Options     `json:"defaults"`
	Ranges   OptionRange `json:"options"`
	// Live is false when the built-in fallback was served.
	Live bool `json:"live"`
}

type OptionRange struct {
	ExtractorModes   []string `json:"extractor_modes"`
	ChunkerModes     []string `json:"chunker_modes"`
	MergeWindowRange [2]int   `json:"merge_window_range"`
}

// NormalizeTags trims, drops empties and collapses duplicates. The result is
// sorted so equal sets compare equal.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// SplitTags parses a comma separated tag list.
func SplitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	return NormalizeTags(strings.Split(raw, ","))
}
