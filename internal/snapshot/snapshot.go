// Package snapshot discovers, tracks and packs essay snapshot triplets.
package snapshot

import (
	"fmt"
	"strings"
	"time"

	"github.com/essaylake/essaylake/pkg/types"
)

// TimestampLayout is the sortable timestamp encoding written by the packer.
const TimestampLayout = "20060102_150405"

// CompressedSuffix marks a Snappy framed file.
const CompressedSuffix = ".sz"

// Snapshot is one coherent triplet of essays, prompts and schools files
// sharing a prefix and timestamp. Paths are object paths in storage.
type Snapshot struct {
	Prefix    string `json:"prefix"`
	Timestamp string `json:"timestamp"`
	Essays    string `json:"essays"`
	Prompts   string `json:"prompts"`
	Schools   string `json:"schools"`
}

// Path returns the object path of the named table.
func (s *Snapshot) Path(table string) string {
	switch table {
	case types.TableEssays:
		return s.Essays
	case types.TablePrompts:
		return s.Prompts
	case types.TableSchools:
		return s.Schools
	}
	return ""
}

// Files returns the object paths in table order.
func (s *Snapshot) Files() []string {
	return []string{s.Essays, s.Prompts, s.Schools}
}

// ID identifies the snapshot across prefixes.
func (s *Snapshot) ID() string {
	return MakeID(s.Prefix, s.Timestamp)
}

// MakeID builds the identifier of the snapshot with prefix and timestamp.
func MakeID(prefix, timestamp string) string {
	if prefix == "" {
		return timestamp
	}
	return prefix + "_" + timestamp
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("snapshot(%s)", s.ID())
}

// FileName builds the file name of one table of a snapshot.
func FileName(prefix, timestamp, table, ext string) string {
	if prefix == "" {
		return fmt.Sprintf("%s_%s.%s", timestamp, table, ext)
	}
	return fmt.Sprintf("%s_%s_%s.%s", prefix, timestamp, table, ext)
}

// FormatTimestamp encodes t with TimestampLayout in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ValidTimestamp reports whether ts is encoded with TimestampLayout.
func ValidTimestamp(ts string) bool {
	if len(ts) != len(TimestampLayout) {
		return false
	}
	_, err := time.Parse(TimestampLayout, ts)
	return err == nil
}

// IsCompressed reports whether a snapshot file is Snappy compressed.
func IsCompressed(name string) bool {
	return strings.HasSuffix(name, CompressedSuffix)
}
