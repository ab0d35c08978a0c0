package quality

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/outreach/internal/models"
)

// defaultLexicon is used when no lexicon is stored
var defaultLexicon = map[string]int{
	"free":               5,
	"free money":         8,
	"act now":            6,
	"limited time":       5,
	"click here":         4,
	"buy now":            5,
	"order now":          5,
	"call now":           4,
	"apply now":          4,
	"urgent":             5,
	"guaranteed":         5,
	"risk-free":          6,
	"no obligation":      4,
	"winner":             5,
	"congratulations":    4,
	"cash":               4,
	"earn money":         6,
	"make money":         6,
	"extra income":       6,
	"double your":        6,
	"lowest price":       4,
	"special offer":      4,
	"special promotion":  4,
	"exclusive deal":     4,
	"once in a lifetime": 5,
	"this won't last":    4,
	"dear friend":        4,
	"no credit check":    6,
	"miracle":            5,
	"100% off":           5,
	"lottery":            8,
	"casino":             8,
	"viagra":             10,
}

// DefaultLexicon returns the built-in spam lexicon ordered by word
func DefaultLexicon() []models.LexiconEntry {
	entries := make([]models.LexiconEntry, 0, len(defaultLexicon))
	for word, score := range defaultLexicon {
		entries = append(entries, models.LexiconEntry{Word: word, Score: score, Active: true})
	}
	return sortedCopy(entries)
}

// lexiconFile is the YAML import format: a list of entries, where a missing
// active flag means active
type lexiconFile []struct {
	Word   string `yaml:"word"`
	Score  int    `yaml:"score"`
	Active *bool  `yaml:"active"`
}

// LoadLexiconFile reads a YAML lexicon file
func LoadLexiconFile(path string) ([]models.LexiconEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lexicon file: %w", err)
	}
	return ParseLexicon(data)
}

// ParseLexicon decodes YAML lexicon entries and validates them
func ParseLexicon(data []byte) ([]models.LexiconEntry, error) {
	var file lexiconFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse lexicon: %w", err)
	}

	entries := make([]models.LexiconEntry, 0, len(file))
	for i, item := range file {
		word := strings.ToLower(strings.TrimSpace(item.Word))
		if word == "" {
			return nil, fmt.Errorf("lexicon entry %d: word is required", i)
		}
		if item.Score <= 0 {
			return nil, fmt.Errorf("lexicon entry %q: score must be positive", word)
		}
		active := true
		if item.Active != nil {
			active = *item.Active
		}
		entries = append(entries, models.LexiconEntry{Word: word, Score: item.Score, Active: active})
	}

	return entries, nil
}

// LexiconWriter stores lexicon entries
type LexiconWriter interface {
	PutLexiconEntry(ctx context.Context, entry models.LexiconEntry) error
}

// ImportLexiconFile loads a YAML lexicon file into w. Returns the number of
// entries written.
func ImportLexiconFile(ctx context.Context, w LexiconWriter, path string) (int, error) {
	entries, err := LoadLexiconFile(path)
	if err != nil {
		return 0, err
	}
	for i, entry := range entries {
		if err := w.PutLexiconEntry(ctx, entry); err != nil {
			return i, fmt.Errorf("failed to store %q: %w", entry.Word, err)
		}
	}
	return len(entries), nil
}
