package recognizer

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// HallucinationFilter drops segments whose full text exactly matches a known
// model hallucination ("thanks for watching", subtitle credits and the like).
// Matching is case-insensitive on trimmed text.
type HallucinationFilter struct {
	phrases map[string]struct{}
}

// LoadHallucinationFilter reads one phrase per line from each file, skipping
// blanks and # comments. Duplicate phrases across files collapse into one
// entry. A missing file is an error; an empty file list yields a filter that
// drops nothing.
func LoadHallucinationFilter(paths []string) (*HallucinationFilter, error) {
	f := &HallucinationFilter{phrases: make(map[string]struct{})}
	for _, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open hallucination file: %w", err)
		}
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := normalizePhrase(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			f.phrases[line] = struct{}{}
		}
		err = scanner.Err()
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("read hallucination file %s: %w", path, err)
		}
	}
	return f, nil
}

// IsHallucination reports whether text exactly matches a loaded phrase.
func (f *HallucinationFilter) IsHallucination(text string) bool {
	_, ok := f.phrases[normalizePhrase(text)]
	return ok
}

// Size returns the number of distinct loaded phrases.
func (f *HallucinationFilter) Size() int { return len(f.phrases) }

func normalizePhrase(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
