package ingest

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultChunkSize is the maximum chunk length in bytes.
	DefaultChunkSize = 1500
	// DefaultOverlap is the number of trailing bytes of a chunk repeated at the
	// start of the next one.
	DefaultOverlap = 200
)

const paragraphSep = "\n\n"

var blankLines = regexp.MustCompile(`\n{2,}`)

// splitParagraphs splits on blank lines and drops empty paragraphs.
func splitParagraphs(text string) []string {
	var out []string
	for _, p := range blankLines.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ChunkText packs paragraphs into chunks of at most maxSize bytes. Paragraphs
// longer than the budget are cut into overlapping windows. When overlap > 0
// and the text needs more than one chunk, every chunk after the first is
// prefixed with the last overlap bytes of its predecessor; bodies are packed
// to maxSize-overlap-2 so the prefixed chunk still fits and no text is cut.
// Cuts never split a UTF-8 rune. overlap is capped at maxSize/2-2.
// maxSize must be positive; callers validate it.
func ChunkText(text string, maxSize, overlap int) []string {
	if maxSize <= 0 {
		return nil
	}
	overlap = capOverlap(maxSize, overlap)

	chunks := pack(text, maxSize, overlap)
	if overlap == 0 || len(chunks) < 2 {
		return chunks
	}
	body := maxSize - overlap - len(paragraphSep)
	chunks = pack(text, body, overlap)
	out := make([]string, len(chunks))
	out[0] = chunks[0]
	for i := 1; i < len(chunks); i++ {
		out[i] = tail(chunks[i-1], overlap) + paragraphSep + chunks[i]
	}
	return out
}

func capOverlap(maxSize, overlap int) int {
	if limit := maxSize/2 - len(paragraphSep); overlap > limit {
		overlap = limit
	}
	return max(overlap, 0)
}

// pack greedily joins paragraphs up to size bytes and hard-splits longer ones.
func pack(text string, size, overlap int) []string {
	var chunks []string
	current := ""
	for _, p := range splitParagraphs(text) {
		if current == "" && len(p) <= size {
			current = p
			continue
		}
		if current != "" && len(current)+len(paragraphSep)+len(p) <= size {
			current += paragraphSep + p
			continue
		}
		if current != "" {
			chunks = append(chunks, current)
			current = ""
		}
		if len(p) > size {
			chunks = append(chunks, hardSplit(p, size, size-overlap)...)
		} else {
			current = p
		}
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

// hardSplit cuts p into windows of at most size bytes starting step bytes
// apart. Windows always advance by at least one rune; a single rune wider
// than size becomes its own window.
func hardSplit(p string, size, step int) []string {
	step = max(step, 1)
	var out []string
	for start := 0; start < len(p); {
		end := runeStart(p, start+size)
		if end <= start {
			end = nextRune(p, start)
		}
		out = append(out, p[start:end])
		if end == len(p) {
			break
		}
		next := runeStart(p, start+step)
		if next <= start {
			next = nextRune(p, start)
		}
		start = next
	}
	return out
}

// nextRune returns the index just past the rune starting at i.
func nextRune(s string, i int) int {
	_, w := utf8.DecodeRuneInString(s[i:])
	return i + w
}

// truncate returns the longest prefix of s no longer than n bytes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:runeStart(s, n)]
}

// tail returns the longest suffix of s no longer than n bytes.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

// runeStart moves i back to the start of the rune containing it.
func runeStart(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
