// Package text prepares book text for synthesis: normalizing input,
// tidying passages, and splitting long runs into speakable chunks.
package text

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// ChunkBySentence splits text into chunks at sentence boundaries (., !, ?, ;),
// grouping consecutive sentences together while staying within maxChars per
// chunk. Paragraph breaks (blank lines) always start a new chunk. If maxChars
// is 0, no splitting is performed. Sentences that individually exceed maxChars
// are kept intact as a single chunk.
func ChunkBySentence(text string, maxChars int) []string {
	if maxChars <= 0 {
		return []string{text}
	}

	var chunks []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		chunks = append(chunks, chunkParagraph(para, maxChars)...)
	}
	if len(chunks) == 0 {
		return []string{strings.TrimSpace(text)}
	}
	return chunks
}

func chunkParagraph(para string, maxChars int) []string {
	sentences := splitSentences(para)
	if len(sentences) <= 1 {
		return []string{para}
	}

	var chunks []string
	var current strings.Builder

	for _, s := range sentences {
		if current.Len() == 0 {
			current.WriteString(s)
			continue
		}
		// Would appending this sentence (with a space separator) exceed the limit?
		if current.Len()+1+len(s) > maxChars {
			chunks = append(chunks, current.String())
			current.Reset()
			current.WriteString(s)
		} else {
			current.WriteByte(' ')
			current.WriteString(s)
		}
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	return chunks
}

// splitSentences splits text on sentence-ending punctuation, keeping the
// terminator attached to its sentence. Empty segments are dropped.
func splitSentences(text string) []string {
	var sentences []string
	start := 0

	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == ';' {
			s := strings.TrimSpace(text[start : i+1])
			if s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}

	// Trailing text after the last terminator (if any).
	if start < len(text) {
		s := strings.TrimSpace(text[start:])
		if s != "" {
			sentences = append(sentences, s)
		}
	}

	return sentences
}

// PrepareChunk tidies one chunk for the speech engines: newlines become
// spaces, runs of spaces collapse, the first letter is capitalized, and a
// trailing period is added when the chunk ends mid-word. Engines produce
// noticeably better prosody on terminated sentences.
func PrepareChunk(input string) string {
	s := strings.ReplaceAll(input, "\r\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	s = strings.TrimSpace(s)

	if s != "" {
		r, size := utf8.DecodeRuneInString(s)
		if r != utf8.RuneError {
			s = string(unicode.ToUpper(r)) + s[size:]
		}
	}

	if s != "" {
		last, _ := utf8.DecodeLastRuneInString(s)
		if unicode.IsLetter(last) || unicode.IsDigit(last) {
			s += "."
		}
	}

	return s
}
