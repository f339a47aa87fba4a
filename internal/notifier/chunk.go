package notifier

import "strings"

// SplitBlocks splits text into chunks of at most limit runes, preferring
// paragraph and then sentence boundaries. A sentence longer than limit is
// cut and marked with "...".
func SplitBlocks(text string, limit int) []string {
	if limit <= 0 || runeLen(text) <= limit {
		return []string{text}
	}

	var chunks []string
	current := ""
	for _, paragraph := range strings.Split(text, "\n\n") {
		candidate := join(current, paragraph, "\n\n")
		if runeLen(candidate) <= limit {
			current = candidate
			continue
		}
		if current != "" {
			chunks = append(chunks, current)
			current = ""
			if runeLen(paragraph) <= limit {
				current = paragraph
				continue
			}
		}

		sentenceChunk := ""
		for _, sentence := range strings.Split(paragraph, ". ") {
			candidate = join(sentenceChunk, sentence, ". ")
			switch {
			case runeLen(candidate) <= limit:
				sentenceChunk = candidate
			case sentenceChunk != "" && runeLen(sentence) <= limit:
				chunks = append(chunks, sentenceChunk)
				sentenceChunk = sentence
			default:
				if sentenceChunk != "" {
					chunks = append(chunks, sentenceChunk)
					sentenceChunk = ""
				}
				chunks = append(chunks, truncate(sentence, limit))
			}
		}
		current = sentenceChunk
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}

func join(a, b, sep string) string {
	if a == "" {
		return b
	}
	return a + sep + b
}

func runeLen(s string) int {
	return len([]rune(s))
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}
