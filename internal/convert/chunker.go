package convert

// Chunk is one bounded piece of the text, processed as a single synthesis
// unit.
type Chunk struct {
	Index   int
	Content string
}

// Split cuts text into fixed-size rune windows, preserving order. Text at or
// under the limit comes back as a single chunk. Windows are counted in runes
// so multi-byte scripts never split mid-character.
func Split(text string, limit int) []Chunk {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []Chunk{{Index: 0, Content: text}}
	}
	chunks := make([]Chunk, 0, (len(runes)+limit-1)/limit)
	for i := 0; i < len(runes); i += limit {
		end := i + limit
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Content: string(runes[i:end])})
	}
	return chunks
}
