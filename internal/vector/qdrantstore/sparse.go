package qdrantstore

import (
	"hash/fnv"
	"sort"
	"strings"
	"unicode"
)

// sparseVector builds a bag-of-words sparse vector: each token hashes to a
// dimension index and its value is the in-document term frequency. The
// collection's IDF modifier weights terms server-side at query time.
func sparseVector(text string) ([]uint32, []float32) {
	counts := make(map[uint32]float32)
	for _, tok := range tokenize(text) {
		counts[tokenHash(tok)]++
	}
	if len(counts) == 0 {
		return nil, nil
	}

	indices := make([]uint32, 0, len(counts))
	for idx := range counts {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	values := make([]float32, len(indices))
	for i, idx := range indices {
		values[i] = counts[idx]
	}
	return indices, values
}

// tokenize lowercases and splits on non-alphanumeric runs, keeping tokens
// of at least two characters.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

func tokenHash(token string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(token))
	return h.Sum32()
}
