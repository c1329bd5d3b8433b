package inference

import (
	"sort"
	"strconv"
)

// Entry is one ranked class.
type Entry struct {
	Index       int     `json:"index"`
	Probability float64 `json:"probability"`
	Label       string  `json:"label"`
}

// Label returns labels[index], or "Class {index}" when the table is short.
func Label(labels []string, index int) string {
	if index >= 0 && index < len(labels) && labels[index] != "" {
		return labels[index]
	}
	return "Class " + strconv.Itoa(index)
}

// TopK returns the k most probable classes, highest first. Equal
// probabilities keep ascending index order. k larger than the vector
// returns every class; k <= 0 returns none.
func TopK(probs []float64, k int, labels []string) []Entry {
	if k <= 0 {
		return []Entry{}
	}
	entries := make([]Entry, len(probs))
	for i, p := range probs {
		entries[i] = Entry{Index: i, Probability: p, Label: Label(labels, i)}
	}

	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].Probability > entries[b].Probability
	})

	if k > len(entries) {
		k = len(entries)
	}
	return entries[:k]
}
