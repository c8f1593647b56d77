package persistence

import (
	"fmt"
	"strings"
)

// valuesList builds the VALUES body of a multi-row statement:
// rows tuples of cols placeholders each, numbered from offset+1. casts, when
// non-empty, is appended to each placeholder in column order ("::uuid").
//
//	valuesList(2, 2, 1, nil) == "($2, $3), ($4, $5)"
func valuesList(rows, cols, offset int, casts []string) string {
	tuples := make([]string, 0, rows)
	for r := 0; r < rows; r++ {
		ph := make([]string, cols)
		for c := 0; c < cols; c++ {
			ph[c] = fmt.Sprintf("$%d", offset+r*cols+c+1)
			if c < len(casts) {
				ph[c] += casts[c]
			}
		}
		tuples = append(tuples, "("+strings.Join(ph, ", ")+")")
	}
	return strings.Join(tuples, ", ")
}
