// Package names assigns human-friendly display names to sessions.
package names

import (
	"strconv"
	"strings"
)

// pool is the curated set of display names handed out in order. Names read
// well in topic titles and stay short enough for narrow clients.
var pool = []string{
	"Ada", "Blue", "Cleo", "Dash", "Echo", "Fern", "Gus", "Hazel",
	"Iris", "Juno", "Kip", "Luna", "Milo", "Nova", "Opal", "Pax",
	"Quill", "Remy", "Sage", "Tulip", "Uma", "Vesper", "Wren", "Zuko",
}

// Assign picks the first pool name not already in use, comparing
// case-insensitively. Once the pool is exhausted it falls back to numeric
// suffixes ("Ada-2", "Blue-2", ...), so it always returns a unique name.
func Assign(inUse []string) string {
	taken := make(map[string]bool, len(inUse))
	for _, n := range inUse {
		taken[strings.ToLower(n)] = true
	}

	for round := 1; ; round++ {
		for _, base := range pool {
			name := base
			if round > 1 {
				name = base + "-" + strconv.Itoa(round)
			}
			if !taken[strings.ToLower(name)] {
				return name
			}
		}
	}
}

// Taken reports whether name collides with any in-use name,
// case-insensitively.
func Taken(name string, inUse []string) bool {
	for _, n := range inUse {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
