package domain

import (
	"hash/fnv"
	"strings"
)

var coursePalette = []string{
	"#1e88e5", "#43a047", "#e53935", "#8e24aa",
	"#fb8c00", "#00897b", "#3949ab", "#d81b60",
	"#6d4c41", "#546e7a", "#c0ca33", "#00acc1",
}

// CourseColor maps a course name onto the palette. Names that differ only in
// case or spacing share a color.
func CourseColor(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(normalizeName(name)))
	return coursePalette[h.Sum32()%uint32(len(coursePalette))]
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
