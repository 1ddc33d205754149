package presence

import "hash/fnv"

// palette holds the display colors assigned to editors. Two users may
// share a color; only determinism matters, same userId must yield the
// same color on every device and session.
var palette = []string{
	"#e6194b", // red
	"#3cb44b", // green
	"#4363d8", // blue
	"#f58231", // orange
	"#911eb4", // purple
	"#42d4f4", // cyan
	"#f032e6", // magenta
	"#9a6324", // brown
	"#469990", // teal
	"#808000", // olive
}

func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
