package identity

import "hash/fnv"

var palette = []string{
	"#E53935", "#8E24AA", "#3949AB", "#039BE5",
	"#00897B", "#7CB342", "#FDD835", "#FB8C00",
	"#6D4C41", "#546E7A", "#D81B60", "#5E35B1",
}

// ColorFor picks a stable display color for a user id.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
