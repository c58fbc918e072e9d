package board

import (
	"fmt"

	"github.com/hazyhaar/boardsync/idgen"
)

// SeedBoardName is the name of the board created on first run.
const SeedBoardName = "배치도 1"

// SeedBoxCount is the number of boxes placed on a freshly created board.
const SeedBoxCount = 6

// Seed returns the first-run snapshot: defaults plus one board holding six
// boxes laid out three per row. The board becomes the active board.
func Seed(newID idgen.Generator, nowMs int64) Snapshot {
	s := Defaults()
	b := NewBoard(newID, SeedBoardName, nowMs)
	s.Boards = append(s.Boards, b)
	id := b.ID
	s.ActiveBoardID = &id
	return s
}

// NewBoard builds a board with the default six boxes.
func NewBoard(newID idgen.Generator, name string, nowMs int64) Board {
	boxes := make([]Box, 0, SeedBoxCount)
	for i := 0; i < SeedBoxCount; i++ {
		boxes = append(boxes, Box{
			ID:        newID(),
			Title:     fmt.Sprintf("BOX %d", i+1),
			X:         float64(40 + (i%3)*240),
			Y:         float64(40 + (i/3)*200),
			W:         DefaultBoxW,
			H:         DefaultBoxH,
			Color:     Palette[i%len(Palette)],
			CreatedAt: nowMs,
			Text:      DefaultText(),
		})
	}
	return Board{ID: newID(), Name: name, CreatedAt: nowMs, Boxes: boxes}
}
