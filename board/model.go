// Package board defines the replicated seating-board snapshot: people, boards,
// boxes, seating and view settings, plus the codec used to move it between
// memory, the local store, peers and the remote document.
//
// A Snapshot is a plain value. The replication engine only ever replaces it
// wholesale; cross references (box seat ↔ person assignment) are maintained
// by the caller that mutates it.
package board

// Person status values.
const (
	StatusWaiting  = "waiting"
	StatusAssigned = "assigned"
)

// Layout and view defaults.
const (
	DefaultBoxW             = 190
	DefaultBoxH             = 130
	DefaultZoom             = 1.0
	DefaultWatermarkOpacity = 0.18
	DefaultWatermarkScale   = 1.0
	DefaultGridSize         = 16
	DefaultSnapEnabled      = true
	DefaultSearchIdx        = -1
)

// Palette is the set of box colors handed out in order.
var Palette = []string{
	"#2b325a", "#233a6b", "#274e6e", "#1f5a52", "#2f5c3b", "#4b5b2a", "#6b4c23", "#6b2b2b",
	"#3a2b6b", "#5a2b6b", "#6b2b4f", "#6b2b33", "#2b6b66", "#2b6b3d", "#4a6b2b", "#6b6a2b",
}

// Snapshot is the complete replicated document at one instant.
type Snapshot struct {
	People           []Person `json:"people"`
	Boards           []Board  `json:"boards"`
	ActiveBoardID    *string  `json:"activeBoardId"`
	SelectedBoxIDs   []string `json:"selectedBoxIds"`
	Zoom             float64  `json:"zoom"`
	ListCollapsed    bool     `json:"listCollapsed"`
	WatermarkOpacity float64  `json:"wmOpacity"`
	WatermarkScale   float64  `json:"wmScale"`
	SnapEnabled      bool     `json:"snapEnabled"`
	GridSize         int      `json:"gridSize"`
	Search           Search   `json:"search"`
}

// Person is someone waiting for, or sitting at, a box.
// BoardID and BoxID are set iff Status is StatusAssigned.
type Person struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	CreatedAt         int64   `json:"createdAt"`
	Status            string  `json:"status"`
	BoardID           *string `json:"boardId"`
	BoxID             *string `json:"boxId"`
	WaitStartedAt     *int64  `json:"waitStartedAt"`
	AssignedStartedAt *int64  `json:"assignedStartedAt"`
}

// Board is a named layout of boxes.
type Board struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
	Boxes     []Box  `json:"boxes"`
}

// Box is a seat on a board.
type Box struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	W         float64   `json:"w"`
	H         float64   `json:"h"`
	Color     string    `json:"color"`
	CreatedAt int64     `json:"createdAt"`
	Seat      Seat      `json:"seat"`
	Text      TextStyle `json:"text"`
}

// Seat records who occupies a box and since when.
type Seat struct {
	PersonID  *string `json:"personId"`
	StartedAt *int64  `json:"startedAt"`
}

// TextStyle holds the per-box font sizes and colors.
type TextStyle struct {
	TitleSize       float64 `json:"titleSize"`
	TitleColor      string  `json:"titleColor"`
	HeaderTimeSize  float64 `json:"headerTimeSize"`
	HeaderTimeColor string  `json:"headerTimeColor"`
	NameSize        float64 `json:"nameSize"`
	NameColor       string  `json:"nameColor"`
	SeatTimeSize    float64 `json:"seatTimeSize"`
	SeatTimeColor   string  `json:"seatTimeColor"`
}

// Search is the transient list search state.
type Search struct {
	Query   string   `json:"query"`
	Matches []string `json:"matches"`
	Idx     int      `json:"idx"`
}

// DefaultText returns the default box text style.
func DefaultText() TextStyle {
	return TextStyle{
		TitleSize:       34,
		TitleColor:      "#ffffff",
		HeaderTimeSize:  12,
		HeaderTimeColor: "#a9b0d6",
		NameSize:        16,
		NameColor:       "#e9ecff",
		SeatTimeSize:    14,
		SeatTimeColor:   "#dbe0ff",
	}
}

// Defaults returns a snapshot with engine-default scalars and empty collections.
func Defaults() Snapshot {
	return Snapshot{
		People:           []Person{},
		Boards:           []Board{},
		SelectedBoxIDs:   []string{},
		Zoom:             DefaultZoom,
		WatermarkOpacity: DefaultWatermarkOpacity,
		WatermarkScale:   DefaultWatermarkScale,
		SnapEnabled:      DefaultSnapEnabled,
		GridSize:         DefaultGridSize,
		Search:           Search{Matches: []string{}, Idx: DefaultSearchIdx},
	}
}

// Clone returns a deep copy. Collections in the copy are never nil.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.People = make([]Person, len(s.People))
	for i, p := range s.People {
		p.BoardID = cloneStr(p.BoardID)
		p.BoxID = cloneStr(p.BoxID)
		p.WaitStartedAt = cloneInt(p.WaitStartedAt)
		p.AssignedStartedAt = cloneInt(p.AssignedStartedAt)
		out.People[i] = p
	}
	out.Boards = make([]Board, len(s.Boards))
	for i, b := range s.Boards {
		boxes := make([]Box, len(b.Boxes))
		for j, box := range b.Boxes {
			box.Seat.PersonID = cloneStr(box.Seat.PersonID)
			box.Seat.StartedAt = cloneInt(box.Seat.StartedAt)
			boxes[j] = box
		}
		b.Boxes = boxes
		out.Boards[i] = b
	}
	out.ActiveBoardID = cloneStr(s.ActiveBoardID)
	out.SelectedBoxIDs = append([]string{}, s.SelectedBoxIDs...)
	out.Search.Matches = append([]string{}, s.Search.Matches...)
	return out
}

// ActiveBoard returns the board named by ActiveBoardID, falling back to the
// first board. Nil when there are no boards.
func (s *Snapshot) ActiveBoard() *Board {
	if s.ActiveBoardID != nil {
		for i := range s.Boards {
			if s.Boards[i].ID == *s.ActiveBoardID {
				return &s.Boards[i]
			}
		}
	}
	if len(s.Boards) > 0 {
		return &s.Boards[0]
	}
	return nil
}

// Person returns the person with the given ID, or nil.
func (s *Snapshot) Person(id string) *Person {
	for i := range s.People {
		if s.People[i].ID == id {
			return &s.People[i]
		}
	}
	return nil
}

// Waiting returns the people whose status is StatusWaiting, in list order.
func (s *Snapshot) Waiting() []Person {
	var out []Person
	for _, p := range s.People {
		if p.Status == StatusWaiting {
			out = append(out, p)
		}
	}
	return out
}

// AddWaiting appends a waiting person and returns it.
func (s *Snapshot) AddWaiting(id, name string, nowMs int64) Person {
	t := nowMs
	p := Person{
		ID:            id,
		Name:          name,
		CreatedAt:     nowMs,
		Status:        StatusWaiting,
		WaitStartedAt: &t,
	}
	s.People = append(s.People, p)
	return p
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
