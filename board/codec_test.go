package board

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/hazyhaar/boardsync/idgen"
)

func TestDecode_EmptyObjectYieldsDefaults(t *testing.T) {
	s, err := Decode([]byte(`{}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.People == nil || len(s.People) != 0 {
		t.Errorf("people: got %#v, want empty", s.People)
	}
	if s.Boards == nil || len(s.Boards) != 0 {
		t.Errorf("boards: got %#v, want empty", s.Boards)
	}
	if s.ActiveBoardID != nil {
		t.Errorf("activeBoardId: got %q, want nil", *s.ActiveBoardID)
	}
	if s.Zoom != DefaultZoom || s.WatermarkOpacity != DefaultWatermarkOpacity ||
		s.WatermarkScale != DefaultWatermarkScale || s.GridSize != DefaultGridSize ||
		s.SnapEnabled != DefaultSnapEnabled || s.ListCollapsed {
		t.Errorf("scalars not defaulted: %+v", s)
	}
	if s.Search.Idx != -1 || s.Search.Query != "" || len(s.Search.Matches) != 0 {
		t.Errorf("search: got %+v", s.Search)
	}

	want, _ := Encode(Defaults())
	got, _ := Encode(s)
	if !bytes.Equal(got, want) {
		t.Errorf("encoding differs from Defaults():\n got %s\nwant %s", got, want)
	}
}

func TestDecode_RejectsNonContainer(t *testing.T) {
	for _, in := range []string{``, `not json`, `[1,2]`, `null`, `"x"`, `{"people":`} {
		_, err := Decode([]byte(in))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("Decode(%q): got %v, want *DecodeError", in, err)
		}
	}
}

func TestDecode_MalformedFieldsFallBack(t *testing.T) {
	in := `{
		"people": "nope",
		"boards": [
			42,
			{"name": "no id"},
			{"id": "b1", "name": 7, "boxes": [{"id": "x1", "text": {"titleSize": "big"}}, "junk"]}
		],
		"activeBoardId": 12,
		"selectedBoxIds": ["x1", 3, "x1", "x2"],
		"zoom": "wide",
		"gridSize": 0,
		"snapEnabled": "yes",
		"search": {"query": "al", "matches": ["p1", null], "idx": "first"}
	}`
	s, err := Decode([]byte(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(s.People) != 0 {
		t.Errorf("people: got %d, want 0", len(s.People))
	}
	if len(s.Boards) != 1 || s.Boards[0].ID != "b1" || s.Boards[0].Name != "" {
		t.Fatalf("boards: got %+v", s.Boards)
	}
	boxes := s.Boards[0].Boxes
	if len(boxes) != 1 {
		t.Fatalf("boxes: got %d, want 1", len(boxes))
	}
	box := boxes[0]
	if box.W != DefaultBoxW || box.H != DefaultBoxH {
		t.Errorf("box size: got %vx%v", box.W, box.H)
	}
	if box.Text != DefaultText() {
		t.Errorf("box text: got %+v", box.Text)
	}
	if box.Seat.PersonID != nil || box.Seat.StartedAt != nil {
		t.Errorf("seat: got %+v", box.Seat)
	}
	if s.ActiveBoardID != nil {
		t.Errorf("activeBoardId: want nil for non-string")
	}
	if strings.Join(s.SelectedBoxIDs, ",") != "x1,x2" {
		t.Errorf("selectedBoxIds: got %v", s.SelectedBoxIDs)
	}
	if s.Zoom != DefaultZoom || s.GridSize != DefaultGridSize || s.SnapEnabled != DefaultSnapEnabled {
		t.Errorf("scalars: zoom=%v grid=%v snap=%v", s.Zoom, s.GridSize, s.SnapEnabled)
	}
	if s.Search.Query != "al" || len(s.Search.Matches) != 1 || s.Search.Idx != -1 {
		t.Errorf("search: got %+v", s.Search)
	}
}

func TestDecode_IgnoresRemoteMetadata(t *testing.T) {
	withMeta := `{"zoom":2,"_createdAt":1,"_createdBy":"a","_updatedAt":2,"_updatedBy":"b"}`
	plain := `{"zoom":2}`

	a, err := Decode([]byte(withMeta))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Decode([]byte(plain))
	if err != nil {
		t.Fatal(err)
	}
	ea, _ := Encode(a)
	eb, _ := Encode(b)
	if !bytes.Equal(ea, eb) {
		t.Fatalf("metadata leaked into snapshot:\n%s\n%s", ea, eb)
	}
	if bytes.Contains(ea, []byte("_updatedBy")) {
		t.Fatalf("encoded snapshot carries metadata: %s", ea)
	}
}

func TestEncode_Deterministic(t *testing.T) {
	s := Seed(idgen.Sequential("id"), 1700000000000)
	s.AddWaiting("p1", "Alice", 1700000000500)

	first, err := Encode(s)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(first)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Encode(decoded)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("round trip changed encoding:\n%s\n%s", first, second)
	}
	if Digest(first) != Digest(second) {
		t.Fatal("digest differs for identical encodings")
	}
}

func TestEncode_NilAndEmptyCollectionsMatch(t *testing.T) {
	a := Defaults()
	b := Defaults()
	b.People = nil
	b.Boards = nil
	b.SelectedBoxIDs = nil
	b.Search.Matches = nil

	ea, _ := Encode(a)
	eb, _ := Encode(b)
	if !bytes.Equal(ea, eb) {
		t.Fatalf("nil vs empty encode differently:\n%s\n%s", ea, eb)
	}
}

func TestEncode_SelectionDuplicatesCollapse(t *testing.T) {
	a := Defaults()
	a.SelectedBoxIDs = []string{"b1", "b2"}
	b := Defaults()
	b.SelectedBoxIDs = []string{"b1", "b2", "b1"}

	ea, _ := Encode(a)
	eb, _ := Encode(b)
	if !bytes.Equal(ea, eb) {
		t.Fatalf("duplicate selection changed encoding:\n%s\n%s", ea, eb)
	}
}

func TestDigest_Length(t *testing.T) {
	if got := len(Digest([]byte("{}"))); got != 64 {
		t.Fatalf("digest length: got %d, want 64", got)
	}
}
