package board

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// DecodeError is returned when a payload is not a serialized snapshot
// container at all. Callers treat it as "no usable snapshot".
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("board: undecodable snapshot: %v", e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// Encode serializes s. Semantically identical snapshots encode to identical
// bytes: nil and empty collections are written the same way and duplicate
// selection entries are collapsed.
func Encode(s Snapshot) ([]byte, error) {
	n := s.Clone()
	n.SelectedBoxIDs = dedupe(n.SelectedBoxIDs)
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("board: encode: %w", err)
	}
	return data, nil
}

// Digest returns the hex BLAKE2b-256 of an encoded snapshot.
func Digest(encoded []byte) string {
	sum := blake2b.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// Decode parses data into a Snapshot. Only a payload that is not a JSON object
// fails. Every missing or malformed field is replaced by its engine default;
// malformed list elements and records without an id are dropped. Unknown keys,
// including the remote document metadata (_createdAt, _updatedBy, ...), are
// ignored.
func Decode(data []byte) (Snapshot, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return Snapshot{}, &DecodeError{Cause: err}
	}
	if root == nil {
		return Snapshot{}, &DecodeError{Cause: errors.New("payload is null")}
	}

	s := Defaults()
	s.People = decodeList(root["people"], decodePerson)
	s.Boards = decodeList(root["boards"], decodeBoard)
	s.ActiveBoardID = optStr(root["activeBoardId"])
	s.SelectedBoxIDs = dedupe(strList(root["selectedBoxIds"]))
	s.Zoom = positive(num(root["zoom"], DefaultZoom), DefaultZoom)
	s.ListCollapsed = boolean(root["listCollapsed"], false)
	s.WatermarkOpacity = num(root["wmOpacity"], DefaultWatermarkOpacity)
	s.WatermarkScale = num(root["wmScale"], DefaultWatermarkScale)
	s.SnapEnabled = boolean(root["snapEnabled"], DefaultSnapEnabled)
	s.GridSize = int(positive(num(root["gridSize"], DefaultGridSize), DefaultGridSize))

	if search := object(root["search"]); search != nil {
		s.Search.Query = str(search["query"], "")
		s.Search.Matches = strList(search["matches"])
		s.Search.Idx = int(num(search["idx"], DefaultSearchIdx))
	}
	return s, nil
}

func decodePerson(m map[string]json.RawMessage) (Person, bool) {
	id := str(m["id"], "")
	if id == "" {
		return Person{}, false
	}
	status := str(m["status"], StatusWaiting)
	if status != StatusWaiting && status != StatusAssigned {
		status = StatusWaiting
	}
	return Person{
		ID:                id,
		Name:              str(m["name"], ""),
		CreatedAt:         millis(m["createdAt"], 0),
		Status:            status,
		BoardID:           optStr(m["boardId"]),
		BoxID:             optStr(m["boxId"]),
		WaitStartedAt:     optMillis(m["waitStartedAt"]),
		AssignedStartedAt: optMillis(m["assignedStartedAt"]),
	}, true
}

func decodeBoard(m map[string]json.RawMessage) (Board, bool) {
	id := str(m["id"], "")
	if id == "" {
		return Board{}, false
	}
	return Board{
		ID:        id,
		Name:      str(m["name"], ""),
		CreatedAt: millis(m["createdAt"], 0),
		Boxes:     decodeList(m["boxes"], decodeBox),
	}, true
}

func decodeBox(m map[string]json.RawMessage) (Box, bool) {
	id := str(m["id"], "")
	if id == "" {
		return Box{}, false
	}
	box := Box{
		ID:        id,
		Title:     str(m["title"], ""),
		X:         num(m["x"], 0),
		Y:         num(m["y"], 0),
		W:         num(m["w"], DefaultBoxW),
		H:         num(m["h"], DefaultBoxH),
		Color:     str(m["color"], Palette[0]),
		CreatedAt: millis(m["createdAt"], 0),
		Text:      decodeText(object(m["text"])),
	}
	if seat := object(m["seat"]); seat != nil {
		box.Seat.PersonID = optStr(seat["personId"])
		box.Seat.StartedAt = optMillis(seat["startedAt"])
	}
	return box, true
}

func decodeText(m map[string]json.RawMessage) TextStyle {
	d := DefaultText()
	if m == nil {
		return d
	}
	return TextStyle{
		TitleSize:       num(m["titleSize"], d.TitleSize),
		TitleColor:      str(m["titleColor"], d.TitleColor),
		HeaderTimeSize:  num(m["headerTimeSize"], d.HeaderTimeSize),
		HeaderTimeColor: str(m["headerTimeColor"], d.HeaderTimeColor),
		NameSize:        num(m["nameSize"], d.NameSize),
		NameColor:       str(m["nameColor"], d.NameColor),
		SeatTimeSize:    num(m["seatTimeSize"], d.SeatTimeSize),
		SeatTimeColor:   str(m["seatTimeColor"], d.SeatTimeColor),
	}
}

// ---------- field helpers ----------

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func object(raw json.RawMessage) map[string]json.RawMessage {
	if isNull(raw) {
		return nil
	}
	var m map[string]json.RawMessage
	if json.Unmarshal(raw, &m) != nil {
		return nil
	}
	return m
}

func decodeList[T any](raw json.RawMessage, fn func(map[string]json.RawMessage) (T, bool)) []T {
	out := []T{}
	if isNull(raw) {
		return out
	}
	var elems []json.RawMessage
	if json.Unmarshal(raw, &elems) != nil {
		return out
	}
	for _, e := range elems {
		m := object(e)
		if m == nil {
			continue
		}
		if v, ok := fn(m); ok {
			out = append(out, v)
		}
	}
	return out
}

func num(raw json.RawMessage, def float64) float64 {
	if isNull(raw) {
		return def
	}
	var v float64
	if json.Unmarshal(raw, &v) != nil {
		return def
	}
	return v
}

func positive(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func millis(raw json.RawMessage, def int64) int64 {
	return int64(num(raw, float64(def)))
}

func optMillis(raw json.RawMessage) *int64 {
	if isNull(raw) {
		return nil
	}
	var v float64
	if json.Unmarshal(raw, &v) != nil {
		return nil
	}
	ms := int64(v)
	return &ms
}

func str(raw json.RawMessage, def string) string {
	if isNull(raw) {
		return def
	}
	var v string
	if json.Unmarshal(raw, &v) != nil {
		return def
	}
	return v
}

func optStr(raw json.RawMessage) *string {
	if isNull(raw) {
		return nil
	}
	var v string
	if json.Unmarshal(raw, &v) != nil {
		return nil
	}
	return &v
}

func boolean(raw json.RawMessage, def bool) bool {
	if isNull(raw) {
		return def
	}
	var v bool
	if json.Unmarshal(raw, &v) != nil {
		return def
	}
	return v
}

func strList(raw json.RawMessage) []string {
	out := []string{}
	if isNull(raw) {
		return out
	}
	var elems []json.RawMessage
	if json.Unmarshal(raw, &elems) != nil {
		return out
	}
	for _, e := range elems {
		var v string
		if isNull(e) {
			continue
		}
		if json.Unmarshal(e, &v) == nil {
			out = append(out, v)
		}
	}
	return out
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
