package datapipe

import (
	"go.mongodb.org/mongo-driver/bson"
)

// Tag identifies the shape of a single Tape frame. Every operator that
// has state to checkpoint writes a self-describing prefix so a reload
// against a different operator graph is detected rather than silently
// mis-restored.
type Tag uint8

const (
	TagInt Tag = iota + 1
	TagFloat
	TagString
	TagBytes
	TagList
	TagMap
	TagRecord
	TagOperator
)

// List and Map are the tape's typed container values. They alias the
// mongo-driver's own dynamic BSON types directly, rather than plain
// []any/map[string]any, so nested values round-trip through bson.Marshal
// without a manual conversion step.
type List = bson.A
type Map = bson.M

type frame struct {
	Tag  Tag    `bson:"t"`
	Data []byte `bson:"d"`
}

type wrapped struct {
	V any `bson:"v"`
}

// Tape is an ordered, typed, append-only log with a read cursor. Writes
// append a new frame; reads consume the frame at the cursor and advance
// it. The cursor position is the entirety of a tape's checkpoint state.
type Tape struct {
	frames []frame
	pos    int
}

// NewTape returns an empty tape ready for writing.
func NewTape() *Tape {
	return &Tape{}
}

// TapeFromBytes decodes a tape previously serialized with Tape.Bytes.
func TapeFromBytes(b []byte) (*Tape, error) {
	var doc struct {
		Frames []frame `bson:"frames"`
	}
	if len(b) == 0 {
		return NewTape(), nil
	}
	if err := bson.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return &Tape{frames: doc.Frames}, nil
}

// Bytes serializes the tape's full frame log (not just the unread
// suffix) so the caller can persist it as an opaque blob.
func (t *Tape) Bytes() ([]byte, error) {
	return bson.Marshal(struct {
		Frames []frame `bson:"frames"`
	}{Frames: t.frames})
}

// Rewind resets the read cursor to the start of the tape without
// discarding any frames, so a tape can be recorded once and reloaded by
// more than one Source during resumption tests.
func (t *Tape) Rewind() { t.pos = 0 }

// Exhausted reports whether every frame has been consumed.
func (t *Tape) Exhausted() bool { return t.pos >= len(t.frames) }

func (t *Tape) write(tag Tag, v any) error {
	data, err := bson.Marshal(wrapped{V: v})
	if err != nil {
		return err
	}
	t.frames = append(t.frames, frame{Tag: tag, Data: data})
	return nil
}

func (t *Tape) read(tag Tag) (any, error) {
	if t.pos >= len(t.frames) {
		return nil, ErrTapeExhausted
	}
	f := t.frames[t.pos]
	if f.Tag != tag {
		return nil, ErrTapeTypeMismatch
	}
	var w wrapped
	if err := bson.Unmarshal(f.Data, &w); err != nil {
		return nil, err
	}
	t.pos++
	return w.V, nil
}

func (t *Tape) WriteInt(v int64) error      { return t.write(TagInt, v) }
func (t *Tape) WriteFloat(v float64) error  { return t.write(TagFloat, v) }
func (t *Tape) WriteString(v string) error  { return t.write(TagString, v) }
func (t *Tape) WriteBytes(v []byte) error   { return t.write(TagBytes, v) }
func (t *Tape) WriteList(v List) error      { return t.write(TagList, v) }
func (t *Tape) WriteMap(v Map) error        { return t.write(TagMap, v) }
func (t *Tape) WriteRecordBytes(v []byte) error { return t.write(TagRecord, v) }

// WriteOperatorTag records the structural identity of the operator
// writing this segment of the tape (a small per-operator-kind constant).
// ReadOperatorTag rejects a mismatching id with ErrCorruptedCheckpoint.
func (t *Tape) WriteOperatorTag(id int64) error { return t.write(TagOperator, id) }

func (t *Tape) ReadInt() (int64, error) {
	v, err := t.read(TagInt)
	if err != nil {
		return 0, err
	}
	return asInt64(v), nil
}

func (t *Tape) ReadFloat() (float64, error) {
	v, err := t.read(TagFloat)
	if err != nil {
		return 0, err
	}
	f, _ := v.(float64)
	return f, nil
}

func (t *Tape) ReadString() (string, error) {
	v, err := t.read(TagString)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

func (t *Tape) ReadBytes() ([]byte, error) {
	v, err := t.read(TagBytes)
	if err != nil {
		return nil, err
	}
	b, _ := v.(bson.Binary)
	if b.Data != nil {
		return b.Data, nil
	}
	raw, _ := v.([]byte)
	return raw, nil
}

func (t *Tape) ReadList() (List, error) {
	v, err := t.read(TagList)
	if err != nil {
		return nil, err
	}
	l, _ := v.(bson.A)
	return l, nil
}

func (t *Tape) ReadMap() (Map, error) {
	v, err := t.read(TagMap)
	if err != nil {
		return nil, err
	}
	m, _ := v.(bson.M)
	if m == nil {
		if d, ok := v.(bson.D); ok {
			m = d.Map()
		}
	}
	return m, nil
}

func (t *Tape) ReadRecordBytes() ([]byte, error) {
	v, err := t.read(TagRecord)
	if err != nil {
		return nil, err
	}
	b, _ := v.(bson.Binary)
	if b.Data != nil {
		return b.Data, nil
	}
	raw, _ := v.([]byte)
	return raw, nil
}

// ReadOperatorTag consumes a structural tag frame and verifies it
// matches want, failing loudly with ErrCorruptedCheckpoint on mismatch
// (rather than silently misinterpreting the frames that follow).
func (t *Tape) ReadOperatorTag(want int64) error {
	v, err := t.read(TagOperator)
	if err != nil {
		if err == ErrTapeTypeMismatch || err == ErrTapeExhausted {
			return ErrCorruptedCheckpoint
		}
		return err
	}
	if asInt64(v) != want {
		return ErrCorruptedCheckpoint
	}
	return nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}
