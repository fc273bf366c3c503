package atom

import (
	"encoding/json"
	"fmt"

	"weavelab/cas"
)

// OpType is the wire discriminator of an operation.
type OpType int

const (
	TypeRoot    OpType = 0
	TypeBot     OpType = 1
	TypeTag     OpType = 2
	TypeValue   OpType = 3
	TypeDelete  OpType = 4
	TypeInsert  OpType = 5
	TypeTagMask OpType = 6
)

func (t OpType) String() string {
	switch t {
	case TypeRoot:
		return "root"
	case TypeBot:
		return "bot"
	case TypeTag:
		return "tag"
	case TypeValue:
		return "value"
	case TypeDelete:
		return "delete"
	case TypeInsert:
		return "insert"
	case TypeTagMask:
		return "tagMask"
	default:
		return fmt.Sprintf("op(%d)", int(t))
	}
}

// Op is the closed set of operations an atom can carry. Only the types in
// this package implement it.
type Op interface {
	Type() OpType
	isOp()
}

// Root is the operation of a tree's root atom.
type Root struct{}

// Bot declares an entity.
type Bot struct {
	ID string `json:"id"`
}

// Tag declares a tag root under a bot.
type Tag struct {
	Name string `json:"name"`
}

// TagMask declares a tag addressable without walking through a bot node.
type TagMask struct {
	BotID string `json:"botId"`
	Name  string `json:"name"`
}

// Value declares the root value of a tag. Initial must be JSON-encodable.
type Value struct {
	Initial any `json:"initial"`
}

// Insert inserts Text at rune offset Index of the parent's own text.
type Insert struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Delete tombstones runes [Start, End) of the parent's own text, or the whole
// parent when no range is given.
type Delete struct {
	Start *int `json:"start,omitempty"`
	End   *int `json:"end,omitempty"`
}

// DeleteRange returns a ranged Delete.
func DeleteRange(start, end int) Delete {
	return Delete{Start: &start, End: &end}
}

// IsRanged reports whether the delete targets a sub-range.
func (d Delete) IsRanged() bool {
	return d.Start != nil || d.End != nil
}

// Bounds resolves the range against a text of length n, clamping to [0, n].
func (d Delete) Bounds(n int) (int, int) {
	start, end := 0, n
	if d.Start != nil {
		start = *d.Start
	}
	if d.End != nil {
		end = *d.End
	}
	start = min(max(start, 0), n)
	end = min(max(end, start), n)
	return start, end
}

func (Root) Type() OpType    { return TypeRoot }
func (Bot) Type() OpType     { return TypeBot }
func (Tag) Type() OpType     { return TypeTag }
func (TagMask) Type() OpType { return TypeTagMask }
func (Value) Type() OpType   { return TypeValue }
func (Insert) Type() OpType  { return TypeInsert }
func (Delete) Type() OpType  { return TypeDelete }

func (Root) isOp()    {}
func (Bot) isOp()     {}
func (Tag) isOp()     {}
func (TagMask) isOp() {}
func (Value) isOp()   {}
func (Insert) isOp()  {}
func (Delete) isOp()  {}

func marshalOp(op Op) (json.RawMessage, error) {
	if op == nil {
		return nil, ErrInvalidOp
	}
	var body any
	switch v := op.(type) {
	case Root:
		body = struct {
			Type OpType `json:"type"`
		}{v.Type()}
	case Bot:
		body = struct {
			Type OpType `json:"type"`
			Bot
		}{v.Type(), v}
	case Tag:
		body = struct {
			Type OpType `json:"type"`
			Tag
		}{v.Type(), v}
	case TagMask:
		body = struct {
			Type OpType `json:"type"`
			TagMask
		}{v.Type(), v}
	case Value:
		body = struct {
			Type OpType `json:"type"`
			Value
		}{v.Type(), v}
	case Insert:
		body = struct {
			Type OpType `json:"type"`
			Insert
		}{v.Type(), v}
	case Delete:
		body = struct {
			Type OpType `json:"type"`
			Delete
		}{v.Type(), v}
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidOp, op)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s op: %w", op.Type(), err)
	}
	return data, nil
}

// DecodeOp decodes a serialized operation by its type discriminator.
func DecodeOp(data []byte) (Op, error) {
	var head struct {
		Type *OpType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	if head.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidOp)
	}
	switch *head.Type {
	case TypeRoot:
		return Root{}, nil
	case TypeBot:
		return decodeInto[Bot](data)
	case TypeTag:
		return decodeInto[Tag](data)
	case TypeTagMask:
		return decodeInto[TagMask](data)
	case TypeValue:
		return decodeInto[Value](data)
	case TypeInsert:
		return decodeInto[Insert](data)
	case TypeDelete:
		return decodeInto[Delete](data)
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrInvalidOp, int(*head.Type))
	}
}

// decodeInto keeps numeric Value initials as json.Number so the op re-encodes
// to the bytes it was hashed from.
func decodeInto[T Op](data []byte) (Op, error) {
	var op T
	if err := cas.DecodeJSON(data, &op); err != nil {
		return nil, err
	}
	return op, nil
}
