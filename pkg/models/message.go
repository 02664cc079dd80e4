package models

// MessageKind tags the shape a source document's message field arrived in.
type MessageKind int

const (
	MessageAbsent MessageKind = iota
	MessageString
	MessageObject
	MessageOther
)

func (k MessageKind) String() string {
	switch k {
	case MessageAbsent:
		return "absent"
	case MessageString:
		return "string"
	case MessageObject:
		return "object"
	default:
		return "other"
	}
}

// Message is the polymorphic message field, resolved into one variant.
// Only the fields matching Kind are set.
type Message struct {
	Kind   MessageKind
	Text   string         // MessageString
	Object map[string]any // MessageObject
	Value  any            // MessageOther
}

// BlockKind tags one entry of a message's content list.
type BlockKind int

const (
	BlockUnknown BlockKind = iota
	BlockText
	BlockToolUse
	BlockToolResult
	BlockString
)

// ContentBlock is one typed entry of a content list.
type ContentBlock struct {
	Kind BlockKind
	Text any    // BlockText: the raw "text" value; BlockString: the string itself
	Name string // BlockToolUse
}
