package etl

import (
	"fmt"
	"strings"
	"time"

	"github.com/BartekS5/convsync/pkg/logger"
	"github.com/BartekS5/convsync/pkg/models"
	"github.com/BartekS5/convsync/pkg/utils"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Normalizer flattens source documents into models.Record. It never fails:
// malformed fields become nulls and are reported through the logger.
type Normalizer struct {
	log *logger.Logger
}

func NewNormalizer(log *logger.Logger) *Normalizer {
	return &Normalizer{log: log}
}

// Normalize maps one document onto the flat record shape. extractedAt is the
// run-wide extraction time.
func (n *Normalizer) Normalize(doc map[string]interface{}, extractedAt time.Time) models.Record {
	extractedAt = extractedAt.UTC()

	role, text, raw := FlattenMessage(ParseMessage(doc["message"]))

	rec := models.Record{
		ID:          documentID(doc["_id"]),
		Type:        utils.OptionalString(doc["type"]),
		SessionID:   utils.OptionalString(doc["sessionId"]),
		ProjectID:   utils.OptionalString(doc["projectId"]),
		Timestamp:   n.timestamp(doc, "timestamp"),
		IngestedAt:  n.timestamp(doc, "ingestedAt"),
		ExtractedAt: extractedAt,
		MessageRole: role,
		MessageText: text,
		MessageRaw:  raw,
		SourceFile:  utils.OptionalString(doc["sourceFile"]),
	}

	switch {
	case rec.Timestamp != nil:
		rec.PartitionDate = rec.Timestamp.Format(models.DateLayout)
	case rec.IngestedAt != nil:
		rec.PartitionDate = rec.IngestedAt.Format(models.DateLayout)
	default:
		rec.PartitionDate = extractedAt.Format(models.DateLayout)
	}
	return rec
}

func (n *Normalizer) timestamp(doc map[string]interface{}, field string) *time.Time {
	val, ok := doc[field]
	if !ok || val == nil {
		return nil
	}
	t, err := utils.ParseTimestamp(val)
	if err != nil {
		n.log.Warnf("Document %s: %s: %v", documentID(doc["_id"]), field, err)
		return nil
	}
	if t == nil {
		n.log.Warnf("Document %s: %s has unsupported type %T", documentID(doc["_id"]), field, val)
	}
	return t
}

func documentID(v interface{}) string {
	switch id := v.(type) {
	case nil:
		return ""
	case primitive.ObjectID:
		return id.Hex()
	default:
		return utils.Stringify(id)
	}
}

// ParseMessage resolves the polymorphic message field into its variant.
func ParseMessage(v interface{}) models.Message {
	switch m := v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return models.Message{Kind: models.MessageAbsent}
	case string:
		return models.Message{Kind: models.MessageString, Text: m}
	}
	if obj, ok := utils.AsMap(v); ok {
		return models.Message{Kind: models.MessageObject, Object: obj}
	}
	return models.Message{Kind: models.MessageOther, Value: v}
}

// ParseContentBlock classifies one entry of a content list.
func ParseContentBlock(v interface{}) models.ContentBlock {
	if s, ok := v.(string); ok {
		return models.ContentBlock{Kind: models.BlockString, Text: s}
	}
	block, ok := utils.AsMap(v)
	if !ok {
		return models.ContentBlock{Kind: models.BlockUnknown}
	}
	switch block["type"] {
	case "text":
		return models.ContentBlock{Kind: models.BlockText, Text: block["text"]}
	case "tool_use":
		name := "unknown"
		if raw, ok := block["name"]; ok {
			name = utils.Stringify(raw)
		}
		return models.ContentBlock{Kind: models.BlockToolUse, Name: name}
	case "tool_result":
		return models.ContentBlock{Kind: models.BlockToolResult}
	default:
		return models.ContentBlock{Kind: models.BlockUnknown}
	}
}

// FlattenMessage projects a message onto (role, text, raw JSON).
func FlattenMessage(msg models.Message) (role, text, raw *string) {
	switch msg.Kind {
	case models.MessageAbsent:
		return nil, nil, nil
	case models.MessageString:
		return nil, models.StringPtr(msg.Text), nil
	case models.MessageObject:
		role = utils.OptionalString(msg.Object["role"])
		text = flattenContent(msg.Object["content"])
		return role, text, models.StringPtr(utils.ToJSON(msg.Object))
	default:
		return nil, nil, models.StringPtr(utils.ToJSON(msg.Value))
	}
}

func flattenContent(content interface{}) *string {
	if content == nil {
		return nil
	}
	if s, ok := content.(string); ok {
		return &s
	}
	items, ok := utils.AsSlice(content)
	if !ok {
		return utils.OptionalString(content)
	}

	parts := make([]string, 0, len(items))
	for _, item := range items {
		block := ParseContentBlock(item)
		switch block.Kind {
		case models.BlockText, models.BlockString:
			parts = append(parts, blockText(block.Text))
		case models.BlockToolUse:
			parts = append(parts, fmt.Sprintf("[tool_use: %s]", block.Name))
		case models.BlockToolResult:
			parts = append(parts, "[tool_result]")
		}
	}
	if len(parts) == 0 {
		return nil
	}
	joined := strings.Join(parts, "\n")
	return &joined
}

func blockText(v interface{}) string {
	if v == nil {
		return ""
	}
	return utils.Stringify(v)
}
