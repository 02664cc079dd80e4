package models

import "time"

// DateLayout is the layout of Record.PartitionDate.
const DateLayout = "2006-01-02"

// Record is the flat shape every source document is normalized into. The
// JSON names double as the analytical table's column names.
type Record struct {
	ID            string     `json:"_id"`
	Type          *string    `json:"type"`
	SessionID     *string    `json:"session_id"`
	ProjectID     *string    `json:"project_id"`
	Timestamp     *time.Time `json:"timestamp"`
	IngestedAt    *time.Time `json:"ingested_at"`
	ExtractedAt   time.Time  `json:"extracted_at"`
	MessageRole   *string    `json:"message_role"`
	MessageText   *string    `json:"message_content"`
	MessageRaw    *string    `json:"message_raw"`
	SourceFile    *string    `json:"source_file"`
	PartitionDate string     `json:"date"`
}

// Columns lists the stored columns in insert order; ID first.
var Columns = []string{
	"_id",
	"type",
	"session_id",
	"project_id",
	"timestamp",
	"ingested_at",
	"extracted_at",
	"message_role",
	"message_content",
	"message_raw",
	"source_file",
	"date",
}

// Supersedes reports whether r should replace other when both carry the same
// id. The later extraction wins; ties go to r, the record seen later.
func (r Record) Supersedes(other Record) bool {
	return !r.ExtractedAt.Before(other.ExtractedAt)
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
