package etl

import (
	"fmt"
	"time"

	"github.com/BartekS5/convsync/pkg/models"
)

// Validator decides whether a staged record can be written to the
// analytical table.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// ValidateRecord checks the primary key and the partition column, the only
// fields the table cannot store as null.
func (v *Validator) ValidateRecord(rec models.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("missing required ID field: _id")
	}
	if _, err := time.Parse(models.DateLayout, rec.PartitionDate); err != nil {
		return fmt.Errorf("record %s: invalid partition date %q", rec.ID, rec.PartitionDate)
	}
	if rec.ExtractedAt.IsZero() {
		return fmt.Errorf("record %s: missing extraction time", rec.ID)
	}
	return nil
}
