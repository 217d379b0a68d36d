package main

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const idProperty = "_id"

type conditionKind int

const (
	// conditionUnbounded selects every document in the collection.
	conditionUnbounded conditionKind = iota
	// conditionAfterID selects documents whose _id strictly exceeds the
	// checkpointed ObjectID. Relies on ObjectIDs being creation-ordered.
	conditionAfterID
	// conditionDateWindow selects documents whose date field is on or after
	// the start of a trailing calendar window. This re-scans the whole
	// window every pass rather than resuming from a cursor, which bounds
	// the re-sync but is not incremental. Kept as the original behavior.
	conditionDateWindow
)

// resumeCondition is the query scope of one backup pass over a collection,
// fixed at resolution time.
type resumeCondition struct {
	kind      conditionKind
	afterID   primitive.ObjectID
	dateField string
	since     string
}

// filter renders the condition as a find filter.
func (c resumeCondition) filter() bson.D {
	switch c.kind {
	case conditionAfterID:
		return bson.D{{Key: idProperty, Value: bson.D{{Key: "$gt", Value: c.afterID}}}}
	case conditionDateWindow:
		return bson.D{{Key: c.dateField, Value: bson.D{{Key: "$gte", Value: c.since}}}}
	default:
		return bson.D{}
	}
}

func (c resumeCondition) String() string {
	switch c.kind {
	case conditionAfterID:
		return fmt.Sprintf("_id > %s", c.afterID.Hex())
	case conditionDateWindow:
		return fmt.Sprintf("%s >= %s", c.dateField, c.since)
	default:
		return "unbounded"
	}
}

// resolveResumeCondition computes the query scope for one pass from the
// collection's configured strategy and its checkpoint. An empty checkpoint
// under the object_id strategy means a first run and yields an unbounded
// scan.
func resolveResumeCondition(strategy *resumeStrategy, checkpoint string, today time.Time) (resumeCondition, error) {
	if strategy == nil {
		return resumeCondition{kind: conditionUnbounded}, nil
	}

	switch strategy.Method {
	case methodObjectID:
		if checkpoint == "" {
			return resumeCondition{kind: conditionUnbounded}, nil
		}
		id, err := primitive.ObjectIDFromHex(checkpoint)
		if err != nil {
			return resumeCondition{}, fmt.Errorf("invalid checkpoint %q: %w", checkpoint, err)
		}
		return resumeCondition{kind: conditionAfterID, afterID: id}, nil

	case methodDateDelta:
		delta, err := windowDelta(strategy.Unit, strategy.Value)
		if err != nil {
			return resumeCondition{}, err
		}
		since := today.Add(-delta).Format("2006-01-02")
		return resumeCondition{
			kind:      conditionDateWindow,
			dateField: strategy.dateField(),
			since:     since,
		}, nil

	default:
		return resumeCondition{}, fmt.Errorf("invalid resume method %q", strategy.Method)
	}
}

// windowDelta converts a calendar unit and count into a duration. Months are
// approximated as 30 days, matching the trailing-window re-sync intent
// rather than exact calendar arithmetic.
func windowDelta(unit string, value int) (time.Duration, error) {
	if value <= 0 {
		return 0, fmt.Errorf("window value must be positive, got %d", value)
	}

	day := 24 * time.Hour
	switch unit {
	case "days":
		return time.Duration(value) * day, nil
	case "weeks":
		return time.Duration(value) * 7 * day, nil
	case "months":
		return time.Duration(value) * 30 * day, nil
	default:
		return 0, fmt.Errorf("invalid window unit %q (want days, weeks or months)", unit)
	}
}
