package engagement

import "time"

// Queryable message fields. The store contract only promises filtering on
// these.
const (
	FieldParticipantUUID = "participant_uuid"
	FieldText            = "text"
	FieldTimestamp       = "timestamp"
	FieldLastUpdated     = "last_updated"
	FieldStatus          = "status"
	FieldDataset         = "dataset"
	FieldPreviousDataset = "previous_datasets"
	FieldCodaID          = "coda_id"
	FieldOriginID        = "origin.origin_id"
	FieldMessageID       = "message_id"
)

type Op string

const (
	OpEquals         Op = "=="
	OpIn             Op = "in"
	OpGreaterThan    Op = ">"
	OpGreaterOrEqual Op = ">="
	OpArrayContains  Op = "array_contains"
)

type Condition struct {
	Field string
	Op    Op
	Value any
}

// StartPosition resumes an (last_updated, message_id)-ordered query strictly
// after the given message.
type StartPosition struct {
	LastUpdated time.Time
	MessageID   string
}

// Query is a composable, storage-agnostic filter over messages. The zero
// value matches everything.
type Query struct {
	Conditions []Condition
	OrderBy    []string
	Limit      int
	StartAfter *StartPosition
}

func NewQuery() Query {
	return Query{}
}

func (q Query) Where(field string, op Op, value any) Query {
	q.Conditions = append(q.Conditions[:len(q.Conditions):len(q.Conditions)], Condition{Field: field, Op: op, Value: value})
	return q
}

func (q Query) OrderedBy(fields ...string) Query {
	q.OrderBy = fields
	return q
}

func (q Query) WithLimit(limit int) Query {
	q.Limit = limit
	return q
}

func (q Query) StartingAfter(lastUpdated time.Time, messageID string) Query {
	q.StartAfter = &StartPosition{LastUpdated: lastUpdated, MessageID: messageID}
	return q
}

// fieldValue resolves a queryable field on a message for in-memory
// evaluation.
func fieldValue(msg Message, field string) any {
	switch field {
	case FieldParticipantUUID:
		return msg.ParticipantUUID
	case FieldText:
		return msg.Text
	case FieldTimestamp:
		return msg.Timestamp
	case FieldLastUpdated:
		return msg.LastUpdated
	case FieldStatus:
		return string(msg.Status)
	case FieldDataset:
		return msg.Dataset
	case FieldPreviousDataset:
		return msg.PreviousDatasets
	case FieldCodaID:
		return msg.CodaID
	case FieldOriginID:
		return msg.Origin.Key()
	case FieldMessageID:
		return msg.MessageID
	default:
		return nil
	}
}

func conditionMatches(msg Message, cond Condition) bool {
	value := fieldValue(msg, cond.Field)
	switch cond.Op {
	case OpEquals:
		return scalarEqual(value, cond.Value)
	case OpIn:
		for _, want := range toScalarList(cond.Value) {
			if scalarEqual(value, want) {
				return true
			}
		}
		return false
	case OpGreaterThan:
		return compareValues(value, cond.Value) > 0
	case OpGreaterOrEqual:
		return compareValues(value, cond.Value) >= 0
	case OpArrayContains:
		list, ok := value.([]string)
		if !ok {
			return false
		}
		want, ok := asString(cond.Value)
		if !ok {
			return false
		}
		for _, item := range list {
			if item == want {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func scalarEqual(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	as, aok := asString(a)
	bs, bok := asString(b)
	return aok && bok && as == bs
}

func compareValues(a, b any) int {
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}
	as, aok := asString(a)
	bs, bok := asString(b)
	if aok && bok {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		}
	}
	return 0
}

func asString(v any) (string, bool) {
	switch typed := v.(type) {
	case string:
		return typed, true
	case MessageStatus:
		return string(typed), true
	case MessageDirection:
		return string(typed), true
	default:
		return "", false
	}
}

func toScalarList(v any) []any {
	switch typed := v.(type) {
	case []any:
		return typed
	case []string:
		list := make([]any, len(typed))
		for i, item := range typed {
			list[i] = item
		}
		return list
	case []MessageStatus:
		list := make([]any, len(typed))
		for i, item := range typed {
			list[i] = item
		}
		return list
	default:
		return []any{v}
	}
}
