package engagement

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

type MessageStatus string

const (
	MessageStatusLive  MessageStatus = "live"
	MessageStatusStale MessageStatus = "stale"
)

type MessageDirection string

const (
	MessageDirectionIn  MessageDirection = "in"
	MessageDirectionOut MessageDirection = "out"
)

// Origin identifies the source-side fact a message was ingested from.
// OriginID is globally unique across all datasets. Some legacy records carry
// multi-part origin ids; those are stored in OriginIDs and normalized to a
// single key for uniqueness checks.
type Origin struct {
	OriginID   string   `json:"originId,omitempty"`
	OriginIDs  []string `json:"originIds,omitempty"`
	OriginType string   `json:"originType"`
}

// Key normalizes an origin id to a single comparable string.
func (o Origin) Key() string {
	if len(o.OriginIDs) > 0 {
		return strings.Join(o.OriginIDs, "\x1f")
	}
	return o.OriginID
}

func (o Origin) IsZero() bool {
	return o.OriginID == "" && len(o.OriginIDs) == 0
}

// Label assigns a code from a code scheme to a message. Labels are kept
// newest-first; the most recent label per scheme is authoritative.
type Label struct {
	SchemeID    string    `json:"schemeId"`
	CodeID      string    `json:"codeId"`
	DateTimeUTC time.Time `json:"dateTimeUtc"`
	Checked     bool      `json:"checked"`
}

func (l Label) Equal(other Label) bool {
	return l.SchemeID == other.SchemeID &&
		l.CodeID == other.CodeID &&
		l.Checked == other.Checked &&
		l.DateTimeUTC.Equal(other.DateTimeUTC)
}

// LabelsEqual reports deep equality of two label lists, order included.
func LabelsEqual(a, b []Label) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// LatestLabels returns the most recent label per scheme id, preserving the
// newest-first ordering of the underlying list.
func LatestLabels(labels []Label) []Label {
	seen := make(map[string]bool, len(labels))
	latest := make([]Label, 0, len(labels))
	for _, label := range labels {
		if seen[label.SchemeID] {
			continue
		}
		seen[label.SchemeID] = true
		latest = append(latest, label)
	}
	return latest
}

// Message is the unit of record in the engagement store.
type Message struct {
	MessageID        string           `json:"messageId"`
	ParticipantUUID  string           `json:"participantUuid"`
	Text             string           `json:"text"`
	Timestamp        time.Time        `json:"timestamp"`
	LastUpdated      time.Time        `json:"lastUpdated"`
	Direction        MessageDirection `json:"direction"`
	ChannelOperator  string           `json:"channelOperator,omitempty"`
	Status           MessageStatus    `json:"status"`
	Dataset          string           `json:"dataset"`
	PreviousDatasets []string         `json:"previousDatasets,omitempty"`
	Labels           []Label          `json:"labels"`
	CodaID           string           `json:"codaId,omitempty"`
	Origin           Origin           `json:"origin"`
}

// HasPreviousDataset reports whether this message was ever assigned to the
// given dataset before its current one.
func (m Message) HasPreviousDataset(dataset string) bool {
	for _, previous := range m.PreviousDatasets {
		if previous == dataset {
			return true
		}
	}
	return false
}

// CodaIDForText derives the deterministic labeling-platform identity for a
// message text. Once assigned to a message it is never recomputed.
func CodaIDForText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Provenance records human-readable audit detail for a store write.
type Provenance struct {
	Name    string         `json:"name"`
	Details map[string]any `json:"details,omitempty"`
}
