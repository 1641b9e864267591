package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/feeder-core/internal/infrastructure/mqtt"
)

// Collection names a persisted record collection.
type Collection string

// Collections carried on the change feed.
const (
	Devices       Collection = "devices"
	Commands      Collection = "commands"
	Schedules     Collection = "schedules"
	FeedingEvents Collection = "feeding_events"
)

// Op is the kind of write a Change describes.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ErrInvalidKey is returned for keys whose parts cannot form a topic.
var ErrInvalidKey = errors.New("feed: invalid key")

// Key identifies a filtered stream of changes, e.g. devices where owner_id = u-1.
type Key struct {
	Collection Collection
	Field      string
	Value      string
}

// KeyOf is shorthand for Key{collection, field, value}.
func KeyOf(collection Collection, field, value string) Key {
	return Key{Collection: collection, Field: field, Value: value}
}

// Validate checks every part is a usable topic segment.
func (k Key) Validate() error {
	for _, part := range []string{string(k.Collection), k.Field, k.Value} {
		if err := mqtt.ValidateSegment(part); err != nil {
			return fmt.Errorf("%w %s: %w", ErrInvalidKey, k, err)
		}
	}
	return nil
}

// Topic returns the MQTT topic carrying this key's changes.
func (k Key) Topic() string {
	return mqtt.Topics{}.Change(string(k.Collection), k.Field, k.Value)
}

func (k Key) String() string {
	return fmt.Sprintf("%s[%s=%s]", k.Collection, k.Field, k.Value)
}

// Change is one committed write. Row holds the full record after the write;
// for deletes it holds the record as it was.
type Change struct {
	Collection  Collection      `json:"collection"`
	Op          Op              `json:"op"`
	ID          string          `json:"id"`
	Row         json.RawMessage `json:"row,omitempty"`
	CommittedAt time.Time       `json:"committed_at"`
}

// NewChange encodes row into a Change.
func NewChange(collection Collection, op Op, id string, row any, committedAt time.Time) (Change, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return Change{}, fmt.Errorf("encoding %s row %s: %w", collection, id, err)
	}
	return Change{
		Collection:  collection,
		Op:          op,
		ID:          id,
		Row:         data,
		CommittedAt: committedAt.UTC(),
	}, nil
}

// Decode unmarshals the row into v.
func (c Change) Decode(v any) error {
	if len(c.Row) == 0 {
		return fmt.Errorf("decoding %s row %s: empty row", c.Collection, c.ID)
	}
	if err := json.Unmarshal(c.Row, v); err != nil {
		return fmt.Errorf("decoding %s row %s: %w", c.Collection, c.ID, err)
	}
	return nil
}
