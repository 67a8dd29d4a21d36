package zid

import (
	"database/sql/driver"
	"time"

	"github.com/rs/xid"
)

// ID is a lexically sortable identifier for append-only rows. Sorting by id
// sorts by creation time, which keeps same-timestamp rows in insertion order.
type ID struct {
	internal xid.ID
}

func New() ID {
	return ID{internal: xid.New()}
}

func FromString(id string) (ID, error) {
	i, err := xid.FromString(id)
	if err != nil {
		return ID{}, err
	}
	return ID{internal: i}, nil
}

func (id ID) Time() time.Time {
	return id.internal.Time()
}

func (id ID) String() string {
	return id.internal.String()
}

func (id ID) Value() (driver.Value, error) {
	return id.internal.Value()
}

// Scan implements the sql.Scanner interface.
func (id *ID) Scan(value interface{}) error {
	return id.internal.Scan(value)
}

func (id *ID) UnmarshalText(text []byte) error {
	return id.internal.UnmarshalText(text)
}

func (id ID) MarshalText() ([]byte, error) {
	return id.internal.MarshalText()
}

func (id *ID) UnmarshalJSON(b []byte) error {
	return id.internal.UnmarshalJSON(b)
}

func (id ID) MarshalJSON() ([]byte, error) {
	return id.internal.MarshalJSON()
}
