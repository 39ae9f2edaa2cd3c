package notifystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notification is the client-side view of a notification row. ReadAt is nil
// while unread; IsDeleted rows never enter the cache.
type Notification struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Type      string     `json:"notification_type"`
	TargetURL string     `json:"target_url,omitempty"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	IsDeleted bool       `json:"is_deleted"`
	CreatedAt time.Time  `json:"created_at"`
}

// Session identifies the authenticated user a store instance serves. Stores
// are re-pointed explicitly via SetSession on login, logout, or user switch;
// there is no ambient auth state.
type Session struct {
	UserID uuid.UUID
	Token  string
}

// Push event kinds.
const (
	EventInsert = "insert"
	EventUpdate = "update"
)

// pushEvent is the wire envelope delivered over the push channel.
type pushEvent struct {
	Event  string          `json:"event"`
	Row    json.RawMessage `json:"row"`
	OldRow json.RawMessage `json:"old_row"`
}

// rawRow is the loosely-typed inbound row. Every field is a pointer so a
// missing field is distinguishable from a zero value; toNotification rejects
// rows without the fields the cache depends on instead of letting them
// propagate.
type rawRow struct {
	ID        *uuid.UUID `json:"id"`
	UserID    *uuid.UUID `json:"user_id"`
	Title     *string    `json:"title"`
	Message   *string    `json:"message"`
	Type      *string    `json:"notification_type"`
	TargetURL *string    `json:"target_url"`
	ReadAt    *time.Time `json:"read_at"`
	IsDeleted *bool      `json:"is_deleted"`
	CreatedAt *time.Time `json:"created_at"`
}

var errMalformedRow = errors.New("malformed notification row")

func (r rawRow) toNotification() (Notification, error) {
	if r.ID == nil || *r.ID == uuid.Nil {
		return Notification{}, fmt.Errorf("%w: missing id", errMalformedRow)
	}
	if r.UserID == nil || *r.UserID == uuid.Nil {
		return Notification{}, fmt.Errorf("%w: missing user_id", errMalformedRow)
	}
	if r.CreatedAt == nil || r.CreatedAt.IsZero() {
		return Notification{}, fmt.Errorf("%w: missing created_at", errMalformedRow)
	}

	n := Notification{
		ID:        *r.ID,
		UserID:    *r.UserID,
		ReadAt:    r.ReadAt,
		CreatedAt: *r.CreatedAt,
	}
	if r.Title != nil {
		n.Title = *r.Title
	}
	if r.Message != nil {
		n.Message = *r.Message
	}
	if r.Type != nil {
		n.Type = *r.Type
	}
	if r.TargetURL != nil {
		n.TargetURL = *r.TargetURL
	}
	if r.IsDeleted != nil {
		n.IsDeleted = *r.IsDeleted
	}
	return n, nil
}

func decodeRow(data json.RawMessage) (Notification, error) {
	var raw rawRow
	if err := json.Unmarshal(data, &raw); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", errMalformedRow, err)
	}
	return raw.toNotification()
}

func decodePush(payload []byte) (event string, row Notification, oldRow Notification, err error) {
	var envelope pushEvent
	if err = json.Unmarshal(payload, &envelope); err != nil {
		return "", Notification{}, Notification{}, fmt.Errorf("%w: %v", errMalformedRow, err)
	}

	row, err = decodeRow(envelope.Row)
	if err != nil {
		return "", Notification{}, Notification{}, err
	}

	if len(envelope.OldRow) > 0 {
		oldRow, err = decodeRow(envelope.OldRow)
		if err != nil {
			return "", Notification{}, Notification{}, err
		}
	} else {
		// Without the previous row, assume it was live; delete transitions
		// still resolve against the cached state.
		oldRow = row
		oldRow.IsDeleted = false
		oldRow.ReadAt = nil
	}
	return envelope.Event, row, oldRow, nil
}
