package models

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidCursor = errors.New("invalid history cursor")

// HistoryCursor is the position of the last message a history page returned.
// The next page resumes strictly after it in (CreatedAt, ID) order, so ids
// allocated out of timestamp order are never skipped.
type HistoryCursor struct {
	CreatedAt time.Time
	ID        int64
}

// CursorAfter returns the cursor positioned on m.
func CursorAfter(m Message) HistoryCursor {
	return HistoryCursor{CreatedAt: m.CreatedAt.UTC().Truncate(time.Microsecond), ID: m.ID}
}

// IsZero reports whether the cursor points before the first message.
func (c HistoryCursor) IsZero() bool {
	return c.ID == 0 && c.CreatedAt.IsZero()
}

// String encodes the cursor as "<unix micros>_<id>"; the zero cursor is "".
func (c HistoryCursor) String() string {
	if c.IsZero() {
		return ""
	}
	return strconv.FormatInt(c.CreatedAt.UnixMicro(), 10) + "_" + strconv.FormatInt(c.ID, 10)
}

// ParseHistoryCursor decodes a cursor produced by String.
func ParseHistoryCursor(raw string) (HistoryCursor, error) {
	if raw == "" {
		return HistoryCursor{}, nil
	}
	ts, id, ok := strings.Cut(raw, "_")
	if !ok {
		return HistoryCursor{}, ErrInvalidCursor
	}
	micros, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || micros < 0 {
		return HistoryCursor{}, ErrInvalidCursor
	}
	messageID, err := strconv.ParseInt(id, 10, 64)
	if err != nil || messageID <= 0 {
		return HistoryCursor{}, ErrInvalidCursor
	}
	return HistoryCursor{CreatedAt: time.UnixMicro(micros).UTC(), ID: messageID}, nil
}
