package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChatMessage is a message returned by the chat-platform history query.
type ChatMessage struct {
	ID                   string `json:"id"`
	ThreadID             string `json:"thread_id,omitempty"`
	AuthorID             string `json:"author_id"`
	AuthorOrganizationID string `json:"author_organization_id"`
	AuthorIsGuest        bool   `json:"author_is_guest"`
}

// IsTopLevel reports whether the message starts its own thread.
func (m ChatMessage) IsTopLevel() bool {
	return m.ThreadID == "" || m.ThreadID == m.ID
}

// MessageIDFromTime formats t as a platform message identifier
// ("<seconds>.<microseconds>").
func MessageIDFromTime(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/int(time.Microsecond))
}

// CompareMessageIDs orders two message identifiers chronologically. It returns
// -1, 0 or 1. Identifiers that fail to parse compare as strings.
func CompareMessageIDs(a, b string) int {
	as, af, aok := splitMessageID(a)
	bs, bf, bok := splitMessageID(b)
	if !aok || !bok {
		return strings.Compare(a, b)
	}
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	return 0
}

func splitMessageID(id string) (int64, int64, bool) {
	secPart, fracPart, _ := strings.Cut(id, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if len(fracPart) > 6 {
		fracPart = fracPart[:6]
	}
	fracPart += strings.Repeat("0", 6-len(fracPart))
	frac, err := strconv.ParseInt(fracPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return sec, frac, true
}
