package firestore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// List queries order by createdAt (descending) with the document ID as a tie
// breaker. Page tokens encode the last document of the previous page.
type cursor struct {
	CreatedAt time.Time
	DocID     string
}

var errInvalidPageToken = errors.New("firestore: invalid page token")

func encodeCursor(c cursor) string {
	raw := fmt.Sprintf("%d|%s", c.CreatedAt.UTC().UnixNano(), c.DocID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(token string) (cursor, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return cursor{}, errInvalidPageToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		return cursor{}, errInvalidPageToken
	}
	nanosStr, docID, found := strings.Cut(string(raw), "|")
	if !found || docID == "" {
		return cursor{}, errInvalidPageToken
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return cursor{}, errInvalidPageToken
	}
	return cursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		DocID:     docID,
	}, nil
}
