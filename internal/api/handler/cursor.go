package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/jobq/internal/api/storage"
)

func DecodeJobCursor(cursorStr string) (*storage.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.SplitN(string(decoded), "|", 2)
	if len(decodedParts) != 2 || decodedParts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var created int64
	if _, err := fmt.Sscanf(decodedParts[0], "%d", &created); err != nil {
		return nil, fmt.Errorf("invalid created time in cursor: %w", err)
	}

	return &storage.JobCursor{
		Created: time.Unix(0, created).UTC(),
		UUID:    decodedParts[1],
	}, nil
}

func EncodeJobCursor(cursor *storage.JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.Created.UnixNano(), cursor.UUID)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}
