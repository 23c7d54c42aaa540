package validation

import (
	"fmt"
	"net/url"
	"regexp"
)

var (
	// RoomIDRegex validates room identifiers
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	// StreamKeyRegex validates restream credentials
	StreamKeyRegex = regexp.MustCompile(`^[A-Za-z0-9-]{8,32}$`)
)

// ValidateRoomID validates room ID
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if len(roomID) > 128 {
		return fmt.Errorf("room ID is too long (max 128 characters)")
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room ID format")
	}
	return nil
}

// ValidateStreamKey validates a restream key. The key itself is never
// included in the returned error.
func ValidateStreamKey(key string) error {
	if key == "" {
		return fmt.Errorf("stream key is required")
	}
	if !StreamKeyRegex.MatchString(key) {
		return fmt.Errorf("stream key must be 8-32 letters, digits or hyphens")
	}
	return nil
}

// ValidateRTMPURL validates an rtmp(s) ingest base URL
func ValidateRTMPURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "rtmp" && u.Scheme != "rtmps" {
		return fmt.Errorf("invalid URL scheme (must be rtmp or rtmps)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
