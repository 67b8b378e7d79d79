package model

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// HashText returns the hex SHA-1 of a string. Used for UID prefixes,
// event fingerprints and synthetic etags; not a security boundary.
func HashText(value string) string {
	sum := sha1.Sum([]byte(value))
	return hex.EncodeToString(sum[:])
}

// CalendarPrefix is the 10-hex namespace prefix derived from a calendar id.
func CalendarPrefix(calendarID string) string {
	return HashText(calendarID)[:10]
}

// StagingUID namespaces a raw UID under its source calendar.
func StagingUID(calendarID, uid string) string {
	return CalendarPrefix(calendarID) + ":" + uid
}

// UIDDepth counts the leading namespace prefixes of a UID. A legal managed
// UID has depth exactly 1; depth >= 2 is a legacy nested UID.
func UIDDepth(uid string) int {
	if uid == "" {
		return 0
	}
	parts := strings.Split(uid, ":")
	depth := 0
	for _, segment := range parts[:len(parts)-1] {
		if !isHexPrefix(segment) {
			break
		}
		depth++
	}
	return depth
}

// CollapseUID reduces a nested UID to a single namespace, keeping the
// right-most prefix. Idempotent; depth <= 1 passes through unchanged.
func CollapseUID(uid string) string {
	depth := UIDDepth(uid)
	if depth <= 1 {
		return uid
	}
	parts := strings.Split(uid, ":")
	return strings.Join(parts[depth-1:], ":")
}

func isHexPrefix(segment string) bool {
	if len(segment) != 10 {
		return false
	}
	for i := 0; i < len(segment); i++ {
		c := segment[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
