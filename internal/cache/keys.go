package cache

import (
	"fmt"
	"strings"
)

// Key layout. The room id sits inside a hash tag so every key of one room
// maps to the same cluster slot and Lua scripts may touch several of them.
//
//	{room}:messages          ZSet<messageID, created µs>
//	{room}:messages:data     Hash<messageID -> JSON>
//	{room}:pinned            ZSet<messageID, pin expiry µs>
//	{room}:pinned:data       Hash<messageID -> JSON>
//	{room}:reactions:{msg}   String JSON envelope
const (
	keyMessagesFmt    = "{%s}:messages"
	keyMessageDataFmt = "{%s}:messages:data"
	keyPinnedFmt      = "{%s}:pinned"
	keyPinnedDataFmt  = "{%s}:pinned:data"
	keyReactionsFmt   = "{%s}:reactions:%s"
)

// Key kinds reported by ParseKey
const (
	KindMessages    = "messages"
	KindMessageData = "messages:data"
	KindPinned      = "pinned"
	KindPinnedData  = "pinned:data"
	KindReactions   = "reactions"
)

func messagesKey(roomID string) string    { return fmt.Sprintf(keyMessagesFmt, roomID) }
func messageDataKey(roomID string) string { return fmt.Sprintf(keyMessageDataFmt, roomID) }
func pinnedKey(roomID string) string      { return fmt.Sprintf(keyPinnedFmt, roomID) }
func pinnedDataKey(roomID string) string  { return fmt.Sprintf(keyPinnedDataFmt, roomID) }

func reactionsKey(roomID, messageID string) string {
	return fmt.Sprintf(keyReactionsFmt, roomID, messageID)
}

// reactionsPattern matches every reaction key of a room for SCAN
func reactionsPattern(roomID string) string {
	return fmt.Sprintf(keyReactionsFmt, escapeGlob(roomID), "*")
}

// roomPattern matches every key of a room, or of all rooms when roomID is empty
func roomPattern(roomID string) string {
	if roomID == "" {
		return "{*}:*"
	}
	return "{" + escapeGlob(roomID) + "}:*"
}

// ParseKey splits a cache key into room id, kind and (for reactions) the
// message id.
func ParseKey(key string) (roomID, kind, messageID string, ok bool) {
	if !strings.HasPrefix(key, "{") {
		return "", "", "", false
	}
	end := strings.Index(key, "}:")
	if end < 0 {
		return "", "", "", false
	}
	roomID = key[1:end]
	rest := key[end+2:]

	switch {
	case rest == KindMessages, rest == KindMessageData, rest == KindPinned, rest == KindPinnedData:
		return roomID, rest, "", true
	case strings.HasPrefix(rest, KindReactions+":"):
		return roomID, KindReactions, strings.TrimPrefix(rest, KindReactions+":"), true
	}
	return "", "", "", false
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
