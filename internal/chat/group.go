package chat

import "strings"

// PublicRoom is the sentinel identifier of the room that has no Room record.
const PublicRoom = "public_chat"

const groupPrefix = "chat_"

// IsPublic reports whether a room identifier selects the public room.
func IsPublic(identifier string) bool {
	identifier = strings.TrimSpace(identifier)
	return identifier == "" || identifier == PublicRoom
}

// GroupKey derives the broadcast group of a room identifier. Two connections
// with the same group key receive each other's broadcasts.
func GroupKey(identifier string) string {
	if IsPublic(identifier) {
		return groupPrefix + PublicRoom
	}
	return groupPrefix + strings.TrimSpace(identifier)
}

// GroupKeyForRoom returns the group of a persisted room, or the public group
// when room is nil.
func GroupKeyForRoom(room *Room) string {
	if room == nil {
		return GroupKey(PublicRoom)
	}
	return GroupKey(room.Slug)
}
