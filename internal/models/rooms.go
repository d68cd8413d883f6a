package models

import "strconv"

// RoomID keys the in-memory registry. Community rooms and personal rooms
// live in separate namespaces so a numeric chat room can never alias a user.
type RoomID string

// CommunityRoom returns the registry key for a community chat room.
func CommunityRoom(id int64) RoomID {
	return RoomID("room:" + strconv.FormatInt(id, 10))
}

// PersonalRoom returns the registry key used for direct-message delivery.
func PersonalRoom(userID int64) RoomID {
	return RoomID("user:" + strconv.FormatInt(userID, 10))
}
