package realtime

import (
	"errors"

	"github.com/samber/lo"
)

// EventKind names a server-to-client realtime event.
type EventKind string

const (
	EventOnline        EventKind = "receiveOnline"
	EventFriendOnline  EventKind = "receiveFriendOnline"
	EventFriendOffline EventKind = "receiveFriendOffline"
	EventFriendRequest EventKind = "receiveFriendRequest"
	EventFriendAccept  EventKind = "receiveFriendAccept"
	EventFriendRemove  EventKind = "receiveFriendRemove"
	EventChannelCreate EventKind = "receiveChannelCreate"
	EventChannelUpdate EventKind = "receiveChannelUpdate"
	EventChannelDelete EventKind = "receiveChannelDelete"
	EventMessageUpdate EventKind = "receiveMessageUpdate"
	EventMessageRelay  EventKind = "receiveMessage"
)

const realtimeSourceServer = "dm-api"

// ErrConnectionClosed is returned by Conn implementations once the transport is gone.
var ErrConnectionClosed = errors.New("realtime: connection closed")

// ConnectionID identifies one live transport connection.
type ConnectionID string

// RoomID is a fanout group key: a channel id or a user id (personal room).
type RoomID string

// PersonalRoom returns the room a user's connections join on authentication.
func PersonalRoom(userID string) RoomID {
	return RoomID(userID)
}

// Event is the envelope delivered to clients.
type Event struct {
	Kind   EventKind `json:"event"`
	Data   any       `json:"data,omitempty"`
	Source string    `json:"source"`
}

// Conn is a connection handle owned by the transport layer.
// Send must not block: implementations enqueue and report failure immediately.
type Conn interface {
	ID() ConnectionID
	Send(event Event) error
}

// TargetKind describes how a Target was addressed.
type TargetKind string

const (
	TargetRoom  TargetKind = "room"
	TargetRooms TargetKind = "rooms"
	TargetUsers TargetKind = "users"
)

// Target selects the rooms an event is published to.
type Target struct {
	Kind  TargetKind
	Rooms []RoomID
}

// ToRoom targets a single room.
func ToRoom(room string) Target {
	return Target{Kind: TargetRoom, Rooms: []RoomID{RoomID(room)}}
}

// ToRooms targets the union of several rooms.
func ToRooms(rooms ...string) Target {
	return Target{Kind: TargetRooms, Rooms: toRoomIDs(rooms)}
}

// ToUsers targets the personal rooms of the given users.
func ToUsers(userIDs ...string) Target {
	return Target{Kind: TargetUsers, Rooms: toRoomIDs(userIDs)}
}

// Merge returns a target covering the rooms of both targets.
// The kind is kept when both sides agree and becomes TargetRooms otherwise.
func (t Target) Merge(other Target) Target {
	kind := TargetRooms
	if t.Kind == other.Kind && t.Kind != "" {
		kind = t.Kind
	}
	return Target{Kind: kind, Rooms: lo.Uniq(append(append([]RoomID{}, t.Rooms...), other.Rooms...))}
}

func toRoomIDs(values []string) []RoomID {
	rooms := make([]RoomID, 0, len(values))
	for _, value := range lo.Uniq(values) {
		if value == "" {
			continue
		}
		rooms = append(rooms, RoomID(value))
	}
	return rooms
}
