package daily

import "time"

// Room is the subset of the Room Service room object the orchestrator needs.
type Room struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	APICreated bool           `json:"api_created"`
	Privacy    string         `json:"privacy"`
	URL        string         `json:"url"`
	CreatedAt  time.Time      `json:"created_at"`
	Config     RoomProperties `json:"config"`
}

// Expiry returns the room expiry, or the zero time when the room never expires.
func (r Room) Expiry() time.Time {
	if r.Config.Exp <= 0 {
		return time.Time{}
	}
	return time.Unix(r.Config.Exp, 0)
}

// RoomProperties are the creation-time properties of a room.
type RoomProperties struct {
	Exp                  int64 `json:"exp,omitempty"`
	EjectAtRoomExp       bool  `json:"eject_at_room_exp,omitempty"`
	EnableChat           bool  `json:"enable_chat,omitempty"`
	EnableEmojiReactions bool  `json:"enable_emoji_reactions,omitempty"`
	StartVideoOff        bool  `json:"start_video_off,omitempty"`
}

// DefaultRoomProperties returns properties for a room that expires (and
// ejects its members) after ttl.
func DefaultRoomProperties(now time.Time, ttl time.Duration) RoomProperties {
	return RoomProperties{
		Exp:            now.Add(ttl).Unix(),
		EjectAtRoomExp: true,
	}
}

// TokenRequest describes a meeting token to mint.
type TokenRequest struct {
	RoomURL  string
	Expiry   time.Time
	Owner    bool
	UserName string
}

type createRoomRequest struct {
	Properties RoomProperties `json:"properties"`
}

type tokenProperties struct {
	RoomName string `json:"room_name"`
	IsOwner  bool   `json:"is_owner"`
	Exp      int64  `json:"exp"`
	UserName string `json:"user_name,omitempty"`
}

type tokenRequestBody struct {
	Properties tokenProperties `json:"properties"`
}

type tokenResponse struct {
	Token string `json:"token"`
}
