package types

import (
	"slices"
	"time"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Room is a guest chat room. It belongs to exactly one guest session and is
// never shared across sessions.
type Room struct {
	SessionId string    `json:"-"`
	RoomId    string    `json:"-"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of r.
func (r *Room) Clone() *Room {
	c := *r
	c.Messages = slices.Clone(r.Messages)
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	return &c
}

type RoomSummary struct {
	Id        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}
