package core

import "time"

// Message is a chat line said in a room.
type Message struct {
	From      string
	Text      string
	CreatedAt time.Time
}
