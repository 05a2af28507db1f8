package domain

import "time"

// Message is a directed chat message. Ephemeral: it exists only in transit,
// the relay never stores it.
type Message struct {
	From   UserID
	To     UserID
	Body   string
	SentAt time.Time
}

func NewMessage(from, to UserID, body string) Message {
	return Message{From: from, To: to, Body: body, SentAt: time.Now().UTC()}
}
