package types

import (
	"slices"
	"time"
)

type User struct {
	Id     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Subject is the item a conversation is about. Title is a snapshot taken
// when the conversation was created.
type Subject struct {
	Id    string `json:"id"`
	Title string `json:"title"`
}

type Conversation struct {
	Id                 string    `json:"id"`
	Participants       []string  `json:"participants"`
	ParticipantDetails []User    `json:"participant_details,omitempty"`
	Subject            Subject   `json:"subject"`
	LastMessage        string    `json:"last_message"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (c Conversation) HasParticipant(userId string) bool {
	return slices.Contains(c.Participants, userId)
}

// Participant returns the display info for userId, falling back to a
// bare user when the profile is unknown.
func (c Conversation) Participant(userId string) User {
	for _, u := range c.ParticipantDetails {
		if u.Id == userId {
			return u
		}
	}
	return User{Id: userId}
}

type Message struct {
	Id             string    `json:"id"`
	ConversationId string    `json:"conversation_id"`
	SenderId       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Edited         bool      `json:"edited"`
	ReadBy         []string  `json:"read_by"`
	Timestamp      time.Time `json:"timestamp"`
}

// UnreadBy reports whether the message still needs a read receipt from
// userId. Senders never read their own messages.
func (m Message) UnreadBy(userId string) bool {
	return m.SenderId != userId && !slices.Contains(m.ReadBy, userId)
}
