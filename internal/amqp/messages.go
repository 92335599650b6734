package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"matebot/internal/notify"
)

// AnnouncementMessage wraps a closed operation's announcement for the
// worker queue. The announcement id doubles as the message id so consumers
// can drop redeliveries.
type AnnouncementMessage struct {
	Announcement notify.Announcement `json:"announcement"`
	Attempt      int                 `json:"attempt"`
	Timestamp    time.Time           `json:"timestamp"`
}

// NewAnnouncementMessage creates a first-attempt message for the announcement
func NewAnnouncementMessage(a notify.Announcement) *AnnouncementMessage {
	return &AnnouncementMessage{
		Announcement: a,
		Attempt:      1,
		Timestamp:    time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *AnnouncementMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// AnnouncementMessageFromJSON creates a message from JSON bytes
func AnnouncementMessageFromJSON(data []byte) (*AnnouncementMessage, error) {
	var msg AnnouncementMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Announcement.OperationID == 0 {
		return nil, fmt.Errorf("announcement without operation id")
	}
	return &msg, nil
}
