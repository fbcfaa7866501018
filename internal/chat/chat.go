// Package chat defines the boundary to the chat platform transport. Slash
// command dispatch, message delivery, and inbound-webhook JWT validation are
// external collaborators (§1 Non-goals); this package only specifies the
// interface the rest of the bridge needs against that transport.
package chat

import (
	"context"
	"strconv"
)

// Message is a rendered notification ready to send to a single channel.
type Message struct {
	SpaceID   string
	ChannelID string
	Text      string
}

// Sender delivers and edits chat messages. The concrete implementation lives
// outside this module; LogSender below is a development/test stand-in.
type Sender interface {
	// Send delivers msg and returns an opaque event id for later editing,
	// used by the two-phase editable OAuth prompt (§9) and by the pending
	// subscription provisional-message flow (§4.4).
	Send(ctx context.Context, msg Message) (eventID string, err error)

	// Edit replaces the content of a previously sent message. Implementers
	// return an error if eventID is unknown or edit is unsupported; callers
	// treat edit failure as non-fatal (§9: "no functional degradation if
	// edit fails").
	Edit(ctx context.Context, channelID, eventID, text string) error
}

// LogSender is a Sender that only logs; it exists so the bridge can run
// end-to-end without a live chat transport attached (local development,
// tests). It assigns sequential, process-local event ids.
type LogSender struct {
	mu     chan struct{}
	nextID int
	log    func(spaceID, channelID, eventID, text string)
}

// NewLogSender builds a LogSender that reports every send/edit through log.
func NewLogSender(log func(spaceID, channelID, eventID, text string)) *LogSender {
	return &LogSender{mu: make(chan struct{}, 1), log: log}
}

func (s *LogSender) Send(_ context.Context, msg Message) (string, error) {
	s.mu <- struct{}{}
	s.nextID++
	id := "log-" + strconv.Itoa(s.nextID)
	<-s.mu
	if s.log != nil {
		s.log(msg.SpaceID, msg.ChannelID, id, msg.Text)
	}
	return id, nil
}

func (s *LogSender) Edit(_ context.Context, channelID, eventID, text string) error {
	if s.log != nil {
		s.log("", channelID, eventID, text)
	}
	return nil
}
