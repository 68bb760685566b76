package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects carried on the presence bus. The chat-platform bridge publishes
// voice transitions and consumes intents.
const (
	SubjectVoiceJoined = "presence.voice.joined"
	SubjectVoiceLeft   = "presence.voice.left"
	SubjectIntentMove  = "presence.intent.move"
)

// VoiceEvent is the payload of voice join and leave messages.
type VoiceEvent struct {
	UserID    string    `json:"user_id"` // platform account id
	ChannelID string    `json:"channel_id"`
	At        time.Time `json:"ts"`
}

// MoveIntent asks the bridge to move a user toward their private channel.
// Private channels are named after their owner, so the channel id restates
// the user id; the bridge does not need to know the convention.
type MoveIntent struct {
	UserID    string    `json:"user_id"`
	ChannelID string    `json:"channel_id"`
	At        time.Time `json:"ts"`
}

// VoiceSink consumes voice transitions. The ban engine implements it.
type VoiceSink interface {
	VoiceJoined(ctx context.Context, platformID, channelID string)
	VoiceLeft(ctx context.Context, platformID, channelID string)
}

// Connect dials the presence bus. Reconnects forever; voice events missed
// while disconnected are simply lost, the engine re-validates from the next
// transition it sees.
func Connect(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("deathwatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("Presence: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("Presence: reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to presence bus at %s: %w", url, err)
	}
	return conn, nil
}

// Monitor forwards voice transitions from the bus to the sink.
type Monitor struct {
	conn *nats.Conn
	sink VoiceSink
	subs []*nats.Subscription
}

// NewMonitor creates a monitor on an established connection.
func NewMonitor(conn *nats.Conn, sink VoiceSink) *Monitor {
	return &Monitor{conn: conn, sink: sink}
}

// Start subscribes to the voice subjects.
func (m *Monitor) Start() error {
	joined, err := m.conn.Subscribe(SubjectVoiceJoined, m.handleVoice(true))
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", SubjectVoiceJoined, err)
	}
	m.subs = append(m.subs, joined)

	left, err := m.conn.Subscribe(SubjectVoiceLeft, m.handleVoice(false))
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", SubjectVoiceLeft, err)
	}
	m.subs = append(m.subs, left)

	log.Printf("Presence: monitoring voice events on %s", m.conn.ConnectedUrl())
	return nil
}

// Stop drops the subscriptions. The connection itself belongs to the caller.
func (m *Monitor) Stop() {
	for _, sub := range m.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("Presence: unsubscribe: %v", err)
		}
	}
	m.subs = nil
}

func (m *Monitor) handleVoice(joined bool) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var ev VoiceEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("Presence: bad payload on %s: %v", msg.Subject, err)
			return
		}
		if ev.UserID == "" {
			return
		}
		if joined {
			m.sink.VoiceJoined(context.Background(), ev.UserID, ev.ChannelID)
		} else {
			m.sink.VoiceLeft(context.Background(), ev.UserID, ev.ChannelID)
		}
	}
}

// Intents publishes engine requests onto the bus.
type Intents struct {
	conn *nats.Conn
}

// NewIntents creates a publisher on an established connection.
func NewIntents(conn *nats.Conn) *Intents {
	return &Intents{conn: conn}
}

// MoveToPrivateChannel asks the bridge to move the user into their private
// voice channel. Best-effort: the bridge may be offline.
func (i *Intents) MoveToPrivateChannel(ctx context.Context, platformID string) error {
	data, err := json.Marshal(MoveIntent{UserID: platformID, ChannelID: platformID, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := i.conn.Publish(SubjectIntentMove, data); err != nil {
		return fmt.Errorf("publishing move intent: %w", err)
	}
	return nil
}
