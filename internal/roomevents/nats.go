package roomevents

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATS subscribes to a subject carrying JSON room descriptors. Requests with
// a reply subject get "ok" or the rejection reason back.
type NATS struct {
	URL     string
	Subject string

	log *zerolog.Logger
}

// NewNATS creates a NATS source. Connection happens in Run.
func NewNATS(url, subject string, logger *zerolog.Logger) *NATS {
	l := logger.With().Str("component", "roomevents").Str("subject", subject).Logger()
	return &NATS{URL: url, Subject: subject, log: &l}
}

func (n *NATS) Run(ctx context.Context, sink Sink) error {
	conn, err := nats.Connect(
		n.URL,
		nats.Name("gikopoi"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer conn.Close()

	msgs := make(chan *nats.Msg, 64)
	sub, err := conn.ChanSubscribe(n.Subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.Subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	n.log.Info().Str("url", n.URL).Msg("listening for room rebuilds")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			n.handle(ctx, sink, msg)
		}
	}
}

func (n *NATS) handle(ctx context.Context, sink Sink, msg *nats.Msg) {
	reply := "ok"
	room, err := Decode(msg.Data)
	if err != nil {
		n.log.Warn().Err(err).Msg("discarding malformed room event")
		reply = err.Error()
	} else if err := apply(ctx, sink, room, n.log); err != nil {
		reply = err.Error()
	}
	if msg.Reply != "" {
		if err := msg.Respond([]byte(reply)); err != nil {
			n.log.Warn().Err(err).Msg("reply to room event failed")
		}
	}
}

// Publish sends room to subject on an existing connection. It is used by
// tooling and tests.
func Publish(conn *nats.Conn, subject string, data []byte, timeout time.Duration) (string, error) {
	msg, err := conn.Request(subject, data, timeout)
	if err != nil {
		return "", fmt.Errorf("publish room event: %w", err)
	}
	return string(msg.Data), nil
}
