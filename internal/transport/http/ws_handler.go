package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/iccanobif/gikopoi2-sub001/internal/core"
	"github.com/iccanobif/gikopoi2-sub001/internal/proto"
	"github.com/iccanobif/gikopoi2-sub001/internal/reputation"
	"github.com/iccanobif/gikopoi2-sub001/internal/utils"
)

const (
	// SDP offers are larger than the library's default read limit.
	readLimit    = 256 << 10
	writeTimeout = 10 * time.Second
)

var errDropped = errors.New("connection dropped by server")

// WSHandler upgrades HTTP connections and bridges them to core.Client.
type WSHandler struct {
	hub         *core.Hub
	gate        *reputation.Gate
	frameBudget int
	log         *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(hub *core.Hub, gate *reputation.Gate, frameBudget int, logger *zerolog.Logger) *WSHandler {
	return &WSHandler{hub: hub, gate: gate, frameBudget: frameBudget, log: logger}
}

// Handle admits the caller, upgrades the connection and binds it to the user
// owning ?private_user_id=.
func (h *WSHandler) Handle(c *gin.Context) {
	privateID := c.Query("private_user_id")
	if privateID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "private_user_id is required", Code: core.ErrCodeBadRequest})
		return
	}
	address, ok := admit(c, h.gate, h.log)
	if !ok {
		return
	}
	h.serve(c.Writer, c.Request, privateID, address)
}

func (h *WSHandler) serve(w http.ResponseWriter, r *http.Request, privateID, address string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := core.NewClient(utils.NewID(), privateID, address)
	log := h.log.With().Str("conn_id", client.ConnID).Str("address", address).Logger()

	if err := h.hub.Connect(ctx, client); err != nil {
		code, msg, status := core.ErrCodeUnknownUser, "unknown user", websocket.StatusPolicyViolation
		if !errors.Is(err, core.ErrUnknownUser) {
			code, msg, status = "unavailable", "server unavailable", websocket.StatusTryAgainLater
			log.Warn().Err(err).Msg("ws bind failed")
		}
		_ = h.write(ctx, conn, proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: code, Msg: msg}})
		conn.Close(status, msg)
		return
	}

	readDone := make(chan error, 1)
	writeDone := make(chan error, 1)
	go func() { readDone <- h.readLoop(ctx, conn, client, &log) }()
	go func() { writeDone <- h.writeLoop(ctx, conn, client, &log) }()

	select {
	case err = <-writeDone:
		// Close before cancelling so the peer gets the reason.
		status, reason := closeStatus(client, err, &log)
		conn.Close(status, reason)
		cancel()
		<-readDone
	case err = <-readDone:
		cancel()
		<-writeDone
		status, reason := closeStatus(client, err, &log)
		conn.Close(status, reason)
	}

	// The read loop was the only sender.
	close(client.Commands)
}

// closeStatus picks the close frame for the error that ended the connection.
func closeStatus(client *core.Client, err error, log *zerolog.Logger) (websocket.StatusCode, string) {
	if dropped(client) {
		if client.Reason() == "shutdown" {
			return websocket.StatusGoingAway, client.Reason()
		}
		return websocket.StatusPolicyViolation, client.Reason()
	}
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return websocket.StatusNormalClosure, "closing"
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return websocket.StatusNormalClosure, "closing"
	}
	log.Warn().Err(err).Msg("ws connection closed with error")
	return websocket.StatusInternalError, "internal error"
}

func dropped(client *core.Client) bool {
	select {
	case <-client.Done():
		return true
	default:
		return false
	}
}

func (h *WSHandler) write(ctx context.Context, conn *websocket.Conn, out proto.Outbound) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, out)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.Client, log *zerolog.Logger) error {
	limiter := newRateLimiter(h.frameBudget)
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}

		if !limiter.allow() {
			log.Debug().Msg("inbound frame over budget")
			if err := h.write(ctx, conn, proto.Outbound{
				Type:  proto.OutboundTypeError,
				Error: &proto.Error{Code: "rate_limited", Msg: "too many messages"},
			}); err != nil {
				return err
			}
			continue
		}

		cmd, protoErr := inboundToCommand(inbound)
		if protoErr != nil {
			if err := h.write(ctx, conn, proto.Outbound{Type: proto.OutboundTypeError, Error: protoErr}); err != nil {
				return err
			}
			continue
		}

		select {
		case client.Commands <- cmd:
		case <-client.Done():
			return errDropped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeLoop delivers events until the hub drops the client. Events queued
// before the drop, such as the kick notice, are flushed first.
func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Client, log *zerolog.Logger) error {
	for {
		select {
		case event := <-client.Events:
			if err := h.write(ctx, conn, outboundFromEvent(event)); err != nil {
				log.Debug().Err(err).Msg("write ws event")
				return err
			}
		case <-client.Done():
			for {
				select {
				case event := <-client.Events:
					if err := h.write(ctx, conn, outboundFromEvent(event)); err != nil {
						return err
					}
				default:
					return errDropped
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
