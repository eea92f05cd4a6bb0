package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/iccanobif/gikopoi2-sub001/internal/core"
	"github.com/iccanobif/gikopoi2-sub001/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	base := flag.String("base", "http://localhost:8085", "server base URL")
	name := flag.String("name", "tester", "display name")
	character := flag.String("character", "giko", "character id")
	area := flag.String("area", "for", "area id")
	room := flag.String("room", "", "room id, empty for the default room")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	session, err := login(ctx, *base, map[string]string{
		"name":         *name,
		"character_id": *character,
		"area_id":      *area,
		"room_id":      *room,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Logged in: user=%s area=%s room=%s\n", session.UserID, session.AreaID, session.RoomID)

	wsURL := strings.Replace(*base, "http", "ws", 1) + "/ws?private_user_id=" + url.QueryEscape(session.PrivateID)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	payload, err := json.Marshal(proto.MessageData{Text: *text})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeMessage, Data: payload}); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	for {
		var outbound struct {
			Type  string          `json:"type"`
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
			Error *proto.Error    `json:"error"`
		}
		if err := wsjson.Read(ctx, conn, &outbound); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		fmt.Printf("Received outbound: type=%s", outbound.Type)
		if outbound.Event != "" {
			fmt.Printf(" event=%s", outbound.Event)
		}
		fmt.Println()

		if outbound.Error != nil {
			fmt.Printf("Error: %s (%s)\n", outbound.Error.Msg, outbound.Error.Code)
			continue
		}

		if outbound.Event == core.EventRoomMessage.String() {
			var evt proto.EventMessage
			if err := json.Unmarshal(outbound.Data, &evt); err != nil {
				fmt.Printf("Raw data: %s\n", string(outbound.Data))
				return fmt.Errorf("unmarshal message: %w", err)
			}
			fmt.Printf("EventMessage: user=%s text=%q ts=%d\n", evt.UserID, evt.Text, evt.TS)
			if evt.UserID == session.UserID {
				return nil
			}
		}
	}
}

func login(ctx context.Context, base string, body map[string]string) (*core.LoginResult, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/login", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login: status %d", resp.StatusCode)
	}
	var res core.LoginResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode login: %w", err)
	}
	return &res, nil
}
