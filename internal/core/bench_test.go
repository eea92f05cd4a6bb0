package core

import (
	"context"
	"strconv"
	"testing"

	"github.com/rs/zerolog"

	"github.com/iccanobif/gikopoi2-sub001/internal/presence"
	"github.com/iccanobif/gikopoi2-sub001/internal/rooms"
	"github.com/iccanobif/gikopoi2-sub001/internal/world"
)

func benchmarkRoomBroadcast(b *testing.B, recipients int) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	catalog, err := world.Default()
	if err != nil {
		b.Fatalf("load catalog: %v", err)
	}
	logger := zerolog.Nop()
	cfg := DefaultConfig()
	cfg.ReaperInterval = 0
	presenceCfg := presence.DefaultConfig()
	presenceCfg.FloodMaxMessages = 0

	hub := NewHub(cfg, Deps{
		Catalog: catalog,
		Users:   presence.NewStore(presenceCfg),
		Rooms:   rooms.NewStore(catalog),
		Logger:  &logger,
	})
	go hub.Run(ctx)

	connect := func(name string) *Client {
		res, err := hub.Login(ctx, LoginRequest{Name: name, CharacterID: "giko", AreaID: "for"})
		if err != nil {
			b.Fatalf("login: %v", err)
		}
		c := NewClient(name, res.PrivateID, "")
		if err := hub.Connect(ctx, c); err != nil {
			b.Fatalf("connect: %v", err)
		}
		return c
	}

	sender := connect("sender")
	go func() {
		for range sender.Events {
		}
	}()

	clients := make([]*Client, 0, recipients)
	for i := range recipients {
		clients = append(clients, connect("c"+strconv.Itoa(i)))
	}

	// Drain events for all but the first recipient to avoid channel backpressure.
	target := clients[0]
	for _, c := range clients[1:] {
		go func(cl *Client) {
			for range cl.Events {
			}
		}(c)
	}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		sender.Commands <- &Command{Kind: CommandSendMessage, Text: "payload"}
		for ev := range target.Events {
			if ev.Kind == EventRoomMessage {
				break
			}
		}
	}
}

func BenchmarkRoomBroadcast_10(b *testing.B)  { benchmarkRoomBroadcast(b, 10) }
func BenchmarkRoomBroadcast_100(b *testing.B) { benchmarkRoomBroadcast(b, 100) }
func BenchmarkRoomBroadcast_500(b *testing.B) { benchmarkRoomBroadcast(b, 500) }
