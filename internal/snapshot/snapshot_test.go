package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iccanobif/gikopoi2-sub001/internal/presence"
	"github.com/iccanobif/gikopoi2-sub001/internal/store"
	"github.com/iccanobif/gikopoi2-sub001/internal/store/file"
	"github.com/iccanobif/gikopoi2-sub001/internal/world"
)

type staticSource struct {
	doc *Document
	err error
}

func (s staticSource) Capture(context.Context) (*Document, error) {
	if s.err != nil {
		return nil, s.err
	}
	copied := *s.doc
	return &copied, nil
}

type failingStore struct {
	store.SnapshotStore
}

func (failingStore) Put(context.Context, []byte) error { return errors.New("disk full") }

func TestSaveLoadRoundTrip(t *testing.T) {
	st, err := file.New(t.TempDir())
	require.NoError(t, err)
	logger := zerolog.Nop()

	doc := &Document{
		Users: FromUsers([]*presence.User{{
			ID: "u1", PrivateID: "p1", Name: "giko", AreaID: "for", RoomID: "bar",
			Position: world.Point{X: 2, Y: 3}, Direction: world.Left,
			Addresses: []string{"10.0.0.1"},
		}}),
		Bans:     []string{"10.9.9.9"},
		Counters: map[string]map[string]int64{"for": {"bar": 7}},
	}
	s := New(st, staticSource{doc: doc}, time.Hour, &logger)
	require.NoError(t, s.Save(context.Background()))

	got, err := Load(context.Background(), st)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, CurrentVersion, got.Version)
	require.Len(t, got.Users, 1)
	assert.Equal(t, "giko", got.Users[0].Name)
	assert.Equal(t, world.Point{X: 2, Y: 3}, got.Users[0].Position)
	assert.Equal(t, []string{"10.9.9.9"}, got.Bans)
	assert.Equal(t, int64(7), got.Counters["for"]["bar"])
}

func TestLoadMissingIsNotAnError(t *testing.T) {
	st, err := file.New(t.TempDir())
	require.NoError(t, err)
	doc, err := Load(context.Background(), st)
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestSaveFailureIsReported(t *testing.T) {
	logger := zerolog.Nop()
	s := New(failingStore{}, staticSource{doc: &Document{}}, time.Hour, &logger)
	assert.Error(t, s.Save(context.Background()))

	s = New(failingStore{}, staticSource{err: errors.New("hub stopped")}, time.Hour, &logger)
	assert.Error(t, s.Save(context.Background()))
}

func TestDecodeLegacyShapes(t *testing.T) {
	doc, err := Decode([]byte(`[{"id":"u1","name":"old","ips":["1.1.1.1"],"x":4,"y":5,"areaId":"gen","roomId":"bar"}]`))
	require.NoError(t, err)
	require.Len(t, doc.Users, 1)
	u := doc.Users[0]
	assert.Equal(t, []string{"1.1.1.1"}, u.Addresses)
	assert.Equal(t, world.Point{X: 4, Y: 5}, u.Position)
	assert.Equal(t, "gen", u.AreaID)
	assert.Equal(t, "bar", u.RoomID)

	doc, err = Decode([]byte(`{"users":[{"id":"u2","ip":"2.2.2.2"},{"name":"no id"}],"bannedIPs":["3.3.3.3"],"counters":{"for":12,"gen":{"bar":1}}}`))
	require.NoError(t, err)
	require.Len(t, doc.Users, 1)
	assert.Equal(t, []string{"2.2.2.2"}, doc.Users[0].Addresses)
	assert.Equal(t, []string{"3.3.3.3"}, doc.Bans)
	assert.Equal(t, int64(12), doc.Counters["for"][""])
	assert.Equal(t, int64(1), doc.Counters["gen"]["bar"])

	doc, err = Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, doc.Users)

	_, err = Decode([]byte(`{"users":`))
	assert.Error(t, err)
}

func TestToUsersRelocatesUnknownRooms(t *testing.T) {
	catalog, err := world.Default()
	require.NoError(t, err)

	users := ToUsers([]UserRecord{
		{ID: "u1", AreaID: "for", RoomID: "bar", Direction: world.Up},
		{ID: "u2", AreaID: "nowhere", RoomID: "demolished"},
	}, catalog)
	require.Len(t, users, 2)
	assert.Equal(t, "bar", users[0].RoomID)
	assert.Equal(t, catalog.DefaultRoom, users[1].RoomID)
	assert.Equal(t, catalog.Areas[0].ID, users[1].AreaID)
	assert.True(t, users[1].Direction.Valid())
}
