package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/room-relay/internal/connection"
	"github.com/rickgao/room-relay/internal/heartbeat"
	"github.com/rickgao/room-relay/internal/journal"
	"github.com/rickgao/room-relay/internal/model"
	"github.com/rickgao/room-relay/internal/room"
)

// mockTransport records frames as decoded envelopes.
type mockTransport struct {
	mu     sync.Mutex
	sent   []model.Envelope
	closed bool
}

func (m *mockTransport) Send(data []byte) error {
	env, err := model.DecodeEnvelope(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, env)
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockTransport) getSent() []model.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Envelope(nil), m.sent...)
}

func (m *mockTransport) last() model.Envelope {
	sent := m.getSent()
	if len(sent) == 0 {
		return nil
	}
	return sent[len(sent)-1]
}

type mockRecorder struct {
	mu     sync.Mutex
	events []journal.Event
}

func (m *mockRecorder) Record(ev journal.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

type fixture struct {
	conns  connection.Registry
	rooms  room.Registry
	rec    *mockRecorder
	router Router
}

func newFixture(handlers Handlers) *fixture {
	f := &fixture{
		conns: connection.NewRegistry(nil),
		rooms: room.NewRegistry(nil, nil),
		rec:   &mockRecorder{},
	}
	f.router = NewRouter(f.conns, f.rooms, handlers, f.rec, nil)
	return f
}

func encode(t *testing.T, v map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// join opens a connection and completes the handshake into entityID.
func (f *fixture) join(t *testing.T, key, uid, username, entityID string) *mockTransport {
	t.Helper()
	ctx := context.Background()
	tr := &mockTransport{}
	if err := f.router.HandleOpen(ctx, key, tr); err != nil {
		t.Fatalf("HandleOpen: %v", err)
	}
	f.router.HandleMessage(ctx, key, encode(t, map[string]any{
		"endpoint": "broadcast",
		"from":     key,
		"entityId": entityID,
		"username": username,
		"uid":      uid,
	}))
	if _, ok := f.conns.LookupConnected(uid); !ok {
		t.Fatalf("%s did not complete the handshake", uid)
	}
	return tr
}

// echo responds with a copy of the command stamped with the sender.
var echo = HandlerFunc(func(ctx context.Context, env model.Envelope, sender *connection.Connection) (model.Envelope, bool) {
	resp := env.Clone()
	resp["from"] = sender.UserID()
	return resp, true
})

var refuse = HandlerFunc(func(ctx context.Context, env model.Envelope, sender *connection.Connection) (model.Envelope, bool) {
	return nil, false
})

func TestRouter_ScenarioA_HandshakeCreatesRoom(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	tr := &mockTransport{}

	if err := f.router.HandleOpen(ctx, "key-1", tr); err != nil {
		t.Fatalf("HandleOpen failed: %v", err)
	}

	welcome := tr.last()
	if welcome[model.FieldType] != model.TypeWelcome {
		t.Fatalf("first envelope = %v, want welcome", welcome)
	}
	friends, ok := welcome[model.FieldFriendsHere].([]any)
	if !ok || len(friends) != 0 {
		t.Errorf("friendsHere = %v, want empty array", welcome[model.FieldFriendsHere])
	}
	me, _ := welcome.String(model.FieldMe)
	if me != "key-1" {
		t.Fatalf("me = %q, want key-1", me)
	}

	f.router.HandleMessage(ctx, me, encode(t, map[string]any{
		"endpoint": "broadcast",
		"from":     me,
		"entityId": "proj1",
		"username": "alice",
		"uid":      "u1",
	}))

	r, ok := f.rooms.GetRoom("proj1")
	if !ok {
		t.Fatal("room proj1 was not created")
	}
	if r.Len() != 1 {
		t.Errorf("room size = %d, want 1", r.Len())
	}

	resp := tr.last()
	if resp[model.FieldRoom] != "proj1" {
		t.Errorf("response room = %v, want proj1", resp[model.FieldRoom])
	}
	client, ok := resp[model.FieldClient].(map[string]any)
	if !ok || client["uid"] != "u1" || client["username"] != "alice" {
		t.Errorf("response client = %v", resp[model.FieldClient])
	}
	if _, ok := f.conns.LookupPending("key-1"); ok {
		t.Error("connection still pending")
	}
	if got := f.router.Stats().Handshakes; got != 1 {
		t.Errorf("Handshakes = %d, want 1", got)
	}
}

func TestRouter_ScenarioB_DispatchAndBroadcast(t *testing.T) {
	f := newFixture(Handlers{"chat": echo})
	ctx := context.Background()

	t1 := f.join(t, "key-1", "u1", "alice", "proj1")
	t2 := f.join(t, "key-2", "u2", "bob", "proj1")
	before1, before2 := len(t1.getSent()), len(t2.getSent())

	f.router.HandleMessage(ctx, "key-1", encode(t, map[string]any{
		"endpoint": "nope",
		"from":     "u1",
		"room":     "proj1",
	}))
	if len(t1.getSent()) != before1 || len(t2.getSent()) != before2 {
		t.Fatal("unknown endpoint produced a broadcast")
	}

	f.router.HandleMessage(ctx, "key-1", encode(t, map[string]any{
		"endpoint": "chat",
		"from":     "u1",
		"room":     "proj1",
		"text":     "hi",
	}))

	for name, tr := range map[string]*mockTransport{"u1": t1, "u2": t2} {
		msg := tr.last()
		if msg["endpoint"] != "chat" || msg["text"] != "hi" {
			t.Errorf("%s last envelope = %v, want the chat response", name, msg)
		}
	}

	stats := f.router.Stats()
	if stats.UnknownEndpoints != 1 {
		t.Errorf("UnknownEndpoints = %d, want 1", stats.UnknownEndpoints)
	}
}

func TestRouter_ScenarioC_MissedPingEvicts(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	mon := heartbeat.NewMonitor(heartbeat.DefaultConfig(), f.conns, f.rooms, nil, nil)

	f.join(t, "key-1", "u1", "alice", "proj1")
	t2 := f.join(t, "key-2", "u2", "bob", "proj1")

	pong := encode(t, map[string]any{"endpoint": "pong", "from": "u2"})

	mon.Tick()
	f.router.HandleMessage(ctx, "key-2", pong)
	mon.Tick()
	f.router.HandleMessage(ctx, "key-2", pong)

	if _, ok := f.conns.LookupConnected("u1"); ok {
		t.Fatal("u1 should be evicted")
	}
	if _, ok := f.conns.LookupConnected("u2"); !ok {
		t.Fatal("u2 answered every ping and should stay")
	}

	var goodbyes []model.Envelope
	for _, env := range t2.getSent() {
		if env[model.FieldType] == model.TypeGoodbye {
			goodbyes = append(goodbyes, env)
		}
	}
	if len(goodbyes) != 1 || goodbyes[0][model.FieldFrom] != "u1" {
		t.Errorf("u2 goodbyes = %v, want exactly one from u1", goodbyes)
	}
}

func TestRouter_WelcomeListsConnectedClients(t *testing.T) {
	f := newFixture(nil)
	f.join(t, "key-1", "u1", "alice", "proj1")
	f.join(t, "key-2", "u2", "bob", "proj2")

	tr := &mockTransport{}
	f.router.HandleOpen(context.Background(), "key-3", tr)

	welcome := tr.last()
	friends, _ := welcome[model.FieldFriendsHere].([]any)
	if len(friends) != 2 {
		t.Fatalf("friendsHere = %v, want 2 entries", friends)
	}
	first, _ := friends[0].(map[string]any)
	if first["uid"] != "u1" || first["username"] != "alice" {
		t.Errorf("friendsHere[0] = %v", first)
	}
	if len(first) != 2 {
		t.Errorf("public representation leaks fields: %v", first)
	}
}

func TestRouter_HandleOpen_Duplicate(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	f.router.HandleOpen(ctx, "key-1", &mockTransport{})
	err := f.router.HandleOpen(ctx, "key-1", &mockTransport{})
	if !errors.Is(err, connection.ErrDuplicatePending) {
		t.Errorf("err = %v, want ErrDuplicatePending", err)
	}
}

func TestRouter_DropsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `hello`},
		{name: "no endpoint", data: `{"from":"u1"}`},
		{name: "non-string endpoint", data: `{"endpoint":5}`},
		{name: "handshake missing uid", data: `{"endpoint":"broadcast","from":"key-9","entityId":"p","username":"x"}`},
		{name: "handshake blank username", data: `{"endpoint":"broadcast","from":"key-9","entityId":"p","username":"  ","uid":"u9"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(Handlers{"chat": echo})
			tr := &mockTransport{}
			f.router.HandleOpen(context.Background(), "key-9", tr)
			before := len(tr.getSent())

			f.router.HandleMessage(context.Background(), "key-9", []byte(tt.data))

			if len(tr.getSent()) != before {
				t.Error("malformed envelope produced a reply")
			}
			if got := f.router.Stats().ParseErrors; got != 1 {
				t.Errorf("ParseErrors = %d, want 1", got)
			}
			if _, ok := f.conns.LookupPending("key-9"); !ok {
				t.Error("connection should remain pending")
			}
		})
	}
}

func TestRouter_UnidentifiedSender(t *testing.T) {
	f := newFixture(Handlers{"chat": echo})
	ctx := context.Background()
	t1 := f.join(t, "key-1", "u1", "alice", "proj1")
	before := len(t1.getSent())

	tests := []struct {
		name string
		conn string
		env  map[string]any
	}{
		{name: "no from", conn: "key-1", env: map[string]any{"endpoint": "chat", "room": "proj1"}},
		{name: "unknown user", conn: "key-1", env: map[string]any{"endpoint": "chat", "from": "ghost", "room": "proj1"}},
		{name: "spoofed user", conn: "key-evil", env: map[string]any{"endpoint": "chat", "from": "u1", "room": "proj1"}},
		{name: "pending sender", conn: "key-2", env: map[string]any{"endpoint": "chat", "from": "key-2", "room": "proj1"}},
	}

	f.router.HandleOpen(ctx, "key-2", &mockTransport{})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.router.HandleMessage(ctx, tt.conn, encode(t, tt.env))
		})
	}

	if len(t1.getSent()) != before {
		t.Error("unidentified sender produced a broadcast")
	}
	if got := f.router.Stats().Unidentified; got != int64(len(tests)) {
		t.Errorf("Unidentified = %d, want %d", got, len(tests))
	}
}

func TestRouter_HandshakeForeignConnection(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	f.router.HandleOpen(ctx, "key-1", &mockTransport{})
	f.router.HandleOpen(ctx, "key-2", &mockTransport{})

	// key-2 tries to complete key-1's handshake.
	f.router.HandleMessage(ctx, "key-2", encode(t, map[string]any{
		"endpoint": "broadcast",
		"from":     "key-1",
		"entityId": "proj1",
		"username": "mallory",
		"uid":      "u666",
	}))

	if _, ok := f.conns.LookupPending("key-1"); !ok {
		t.Error("key-1 was promoted by another connection")
	}
	if _, ok := f.rooms.GetRoom("proj1"); ok {
		t.Error("room created by a rejected handshake")
	}
}

func TestRouter_HandshakeUnknownPending(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	// Never opened: the router must log and drop, not panic.
	f.router.HandleMessage(ctx, "key-1", encode(t, map[string]any{
		"endpoint": "broadcast",
		"from":     "key-1",
		"entityId": "proj1",
		"username": "alice",
		"uid":      "u1",
	}))

	if _, ok := f.rooms.GetRoom("proj1"); ok {
		t.Error("room created for an unknown connection")
	}
	if got := f.router.Stats().Unidentified; got != 1 {
		t.Errorf("Unidentified = %d, want 1", got)
	}
}

func TestRouter_PongMarksAlive(t *testing.T) {
	f := newFixture(Handlers{"pong": refuse})
	ctx := context.Background()
	f.join(t, "key-1", "u1", "alice", "proj1")

	c, _ := f.conns.LookupConnected("u1")
	c.MarkSuspect()

	f.router.HandleMessage(ctx, "key-1", encode(t, map[string]any{"endpoint": "pong", "from": "u1"}))

	if !c.IsAlive() {
		t.Error("pong did not clear suspect state")
	}
	stats := f.router.Stats()
	if stats.Pongs != 1 {
		t.Errorf("Pongs = %d, want 1", stats.Pongs)
	}
	if stats.NoResponse != 0 {
		t.Error("pong was dispatched to a handler")
	}
}

func TestRouter_HandlerNoResponse(t *testing.T) {
	f := newFixture(Handlers{"chat": refuse})
	t1 := f.join(t, "key-1", "u1", "alice", "proj1")
	before := len(t1.getSent())

	f.router.HandleMessage(context.Background(), "key-1", encode(t, map[string]any{
		"endpoint": "chat",
		"from":     "u1",
		"room":     "proj1",
	}))

	if len(t1.getSent()) != before {
		t.Error("declined command was broadcast")
	}
	if got := f.router.Stats().NoResponse; got != 1 {
		t.Errorf("NoResponse = %d, want 1", got)
	}
}

func TestRouter_UnresolvableRoom(t *testing.T) {
	f := newFixture(Handlers{"chat": echo})
	f.join(t, "key-1", "u1", "alice", "proj1")

	f.router.HandleMessage(context.Background(), "key-1", encode(t, map[string]any{
		"endpoint": "chat",
		"from":     "u1",
		"room":     "nowhere",
	}))

	if _, ok := f.rooms.GetRoom("nowhere"); ok {
		t.Error("dispatch created a room as a side effect")
	}
	if got := f.router.Stats().Unroutable; got != 1 {
		t.Errorf("Unroutable = %d, want 1", got)
	}
}

func TestRouter_HandshakeNormalisesUsername(t *testing.T) {
	f := newFixture(nil)
	// "e" + combining acute accent normalises to the precomposed "é".
	f.join(t, "key-1", "u1", "  Re\u0301my ", "proj1")

	c, _ := f.conns.LookupConnected("u1")
	if want := "R\u00e9my"; c.DisplayName() != want {
		t.Errorf("DisplayName = %q, want %q", c.DisplayName(), want)
	}
}

func TestRouter_HandleClose(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	t1 := &mockTransport{}
	f.router.HandleOpen(ctx, "key-1", t1)
	t2 := f.join(t, "key-2", "u2", "bob", "proj1")

	f.router.HandleClose("key-1", t1)
	f.router.HandleClose("key-2", t2)

	if _, ok := f.conns.LookupPending("key-1"); ok {
		t.Error("pending connection not dropped on close")
	}
	if _, ok := f.conns.LookupConnected("u2"); !ok {
		t.Error("connected client should be left for the heartbeat")
	}
}

func TestRouter_HandleClose_RejectedDuplicate(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()
	first := &mockTransport{}
	second := &mockTransport{}

	f.router.HandleOpen(ctx, "key-1", first)
	if err := f.router.HandleOpen(ctx, "key-1", second); err == nil {
		t.Fatal("expected duplicate open to fail")
	}

	// Closing the rejected transport must not touch the live one.
	f.router.HandleClose("key-1", second)

	c, ok := f.conns.LookupPending("key-1")
	if !ok || c.Transport() != first {
		t.Fatal("first connection lost its pending entry")
	}

	f.router.HandleMessage(ctx, "key-1", encode(t, map[string]any{
		"endpoint": "broadcast",
		"from":     "key-1",
		"entityId": "proj1",
		"username": "alice",
		"uid":      "u1",
	}))
	if _, ok := f.conns.LookupConnected("u1"); !ok {
		t.Error("first connection could not complete its handshake")
	}
}

func TestRouter_WelcomeSkipsClosedClients(t *testing.T) {
	f := newFixture(nil)
	t1 := f.join(t, "key-1", "u1", "alice", "proj1")
	f.join(t, "key-2", "u2", "bob", "proj1")
	t1.Close()

	tr := &mockTransport{}
	f.router.HandleOpen(context.Background(), "key-3", tr)

	friends, _ := tr.last()[model.FieldFriendsHere].([]any)
	if len(friends) != 1 {
		t.Fatalf("friendsHere = %v, want only u2", friends)
	}
	if first, _ := friends[0].(map[string]any); first["uid"] != "u2" {
		t.Errorf("friendsHere[0] = %v, want u2", first)
	}
}

func TestRouter_ConcurrentWithHeartbeat(t *testing.T) {
	f := newFixture(Handlers{"chat": echo})
	ctx := context.Background()
	mon := heartbeat.NewMonitor(heartbeat.DefaultConfig(), f.conns, f.rooms, f.rec, nil)

	const clients = 40
	type frames struct {
		key       string
		handshake []byte
		chat      []byte
		pong      []byte
	}
	all := make([]frames, clients)
	for i := range all {
		key := fmt.Sprintf("key-%d", i)
		uid := fmt.Sprintf("u%d", i)
		room := fmt.Sprintf("proj%d", i%4)
		all[i] = frames{
			key:       key,
			handshake: encode(t, map[string]any{
				"endpoint": "broadcast", "from": key, "entityId": room, "username": uid, "uid": uid,
			}),
			chat:      encode(t, map[string]any{"endpoint": "chat", "from": uid, "room": room}),
			pong:      encode(t, map[string]any{"endpoint": "pong", "from": uid}),
		}
	}

	stop := make(chan struct{})
	var tickers sync.WaitGroup
	for i := 0; i < 3; i++ {
		tickers.Add(1)
		go func() {
			defer tickers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					mon.Tick()
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}

	var wg sync.WaitGroup
	for _, fr := range all {
		wg.Add(1)
		go func(fr frames) {
			defer wg.Done()
			if err := f.router.HandleOpen(ctx, fr.key, &mockTransport{}); err != nil {
				t.Errorf("HandleOpen(%s): %v", fr.key, err)
				return
			}
			f.router.HandleMessage(ctx, fr.key, fr.handshake)
			for j := 0; j < 10; j++ {
				f.router.HandleMessage(ctx, fr.key, fr.chat)
				f.router.HandleMessage(ctx, fr.key, fr.pong)
			}
		}(fr)
	}
	wg.Wait()
	close(stop)
	tickers.Wait()

	// Every client is either still connected and in one room, or fully evicted.
	for i := 0; i < clients; i++ {
		uid := fmt.Sprintf("u%d", i)
		_, connected := f.conns.LookupConnected(uid)
		r, inRoom := f.rooms.FindRoomOf(uid)
		if connected != inRoom {
			t.Errorf("%s: connected=%v inRoom=%v", uid, connected, inRoom)
		}
		if inRoom && r.EntityID() != fmt.Sprintf("proj%d", i%4) {
			t.Errorf("%s in %s", uid, r.EntityID())
		}
	}
	stats := f.conns.Stats()
	if stats.Pending != 0 {
		t.Errorf("Pending = %d, want 0", stats.Pending)
	}
	if got := f.router.Stats().Handshakes; got != clients {
		t.Errorf("Handshakes = %d, want %d", got, clients)
	}
}

func TestRouter_RecordsJoin(t *testing.T) {
	f := newFixture(nil)
	f.join(t, "key-1", "u1", "alice", "proj1")

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	if len(f.rec.events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(f.rec.events))
	}
	ev := f.rec.events[0]
	if ev.Kind != journal.KindJoined || ev.UserID != "u1" || ev.EntityID != "proj1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestRouter_ConcurrentRooms(t *testing.T) {
	f := newFixture(Handlers{"chat": echo})
	ctx := context.Background()

	a := f.join(t, "key-a", "ua", "a", "projA")
	b := f.join(t, "key-b", "ub", "b", "projB")
	baseA, baseB := len(a.getSent()), len(b.getSent())

	msgA := encode(t, map[string]any{"endpoint": "chat", "from": "ua", "room": "projA"})
	msgB := encode(t, map[string]any{"endpoint": "chat", "from": "ub", "room": "projB"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.router.HandleMessage(ctx, "key-a", msgA)
		}()
		go func() {
			defer wg.Done()
			f.router.HandleMessage(ctx, "key-b", msgB)
		}()
	}
	wg.Wait()

	if got := len(a.getSent()) - baseA; got != 20 {
		t.Errorf("projA received %d, want 20", got)
	}
	if got := len(b.getSent()) - baseB; got != 20 {
		t.Errorf("projB received %d, want 20", got)
	}
}
