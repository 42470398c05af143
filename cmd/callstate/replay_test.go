package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/callstate/internal/baresip"
	"github.com/sweeney/callstate/internal/broadcast"
	"github.com/sweeney/callstate/internal/calllog"
	"github.com/sweeney/callstate/internal/config"
	"github.com/sweeney/callstate/internal/control"
	"github.com/sweeney/callstate/internal/publisher"
	"github.com/sweeney/callstate/internal/store"
)

func fixturesDir() string {
	return filepath.Join("..", "..", "testdata", "fixtures")
}

// replayServer stands in for baresip: it acknowledges every command and
// writes captured events back to the engine.
type replayServer struct {
	conn net.Conn
	enc  *baresip.Encoder

	mu       sync.Mutex
	commands []string
}

func (s *replayServer) serve() {
	dec := baresip.NewDecoder(s.conn)
	for {
		data, err := dec.Decode()
		if err != nil {
			return
		}
		var cmd baresip.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		s.mu.Lock()
		s.commands = append(s.commands, strings.TrimSpace(cmd.Command+" "+cmd.Params))
		s.mu.Unlock()
		resp, _ := json.Marshal(baresip.Response{Response: true, OK: true, Token: cmd.Token})
		s.write(resp)
	}
}

func (s *replayServer) write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enc.Encode(data)
}

func (s *replayServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// replay sends the events of a capture file in order. Responses in the
// capture are skipped; the server answers commands itself.
func (s *replayServer) replay(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || !bytes.Contains(line, []byte(`"event":true`)) {
			continue
		}
		s.write(line)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scanning fixture: %v", err)
	}
}

type harness struct {
	app    *app
	server *replayServer
	pub    *publisher.MockPublisher
	st     store.Store
}

func newHarness(t *testing.T, prefix string, st store.Store, edit func(*config.Config)) *harness {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("loading defaults: %v", err)
	}
	cfg.MQTT.TopicPrefix = prefix
	cfg.Calls.RedeliveryDelay = 0
	cfg.Engine.ReconnectDelay = 0
	if edit != nil {
		edit(cfg)
	}

	serverConn, clientConn := net.Pipe()
	srv := &replayServer{conn: serverConn, enc: baresip.NewEncoder(serverConn)}
	go srv.serve()

	dial := func(context.Context) (*baresip.Client, error) {
		return baresip.NewClient(clientConn, baresip.ClientOptions{CommandTimeout: time.Second}), nil
	}
	pub := publisher.NewMockPublisher()
	a, err := newApp(context.Background(), cfg, nil, st, dial, pub)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() {
		a.ctl.Close()
		serverConn.Close()
	})
	return &harness{app: a, server: srv, pub: pub, st: st}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	err := h.app.svc.Connect(context.Background(), control.ConnectParams{
		Server:   "pbx.example.com",
		Username: "1000",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
}

// waitForTopic polls until a message on topic was published.
func (h *harness) waitForTopic(t *testing.T, topic string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, tp := range h.pub.Topics() {
			if tp == topic {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no message on %s; got %v", topic, h.pub.Topics())
}

// callEvents returns the published messages other than stateUpdated.
func (h *harness) callEvents() []publisher.Message {
	var out []publisher.Message
	for _, m := range h.pub.Messages() {
		if !strings.HasSuffix(m.Topic, "/"+string(broadcast.EventStateUpdated)) {
			out = append(out, m)
		}
	}
	return out
}

func (h *harness) history(t *testing.T) []calllog.Entry {
	t.Helper()
	hist, err := calllog.New(h.st).History(context.Background())
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return hist
}

func parseNotification(t *testing.T, data []byte) broadcast.Notification {
	t.Helper()
	var n broadcast.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return n
}

func assertTopics(t *testing.T, msgs []publisher.Message, prefix string, events ...broadcast.Event) {
	t.Helper()
	if len(msgs) != len(events) {
		topics := make([]string, len(msgs))
		for i, m := range msgs {
			topics[i] = m.Topic
		}
		t.Fatalf("expected %d call messages, got %d: %v", len(events), len(msgs), topics)
	}
	for i, e := range events {
		want := prefix + "/state/" + string(e)
		if msgs[i].Topic != want {
			t.Errorf("message %d: expected topic %s, got %s", i, want, msgs[i].Topic)
		}
	}
}

// --- Incoming, answered, remote BYE ---

func TestIntegrationIncomingAnswered(t *testing.T) {
	h := newHarness(t, "callstate", store.NewMemory(), nil)
	h.connect(t)
	h.server.replay(t, filepath.Join(fixturesDir(), "incoming-answered.jsonl"))
	h.waitForTopic(t, "callstate/state/callLogUpdated")

	msgs := h.callEvents()
	assertTopics(t, msgs, "callstate",
		broadcast.EventIncomingCall, broadcast.EventCallAnswered, broadcast.EventCallHangup, broadcast.EventCallLogUpdated)

	incoming := parseNotification(t, msgs[0].Payload)
	if incoming.Caller != "Martin" || !incoming.State.IncomingPending {
		t.Errorf("unexpected incomingCall payload %+v", incoming)
	}

	hangup := parseNotification(t, msgs[2].Payload)
	if hangup.FinalStatus != calllog.StatusCompleted {
		t.Errorf("expected finalStatus=completed, got %s", hangup.FinalStatus)
	}
	if !hangup.ByeReceived || !hangup.RemoteHangup || !hangup.CallTerminated {
		t.Errorf("expected remote BYE flags, got %+v", hangup)
	}
	if hangup.CallID != incoming.CallID {
		t.Errorf("expected consistent call id, got %s and %s", incoming.CallID, hangup.CallID)
	}
	if hangup.State.HasActiveCall {
		t.Error("expected no active call after hangup")
	}

	hist := h.history(t)
	if len(hist) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(hist))
	}
	if hist[0].Number != "1986" || hist[0].Name != "Martin" || hist[0].Direction != calllog.DirectionIncoming {
		t.Errorf("unexpected entry %+v", hist[0])
	}
	if !hist[0].Answered || hist[0].AnswerTime == nil {
		t.Error("expected entry marked answered")
	}

	logged := parseNotification(t, msgs[3].Payload)
	if len(logged.History) != 1 || logged.History[0].ID != hist[0].ID {
		t.Errorf("expected callLogUpdated to carry the history, got %+v", logged.History)
	}
}

// --- Incoming, caller gives up ---

func TestIntegrationIncomingMissed(t *testing.T) {
	h := newHarness(t, "phone", store.NewMemory(), nil)
	h.connect(t)
	h.server.replay(t, filepath.Join(fixturesDir(), "incoming-missed.jsonl"))
	h.waitForTopic(t, "phone/state/callLogUpdated")

	msgs := h.callEvents()
	assertTopics(t, msgs, "phone",
		broadcast.EventIncomingCall, broadcast.EventCallHangup, broadcast.EventCallLogUpdated)

	hist := h.history(t)
	if len(hist) != 1 || hist[0].Status != calllog.StatusMissed {
		t.Fatalf("expected one missed entry, got %+v", hist)
	}
	if hist[0].Duration != 0 || hist[0].FormattedDuration != "00:00" {
		t.Errorf("expected zero duration for unanswered call, got %d", hist[0].Duration)
	}
}

// --- Outgoing, remote busy / declined ---

func TestIntegrationOutgoingFinalResponses(t *testing.T) {
	tests := []struct {
		fixture string
		target  string
		status  calllog.Status
		busy    bool
	}{
		{"outgoing-busy.jsonl", "666", calllog.StatusBusy, true},
		{"outgoing-declined.jsonl", "1986", calllog.StatusRejected, false},
	}

	for _, tt := range tests {
		t.Run(tt.fixture, func(t *testing.T) {
			h := newHarness(t, "callstate", store.NewMemory(), nil)
			h.connect(t)
			callID, err := h.app.svc.MakeCall(context.Background(), control.CallParams{Target: tt.target})
			if err != nil {
				t.Fatalf("makeCall: %v", err)
			}

			h.server.replay(t, filepath.Join(fixturesDir(), tt.fixture))
			h.waitForTopic(t, "callstate/state/callLogUpdated")

			msgs := h.callEvents()
			assertTopics(t, msgs, "callstate", broadcast.EventCallHangup, broadcast.EventCallLogUpdated)

			hangup := parseNotification(t, msgs[0].Payload)
			if hangup.CallID != callID {
				t.Errorf("expected callId=%s, got %s", callID, hangup.CallID)
			}
			if hangup.FinalStatus != tt.status || hangup.BusyReceived != tt.busy {
				t.Errorf("unexpected hangup payload %+v", hangup)
			}

			hist := h.history(t)
			if len(hist) != 1 || hist[0].Status != tt.status || hist[0].Number != tt.target {
				t.Fatalf("unexpected history %+v", hist)
			}

			dial := "dial sip:" + tt.target + "@pbx.example.com"
			found := false
			for _, c := range h.server.Commands() {
				if c == dial {
					found = true
				}
			}
			if !found {
				t.Errorf("expected %q, got %v", dial, h.server.Commands())
			}
		})
	}
}

// --- Events for another account on the same baresip ---

func TestIntegrationForeignAccountIgnored(t *testing.T) {
	h := newHarness(t, "callstate", store.NewMemory(), nil)
	h.connect(t)
	h.server.replay(t, filepath.Join(fixturesDir(), "foreign-account.jsonl"))
	h.waitForTopic(t, "callstate/state/callLogUpdated")

	hist := h.history(t)
	if len(hist) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(hist))
	}
	if hist[0].Number != "21" || hist[0].Status != calllog.StatusMissed {
		t.Errorf("unexpected entry %+v", hist[0])
	}
}

// --- Startup ---

func TestStartupFinalizesOrphanedCall(t *testing.T) {
	st := store.NewMemory()
	start := time.Now().Add(-time.Minute)
	orphan := calllog.NewEntry(calllog.DirectionOutgoing, "1986", "", start)
	orphan.MarkAnswered(start.Add(5 * time.Second))
	if err := calllog.New(st).SetCurrent(context.Background(), orphan); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, "callstate", st, nil)

	hist := h.history(t)
	if len(hist) != 1 || hist[0].Status != calllog.StatusCompleted || hist[0].ID != orphan.ID {
		t.Fatalf("expected orphan finalized as completed, got %+v", hist)
	}
	cur, err := calllog.New(st).Current(context.Background())
	if err != nil || cur != nil {
		t.Errorf("expected no current call, got %+v (%v)", cur, err)
	}
	keys := st.Keys()
	sort.Strings(keys)
	want := []string{calllog.KeyCallLog, broadcast.KeyConnectionState, broadcast.KeyHasIncomingCall}
	sort.Strings(want)
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("expected keys %v after startup, got %v", want, keys)
	}

	msgs := h.pub.Messages()
	if len(msgs) == 0 {
		t.Fatal("expected startup state to be published")
	}
	last := msgs[len(msgs)-1]
	if last.Topic != "callstate/state/stateUpdated" || !last.Retained {
		t.Errorf("expected retained stateUpdated, got %s retained=%v", last.Topic, last.Retained)
	}
	if n := parseNotification(t, last.Payload); n.State.Status != "Disconnected" || n.State.HasActiveCall {
		t.Errorf("unexpected startup state %+v", n.State)
	}
}

func TestAutoConnectUsesSavedSettings(t *testing.T) {
	st := store.NewMemory()
	saved := control.Settings{
		Server:   "pbx.example.com",
		WSURL:    "wss://edge.example.com:8089/ws",
		Username: "1000",
	}
	if err := store.SetJSON(context.Background(), st, control.KeySettings, saved); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, "callstate", st, func(cfg *config.Config) {
		cfg.Account = config.AccountConfig{
			Server:      "pbx.example.com",
			Username:    "1000",
			Password:    "secret",
			DisplayName: "Desk",
			AutoConnect: true,
		}
	})
	if err := h.app.autoConnect(context.Background()); err != nil {
		t.Fatalf("autoConnect: %v", err)
	}

	var uanew string
	for _, c := range h.server.Commands() {
		if strings.HasPrefix(c, "uanew ") {
			uanew = c
		}
	}
	if !strings.Contains(uanew, `outbound="sip:edge.example.com:8089;transport=wss"`) {
		t.Errorf("expected saved websocket url in account line, got %q", uanew)
	}
	if !strings.Contains(uanew, `"Desk"`) {
		t.Errorf("expected display name in account line, got %q", uanew)
	}
	if !h.app.svc.GetState().Connected {
		t.Error("expected connected after auto-connect")
	}
}

func TestAutoConnectDisabled(t *testing.T) {
	h := newHarness(t, "callstate", store.NewMemory(), nil)
	if err := h.app.autoConnect(context.Background()); err != nil {
		t.Fatalf("autoConnect: %v", err)
	}
	if len(h.server.Commands()) != 0 {
		t.Errorf("expected no engine commands, got %v", h.server.Commands())
	}
}

func TestStateEndpoint(t *testing.T) {
	h := newHarness(t, "callstate", store.NewMemory(), nil)
	h.connect(t)

	srv := httptest.NewServer(h.app.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var st broadcast.State
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if !st.Connected {
		t.Errorf("expected connected state, got %+v", st)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
}
