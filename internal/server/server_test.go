package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roelfdiedericks/chatstream/internal/lifecycle"
	"github.com/roelfdiedericks/chatstream/internal/llm"
	"github.com/roelfdiedericks/chatstream/internal/logging"
	"github.com/roelfdiedericks/chatstream/internal/orchestrator"
	"github.com/roelfdiedericks/chatstream/internal/retry"
)

func TestMain(m *testing.M) {
	logging.Init(&logging.LogConfig{Level: logging.LevelError})
	os.Exit(m.Run())
}

func testTemplate(providers ...llm.Provider) orchestrator.Options {
	reg := llm.NewRegistry()
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		reg.Register(p)
		names = append(names, p.Name())
	}
	return orchestrator.Options{
		Providers:      reg,
		Fallback:       llm.NewFallbackResolver(names, reg),
		Provider:       providers[0].Name(),
		Model:          providers[0].Model(),
		EnableRetry:    true,
		EnableFallback: true,
		Retry: retry.Config{
			MaxRetries:          1,
			BaseDelay:           5 * time.Millisecond,
			MaxDelay:            50 * time.Millisecond,
			BackoffMultiplier:   2,
			RetryableCategories: retry.DefaultConfig().RetryableCategories,
		},
	}
}

func startServer(t *testing.T, template orchestrator.Options) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(Config{}, template)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil collects events until stop returns true.
func readUntil(t *testing.T, conn *websocket.Conn, stop func(ServerEvent) bool) []ServerEvent {
	t.Helper()
	var got []ServerEvent
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev ServerEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read after %d events: %v", len(got), err)
		}
		got = append(got, ev)
		if stop(ev) {
			return got
		}
	}
}

func terminalStatus(ev ServerEvent) bool {
	return ev.Type == EventStatus && ev.Status != nil && ev.Status.State.IsTerminal()
}

func TestSendStreamsOverWebsocket(t *testing.T) {
	_, ts := startServer(t, testTemplate(llm.NewEchoProvider("echo", llm.ProviderConfig{})))
	conn := dial(t, ts)

	first := readUntil(t, conn, func(ServerEvent) bool { return true })
	if first[0].Type != EventStatus || first[0].Status.State != lifecycle.StateIdle {
		t.Fatalf("first event = %+v, want idle status", first[0])
	}

	if err := conn.WriteJSON(ClientMessage{Type: MsgSend, Text: "hello streaming world"}); err != nil {
		t.Fatal(err)
	}
	events := readUntil(t, conn, terminalStatus)

	var last string
	completed := false
	for _, ev := range events {
		switch ev.Type {
		case EventChunk:
			last = ev.Accumulated
		case EventComplete:
			completed = true
		case EventError:
			t.Errorf("unexpected error event: %s", ev.Error)
		}
	}
	if last != "hello streaming world" {
		t.Errorf("accumulated = %q", last)
	}
	if !completed {
		t.Error("no complete event")
	}
	if st := events[len(events)-1].Status; st.State != lifecycle.StateCompleted || st.Provider != "echo" {
		t.Errorf("final status = %+v", st)
	}
}

func TestErrorEventCarriesClassification(t *testing.T) {
	failing := llm.NewScriptedProvider("openai", "gpt-test",
		llm.FailScript(&llm.ProviderError{Provider: "openai", StatusCode: 401, Message: "invalid api key"}))
	_, ts := startServer(t, testTemplate(failing))
	conn := dial(t, ts)
	readUntil(t, conn, func(ServerEvent) bool { return true })

	if err := conn.WriteJSON(ClientMessage{Type: MsgSend, Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	events := readUntil(t, conn, terminalStatus)

	var errEv *ServerEvent
	for i := range events {
		if events[i].Type == EventError {
			if errEv != nil {
				t.Fatal("error reported twice")
			}
			errEv = &events[i]
		}
	}
	if errEv == nil {
		t.Fatal("no error event")
	}
	if errEv.Category != string(llm.CategoryConfiguration) || len(errEv.Fixes) == 0 {
		t.Errorf("error event = %+v", errEv)
	}
	st := events[len(events)-1].Status
	if st.State != lifecycle.StateError || st.ErrorMessage == "" {
		t.Errorf("final status = %+v", st)
	}
	if failing.Calls() != 1 {
		t.Errorf("calls = %d, configuration errors are not retried", failing.Calls())
	}
}

func TestCancelOverWebsocket(t *testing.T) {
	slow := llm.NewScriptedProvider("echo", "slow", []llm.ScriptStep{
		{Chunk: llm.Chunk{Type: llm.ChunkTextDelta, Text: "partial"}},
		{Hang: true},
	})
	_, ts := startServer(t, testTemplate(slow))
	conn := dial(t, ts)
	readUntil(t, conn, func(ServerEvent) bool { return true })

	if err := conn.WriteJSON(ClientMessage{Type: MsgSend, Text: "go"}); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, func(ev ServerEvent) bool { return ev.Type == EventChunk })
	if err := conn.WriteJSON(ClientMessage{Type: MsgCancel}); err != nil {
		t.Fatal(err)
	}
	events := readUntil(t, conn, terminalStatus)

	for _, ev := range events {
		if ev.Type == EventError {
			t.Errorf("cancel must not surface an error: %s", ev.Error)
		}
	}
	st := events[len(events)-1].Status
	if !st.WasCancelled || st.CanRetry || st.ErrorMessage != "" {
		t.Errorf("status after cancel = %+v", st)
	}
}

func TestProviderAndUnknownMessages(t *testing.T) {
	_, ts := startServer(t, testTemplate(
		llm.NewEchoProvider("echo", llm.ProviderConfig{}),
		llm.NewEchoProvider("echo2", llm.ProviderConfig{Model: "loud"}),
	))
	conn := dial(t, ts)
	readUntil(t, conn, func(ServerEvent) bool { return true })

	if err := conn.WriteJSON(ClientMessage{Type: MsgProvider, Provider: "echo2", Model: "loud"}); err != nil {
		t.Fatal(err)
	}
	ev := readUntil(t, conn, func(ServerEvent) bool { return true })[0]
	if ev.Type != EventProvider || ev.Provider != "echo2" || ev.Model != "loud" {
		t.Errorf("provider event = %+v", ev)
	}

	if err := conn.WriteJSON(ClientMessage{Type: "dance"}); err != nil {
		t.Fatal(err)
	}
	ev = readUntil(t, conn, func(ServerEvent) bool { return true })[0]
	if ev.Type != EventError || !strings.Contains(ev.Error, "dance") {
		t.Errorf("unknown message reply = %+v", ev)
	}
}

func TestTitleOverWebsocket(t *testing.T) {
	_, ts := startServer(t, testTemplate(llm.NewEchoProvider("echo", llm.ProviderConfig{})))
	conn := dial(t, ts)
	readUntil(t, conn, func(ServerEvent) bool { return true })

	if err := conn.WriteJSON(ClientMessage{Type: MsgTitle, Text: "planning a trip"}); err != nil {
		t.Fatal(err)
	}
	ev := readUntil(t, conn, func(ev ServerEvent) bool { return ev.Type == EventTitle })
	if title := ev[len(ev)-1].Title; title == "" {
		t.Error("empty title")
	}
}

func TestMetricsAndHealth(t *testing.T) {
	_, ts := startServer(t, testTemplate(llm.NewEchoProvider("echo", llm.ProviderConfig{})))
	conn := dial(t, ts)
	readUntil(t, conn, func(ServerEvent) bool { return true })

	for path, want := range map[string]string{
		"/metrics": `chatstream_gauge{function="sessions",topic="server"}`,
		"/healthz": "ok sessions=1",
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), want) {
			t.Errorf("GET %s = %d, body missing %q", path, resp.StatusCode, want)
		}
	}
}

func TestStartStop(t *testing.T) {
	srv, err := New(Config{Addr: "127.0.0.1:0"}, testTemplate(llm.NewEchoProvider("echo", llm.ProviderConfig{})))
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestNewRequiresProviders(t *testing.T) {
	if _, err := New(Config{}, orchestrator.Options{}); err != orchestrator.ErrNoProviders {
		t.Errorf("err = %v", err)
	}
}
