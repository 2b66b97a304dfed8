package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/codebuddy/internal/auth"
	"github.com/michaelbrown/codebuddy/internal/engine"
	"github.com/michaelbrown/codebuddy/internal/protocol"
	"github.com/michaelbrown/codebuddy/internal/sandbox/interp"
	"github.com/michaelbrown/codebuddy/internal/sandbox/scratch"
	"github.com/michaelbrown/codebuddy/internal/storage"
	"github.com/michaelbrown/codebuddy/internal/storage/sqlite"
)

type fixture struct {
	srv   *Server
	http  *httptest.Server
	eng   *engine.Orchestrator
	store storage.Store
	root  *scratch.Root
	wsURL string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root, err := scratch.NewRoot(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	eng := engine.New(engine.Options{
		Executor:    interp.New(root),
		ExecTimeout: 5 * time.Second,
		OnFinish:    RunRecorder(store),
	})
	srv := New(eng, store, auth.NewStaticTokens(map[string]string{
		"alice-token": "alice",
		"bob-token":   "bob",
	}))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		eng.Wait()
	})

	return &fixture{
		srv:   srv,
		http:  ts,
		eng:   eng,
		store: store,
		root:  root,
		wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev protocol.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) (protocol.Event, []protocol.Event) {
	t.Helper()
	var seen []protocol.Event
	for {
		ev := readEvent(t, conn)
		seen = append(seen, ev)
		if ev.Type == typ {
			return ev, seen
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.Incoming) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWebSocketExecute(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, protocol.Incoming{Type: protocol.TypeExecuteCode, Language: "lua", Source: `print("hello")`})

	result, seen := readUntil(t, conn, protocol.TypeExecutionResult)
	if seen[0].Type != protocol.TypeExecutionStarted {
		t.Errorf("first event = %s, want execution-started", seen[0].Type)
	}
	if result.Status != "completed" || result.Stdout != "hello\n" {
		t.Errorf("result = %+v", result)
	}
	if result.ExitCode == nil || *result.ExitCode != 0 {
		t.Errorf("exit code = %v", result.ExitCode)
	}

	f.eng.Wait()
	run, err := f.store.GetRun(t.Context(), result.SessionID)
	if err != nil {
		t.Fatalf("run not recorded: %v", err)
	}
	if run.Status != "completed" || run.Executor != interp.Name {
		t.Errorf("run = %+v", run)
	}
}

func TestWebSocketInputRoundTrip(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, protocol.Incoming{
		Type:     protocol.TypeExecuteCode,
		Language: "javascript",
		Source:   `var name = prompt("Name?"); console.log("Hello, " + name);`,
	})

	req, _ := readUntil(t, conn, protocol.TypeInputRequired)
	if req.Prompt != "Name?" {
		t.Errorf("prompt = %q", req.Prompt)
	}
	send(t, conn, protocol.Incoming{Type: protocol.TypeProvideInput, SessionID: req.SessionID, Value: "Ada"})

	result, _ := readUntil(t, conn, protocol.TypeExecutionResult)
	if result.Stdout != "Hello, Ada\n" {
		t.Errorf("stdout = %q", result.Stdout)
	}
}

func TestWebSocketValidationError(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, protocol.Incoming{Type: protocol.TypeExecuteCode, Language: "cobol", Source: "x"})
	ev := readEvent(t, conn)
	if ev.Type != protocol.TypeExecutionError || ev.Terminal() {
		t.Errorf("event = %+v", ev)
	}
	if f.eng.Registry().Len() != 0 {
		t.Error("validation failure should not create a session")
	}
}

func TestWebSocketProvideInputUnknownSession(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, protocol.Incoming{Type: protocol.TypeProvideInput, SessionID: "nope", Value: "x"})
	ev := readEvent(t, conn)
	if ev.Type != protocol.TypeExecutionError || ev.Text != "Session not found" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebSocketProvideInputOtherChannel(t *testing.T) {
	f := newFixture(t)
	owner := f.dial(t)
	other := f.dial(t)

	send(t, owner, protocol.Incoming{Type: protocol.TypeExecuteCode, Language: "lua", Source: `print(input("?"))`})
	req, _ := readUntil(t, owner, protocol.TypeInputRequired)

	send(t, other, protocol.Incoming{Type: protocol.TypeProvideInput, SessionID: req.SessionID, Value: "hijack"})
	if ev := readEvent(t, other); ev.Text != "Session not found" {
		t.Errorf("other channel got %+v", ev)
	}

	send(t, owner, protocol.Incoming{Type: protocol.TypeProvideInput, SessionID: req.SessionID, Value: "mine"})
	result, _ := readUntil(t, owner, protocol.TypeExecutionResult)
	if result.Stdout != "mine\n" {
		t.Errorf("stdout = %q", result.Stdout)
	}
}

func TestWebSocketInvalidMessage(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if ev := readEvent(t, conn); ev.Text != "invalid message" {
		t.Errorf("event = %+v", ev)
	}

	send(t, conn, protocol.Incoming{Type: "dance"})
	if ev := readEvent(t, conn); !strings.Contains(ev.Text, "unknown message type") {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebSocketEmptyAndTruncatedFrames(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	for _, frame := range []string{"", `{"type":"execute-code","language":"lua"`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatal(err)
		}
		if ev := readEvent(t, conn); ev.Text != "invalid message" {
			t.Errorf("frame %q: event = %+v", frame, ev)
		}
	}

	send(t, conn, protocol.Incoming{Type: protocol.TypeExecuteCode, Language: "lua", Source: `print("still open")`})
	result, _ := readUntil(t, conn, protocol.TypeExecutionResult)
	if result.Stdout != "still open\n" {
		t.Errorf("result = %+v", result)
	}
}

func TestWebSocketOversizedFrameClosesChannel(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	big := protocol.Incoming{Type: protocol.TypeExecuteCode, Language: "lua", Source: "-- " + strings.Repeat("x", maxMessageSize)}
	// The server may reset the connection before the whole frame is sent.
	conn.WriteJSON(big)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Errorf("read %q after oversized frame, want the channel closed", data)
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.srv.channels.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.srv.channels.Len() != 0 {
		t.Error("channel still registered after oversized frame")
	}
	if f.eng.Registry().Len() != 0 {
		t.Error("oversized frame started a session")
	}
}

func TestWebSocketDisconnectCancels(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, protocol.Incoming{Type: protocol.TypeExecuteCode, Language: "lua", Source: `print(input("?"))`})
	req, _ := readUntil(t, conn, protocol.TypeInputRequired)
	conn.Close()

	f.eng.Wait()
	if f.eng.Registry().Len() != 0 {
		t.Error("session still registered after disconnect")
	}
	run, err := f.store.GetRun(t.Context(), req.SessionID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != "cancelled" {
		t.Errorf("status = %q, want cancelled", run.Status)
	}
	entries, _ := f.root.Entries()
	if len(entries) != 0 {
		t.Errorf("scratch entries left: %v", entries)
	}
}

func TestShutdownClosesChannels(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, protocol.Incoming{Type: protocol.TypeExecuteCode, Language: "lua", Source: `print(input("?"))`})
	readUntil(t, conn, protocol.TypeInputRequired)

	if err := f.srv.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	result, _ := readUntil(t, conn, protocol.TypeExecutionResult)
	if result.Status != "cancelled" {
		t.Errorf("status = %q", result.Status)
	}
	if f.srv.channels.Len() != 0 {
		t.Error("channels not closed")
	}
}

func TestHealthAndLanguages(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]string
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	resp, err = http.Get(f.http.URL + "/api/languages")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var langs languagesResponse
	json.NewDecoder(resp.Body).Decode(&langs)
	if langs.Executor != interp.Name || len(langs.Languages) != 2 {
		t.Errorf("languages = %+v", langs)
	}
}

func TestRunsEndpoint(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.store.RecordRun(t.Context(), &storage.Run{ID: "run-1", Language: "lua", Status: "completed", StartedAt: now, FinishedAt: now})
	f.store.RecordRun(t.Context(), &storage.Run{ID: "run-2", Language: "lua", Status: "failed", StartedAt: now, FinishedAt: now})

	resp, err := http.Get(f.http.URL + "/api/runs?status=failed")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var runs []storage.Run
	json.NewDecoder(resp.Body).Decode(&runs)
	if len(runs) != 1 || runs[0].ID != "run-2" {
		t.Errorf("runs = %+v", runs)
	}

	resp2, err := http.Get(f.http.URL + "/api/runs/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp2.StatusCode)
	}
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestProgramsAPI(t *testing.T) {
	f := newFixture(t)
	base := f.http.URL + "/api/programs"

	if resp := doJSON(t, http.MethodGet, base, "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", resp.StatusCode)
	}

	body := createProgramRequest{ProgramName: "greeter", Code: `print("hi")`, Language: "lua"}
	resp := doJSON(t, http.MethodPost, base, "alice-token", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created createProgramResponse
	json.NewDecoder(resp.Body).Decode(&created)
	if !created.Success || created.ProgramID == "" || len(created.SavedPrograms) != 1 {
		t.Errorf("created = %+v", created)
	}

	bad := createProgramRequest{ProgramName: "", Code: "x", Language: "lua"}
	if resp := doJSON(t, http.MethodPost, base, "alice-token", bad); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid program: status = %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, base, "alice-token", nil)
	var list []storage.Program
	json.NewDecoder(resp.Body).Decode(&list)
	if len(list) != 1 || list[0].Name != "greeter" || list[0].Code != "" {
		t.Errorf("list = %+v", list)
	}

	resp = doJSON(t, http.MethodGet, base+"/"+created.ProgramID, "alice-token", nil)
	var got storage.Program
	json.NewDecoder(resp.Body).Decode(&got)
	if got.Code != `print("hi")` {
		t.Errorf("get = %+v", got)
	}

	if resp := doJSON(t, http.MethodGet, base+"/"+created.ProgramID, "bob-token", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("other owner: status = %d", resp.StatusCode)
	}
}

func TestConsoleFallback(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/some/client/route")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "<title>codebuddy</title>") {
		t.Error("expected console index.html")
	}
}
