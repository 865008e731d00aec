package bot

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"optibot/internal/agent"
	"optibot/internal/artifact"
	"optibot/internal/classify"
	"optibot/internal/conversation"
	"optibot/internal/gateway"
	"optibot/internal/slack"
)

// recordingAPI is a fake Web API capturing outbound traffic.
type recordingAPI struct {
	mu          sync.Mutex
	messages    []map[string]any
	uploads     []map[string]any
	failUploads bool
	srv         *httptest.Server
}

func (a *recordingAPI) setFailUploads(v bool) {
	a.mu.Lock()
	a.failUploads = v
	a.mu.Unlock()
}

func newRecordingAPI(t *testing.T) *recordingAPI {
	t.Helper()
	api := &recordingAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		api.mu.Lock()
		api.messages = append(api.messages, payload)
		api.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	mux.HandleFunc("/files.getUploadURLExternal", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		fail := api.failUploads
		api.mu.Unlock()
		if fail {
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "upload_error"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true, "file_id": "F1", "upload_url": api.srv.URL + "/upload-target",
		})
	})
	mux.HandleFunc("/upload-target", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
	})
	mux.HandleFunc("/files.completeUploadExternal", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		api.mu.Lock()
		api.uploads = append(api.uploads, payload)
		api.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	api.srv = httptest.NewServer(mux)
	t.Cleanup(api.srv.Close)
	return api
}

func (a *recordingAPI) messageTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	texts := make([]string, 0, len(a.messages))
	for _, m := range a.messages {
		texts = append(texts, m["text"].(string))
	}
	return texts
}

type stubWarehouse struct {
	rows *gateway.ResultSet
}

func (s *stubWarehouse) ListTables(ctx context.Context) ([]string, error) {
	return []string{"orders"}, nil
}

func (s *stubWarehouse) DescribeTable(ctx context.Context, name string) (*gateway.TableSchema, error) {
	return &gateway.TableSchema{Name: name}, nil
}

func (s *stubWarehouse) RunQuery(ctx context.Context, sql string) (*gateway.ResultSet, error) {
	return s.rows, nil
}

// newTestBot wires a bot with a scripted planner and a recording API.
// The socket session is not started; events are injected directly.
func newTestBot(t *testing.T, planner agent.Planner, wh gateway.Warehouse) (*Bot, *recordingAPI) {
	t.Helper()
	api := newRecordingAPI(t)

	artifacts, err := artifact.NewManager(artifact.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { artifacts.Close() })

	resolver := conversation.NewResolver(conversation.Options{QueueBound: 8})
	engine := agent.NewEngine(planner, gateway.New(wh, nil), artifacts, agent.Config{}, nil)

	b := New(Options{
		Client:     slack.NewClient(slack.ClientConfig{BotToken: "xoxb-test", APIBase: api.srv.URL}),
		Classifier: classify.New("U0BOT", classify.NewDedup(time.Minute), resolver.KnowsThread),
		Resolver:   resolver,
		Engine:     engine,
		Artifacts:  artifacts,
	})
	return b, api
}

func mentionEvent(id, text string) slack.InboundEvent {
	return slack.InboundEvent{
		ID: id, Kind: "app_mention", Channel: "C1", User: "U1", Text: text, TS: "100.0",
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHandleEventDeliversAnswerWithFile(t *testing.T) {
	planner := agent.NewScriptedPlanner(
		&agent.Action{Tool: gateway.ToolExecuteQuery, Args: map[string]any{"sql": "SELECT 1"}},
		&agent.Action{Tool: gateway.ToolSaveResults, Args: map[string]any{"title": "Orders"}},
		&agent.Action{Answer: "3 orders found, file attached."},
	)
	wh := &stubWarehouse{rows: &gateway.ResultSet{
		Columns: []string{"id"}, Rows: [][]string{{"1"}, {"2"}, {"3"}},
	}}
	b, api := newTestBot(t, planner, wh)
	defer b.opts.Resolver.Close()

	b.handleEvent(context.Background(), mentionEvent("Ev1", "<@U0BOT> how many orders?"))

	waitFor(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.uploads) == 1
	})

	texts := api.messageTexts()
	if len(texts) == 0 || texts[0] != msgAcknowledge {
		t.Errorf("first message should be the acknowledgment, got %v", texts)
	}

	api.mu.Lock()
	upload := api.uploads[0]
	api.mu.Unlock()
	if upload["channel_id"] != "C1" || upload["thread_ts"] != "100.0" {
		t.Errorf("upload payload = %v", upload)
	}
	if comment, _ := upload["initial_comment"].(string); !strings.Contains(comment, "3 orders found") {
		t.Errorf("comment = %q", comment)
	}

	// Close waits for the turn, so the delivered mark is in place before
	// the sweep assertion.
	b.opts.Resolver.Close()
	if n := b.opts.Artifacts.SweepOnce(); n != 1 {
		t.Errorf("swept %d artifacts, want the delivered one", n)
	}
}

func TestHandleEventFallsBackToSnippetOnUploadFailure(t *testing.T) {
	planner := agent.NewScriptedPlanner(
		&agent.Action{Tool: gateway.ToolExecuteQuery, Args: map[string]any{"sql": "SELECT 1"}},
		&agent.Action{Tool: gateway.ToolSaveResults, Args: map[string]any{"title": "Orders"}},
		&agent.Action{Answer: "12 orders found."},
	)
	rows := make([][]string, 12)
	for i := range rows {
		rows[i] = []string{"1"}
	}
	wh := &stubWarehouse{rows: &gateway.ResultSet{Columns: []string{"id"}, Rows: rows}}
	b, api := newTestBot(t, planner, wh)
	api.setFailUploads(true)

	b.handleEvent(context.Background(), mentionEvent("Ev5", "<@U0BOT> how many orders?"))
	b.opts.Resolver.Close()

	texts := api.messageTexts()
	if len(texts) != 2 {
		t.Fatalf("got %d messages, want ack plus fallback: %v", len(texts), texts)
	}
	fallback := texts[1]
	if !strings.Contains(fallback, "12 orders found.") {
		t.Errorf("fallback must carry the answer, got %q", fallback)
	}
	if !strings.Contains(fallback, "```id\n1\n") {
		t.Errorf("fallback must inline the CSV preview, got %q", fallback)
	}
	if !strings.Contains(fallback, "Showing the first 10 of 13 lines") {
		t.Errorf("fallback must note the cut, got %q", fallback)
	}
	if b.opts.Artifacts.SweepOnce() != 0 {
		t.Error("an undelivered artifact must survive the sweep until it expires")
	}
}

func TestHandleEventTextOnlyAnswer(t *testing.T) {
	planner := agent.NewScriptedPlanner(
		&agent.Action{Tool: gateway.ToolExecuteQuery, Args: map[string]any{"sql": "SELECT 1"}},
		&agent.Action{Answer: "No matching rows."},
	)
	wh := &stubWarehouse{rows: &gateway.ResultSet{Columns: []string{"id"}}}
	b, api := newTestBot(t, planner, wh)
	defer b.opts.Resolver.Close()

	b.handleEvent(context.Background(), mentionEvent("Ev2", "<@U0BOT> anything?"))

	waitFor(t, func() bool { return len(api.messageTexts()) == 2 })
	texts := api.messageTexts()
	if texts[1] != "No matching rows." {
		t.Errorf("answer = %q", texts[1])
	}
	if b.opts.Artifacts.Count() != 0 {
		t.Error("no artifact may exist for an empty result")
	}
}

func TestHandleEventIgnoresNoise(t *testing.T) {
	planner := agent.NewScriptedPlanner()
	b, api := newTestBot(t, planner, &stubWarehouse{})
	defer b.opts.Resolver.Close()

	// Bot-authored, unaddressed, and duplicate events all drop silently.
	b.handleEvent(context.Background(), slack.InboundEvent{ID: "Ev3", BotID: "B1", Channel: "C1", Text: "hi"})
	b.handleEvent(context.Background(), slack.InboundEvent{ID: "Ev4", Kind: "message", Channel: "C1", User: "U1", Text: "lunch?"})

	time.Sleep(50 * time.Millisecond)
	if texts := api.messageTexts(); len(texts) != 0 {
		t.Errorf("ignored events must produce no messages, got %v", texts)
	}
}

func TestAbortMessageMapping(t *testing.T) {
	tests := []struct {
		name   string
		result *agent.TurnResult
		want   string
	}{
		{"timeout", &agent.TurnResult{TimedOut: true, FailureKind: gateway.KindUnavailable, Reason: "turn timed out"}, msgTimeout},
		{"unavailable", &agent.TurnResult{FailureKind: gateway.KindUnavailable, Reason: "down"}, msgUnavailable},
		{"too large", &agent.TurnResult{FailureKind: gateway.KindTooLarge, Reason: "big"}, msgTooLarge},
		{"step limit", &agent.TurnResult{FailureKind: gateway.KindBadInput, Reason: "step limit reached"}, msgGaveUp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := abortMessage(tt.result); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
