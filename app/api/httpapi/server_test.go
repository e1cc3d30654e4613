package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"referralchat/app/config"
	"referralchat/app/model"
	"referralchat/app/service/assembler"
	"referralchat/app/service/augment"
	"referralchat/app/service/conversation"
	"referralchat/app/service/relay"
	"referralchat/app/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCompleter struct {
	reply string
	err   error
}

func (s *stubCompleter) Complete(context.Context, []model.ContextEntry, string, model.Role) (string, error) {
	return s.reply, s.err
}

type fixture struct {
	server    *Server
	svc       *conversation.Service
	hub       *relay.Hub
	completer *stubCompleter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))

	hub := relay.NewHub(16)
	completer := &stubCompleter{reply: "Happy to help."}
	augmenter := augment.NewService(nil, nil, config.Lookup{Timeout: time.Second, MaxResults: 5})

	svc := conversation.NewService(st, hub, assembler.NewService(st, 24), augmenter, completer)

	t.Cleanup(func() {
		_ = svc.Shutdown()
		_ = hub.Shutdown()
		_ = st.Shutdown()
	})

	return &fixture{
		server:    NewServer(svc, ":0"),
		svc:       svc,
		hub:       hub,
		completer: completer,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.server.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))

	return resp.StatusCode, decoded
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestSubmitTurnAndHistory(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/threads/demo-1/turns", `{"role":"host","text":"We need a caterer for 100 guests"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Happy to help.", body["assistant_text"])

	threadID, ok := body["thread_id"].(string)
	require.True(t, ok)

	status, body = f.do(t, http.MethodGet, "/api/threads/"+threadID+"/messages?limit=10", "")
	require.Equal(t, http.StatusOK, status)

	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].(map[string]any)["author"])
	assert.Equal(t, "assistant", messages[1].(map[string]any)["author"])

	status, body = f.do(t, http.MethodGet, "/api/threads/by-key/demo-1", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, threadID, body["id"])
	assert.Equal(t, "host", body["role"])
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, http.MethodPost, "/api/threads/k/turns", `{"text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/api/threads/k/turns", `{"text":`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodGet, "/api/threads/missing/messages", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodGet, "/api/threads/by-key/missing", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodGet, "/api/threads/missing/events", "")
	assert.Equal(t, http.StatusNotFound, status)

	f.completer.err = model.ErrUpstream
	status, body := f.do(t, http.MethodPost, "/api/threads/k/turns", `{"text":"hello"}`)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, body["error"], "upstream")
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusOf(model.ErrStorage))
	assert.Equal(t, http.StatusInternalServerError, statusOf(errors.New("boom")))
	assert.Equal(t, http.StatusRequestTimeout, statusOf(context.DeadlineExceeded))
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(conversation.ErrClosed))
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.SubmitTurn(ctx, "live", model.RoleDefault, "hello")
	require.NoError(t, err)

	type streamResult struct {
		resp *http.Response
		err  error
	}
	done := make(chan streamResult, 1)

	go func() {
		req := httptest.NewRequest(http.MethodGet, "/api/threads/"+first.ThreadID+"/events", nil)
		resp, err := f.server.App().Test(req, -1)
		done <- streamResult{resp, err}
	}()

	require.Eventually(t, func() bool {
		return f.hub.SubscriberCount(first.ThreadID) == 1
	}, 2*time.Second, 5*time.Millisecond)

	second, err := f.svc.SubmitTurn(ctx, "live", model.RoleDefault, "still there?")
	require.NoError(t, err)

	require.NoError(t, f.hub.Shutdown())

	var res streamResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not end")
	}
	require.NoError(t, res.err)
	defer res.resp.Body.Close()

	assert.Equal(t, "text/event-stream", res.resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(res.resp.Body)
	require.NoError(t, err)

	stream := string(data)
	assert.True(t, strings.HasPrefix(stream, ": connected\n\n"))
	assert.Equal(t, 2, strings.Count(stream, "event: message\n"))
	assert.Contains(t, stream, `"message_id":"`+second.UserMessage.ID+`"`)
	assert.Contains(t, stream, `"message_id":"`+second.AssistantMessage.ID+`"`)
	assert.NotContains(t, stream, first.AssistantMessage.ID)
}
