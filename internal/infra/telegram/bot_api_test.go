package telegram

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/telebot.v3"
)

const testToken = "TEST-TOKEN"

type apiCall struct {
	Method string
	Params map[string]any
}

// fakeBotAPI answers Bot API calls the way Telegram does and records them.
type fakeBotAPI struct {
	mu    sync.Mutex
	calls []apiCall
	reply string // Overrides the sendMessage reply when set
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	params := map[string]any{}
	_ = json.NewDecoder(r.Body).Decode(&params)

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Params: params})
	reply := f.reply
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case method == "sendMessage" && reply != "":
		_, _ = w.Write([]byte(reply))
	case method == "sendMessage":
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":1718442000,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
	default:
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}
}

func (f *fakeBotAPI) byMethod(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func newTestBot(t *testing.T) (*telebot.Bot, *fakeBotAPI) {
	t.Helper()
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	b, err := telebot.NewBot(telebot.Settings{
		URL:         srv.URL,
		Token:       testToken,
		Offline:     true,
		Synchronous: true,
		OnError:     func(error, telebot.Context) {},
	})
	require.NoError(t, err)
	return b, api
}
