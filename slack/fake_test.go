package slack

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	slacklib "github.com/slack-go/slack"
)

type postedMessage struct {
	Channel string
	Text    string
	Blocks  string
	User    string
}

// fakeSlack serves the Web API methods the bot calls under /api/.
type fakeSlack struct {
	*httptest.Server

	mu       sync.Mutex
	posts    []postedMessage
	opened   []string
	webhooks []map[string]any
}

func newFakeSlack(t *testing.T) *fakeSlack {
	t.Helper()
	f := &fakeSlack{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations.open", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.opened = append(f.opened, r.FormValue("users"))
		f.mu.Unlock()
		writeOK(w, map[string]any{"channel": map[string]any{"id": "D" + r.FormValue("users")}})
	})
	mux.HandleFunc("/api/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeOK(w, map[string]any{"channel": r.FormValue("channel"), "ts": "1700000000.000100"})
	})
	mux.HandleFunc("/api/chat.postEphemeral", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeOK(w, map[string]any{"message_ts": "1700000000.000200"})
	})
	mux.HandleFunc("/api/oauth.v2.access", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("code") != "good-code" {
			writeJSON(w, map[string]any{"ok": false, "error": "invalid_code"})
			return
		}
		writeOK(w, map[string]any{
			"access_token": "xoxb-installed",
			"token_type":   "bot",
			"bot_user_id":  "UBOT",
			"app_id":       "A1",
			"team":         map[string]any{"id": "T1", "name": "Acme"},
			"authed_user":  map[string]any{"id": "UINSTALLER"},
		})
	})
	mux.HandleFunc("/hooks/response", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		f.mu.Lock()
		f.webhooks = append(f.webhooks, payload)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeSlack) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, postedMessage{
		Channel: r.FormValue("channel"),
		Text:    r.FormValue("text"),
		Blocks:  r.FormValue("blocks"),
		User:    r.FormValue("user"),
	})
}

func (f *fakeSlack) messages() []postedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]postedMessage(nil), f.posts...)
}

func (f *fakeSlack) option() slacklib.Option {
	return slacklib.OptionAPIURL(f.URL + "/api/")
}

// httpClient sends every request to the fake, whatever host it names.
func (f *fakeSlack) httpClient() *http.Client {
	target, _ := url.Parse(f.URL)
	return &http.Client{Transport: rewriteTransport{target: target}}
}

type rewriteTransport struct{ target *url.URL }

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rt.target.Scheme
	req.URL.Host = rt.target.Host
	req.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func writeOK(w http.ResponseWriter, fields map[string]any) {
	fields["ok"] = true
	writeJSON(w, fields)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
