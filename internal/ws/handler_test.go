package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/minix/internal/coordinator"
	"github.com/christopherjohns/minix/internal/feed"
	"github.com/christopherjohns/minix/internal/registry"
	"github.com/christopherjohns/minix/internal/store"
)

type feedServer struct {
	ts    *httptest.Server
	coord *coordinator.Coordinator
	conns *ConnManager
}

func newFeedServer(t *testing.T, opts ...HandlerOption) *feedServer {
	t.Helper()
	identities := store.NewMemoryIdentities()
	posts := store.NewMemoryPosts(identities, 0)
	coord := coordinator.New(identities, posts, registry.New(), coordinator.DefaultConfig(), zerolog.Nop())
	conns := NewConnManager()
	ts := httptest.NewServer(NewHandler(coord, conns, opts...))
	t.Cleanup(func() {
		conns.Shutdown()
		ts.Close()
	})
	return &feedServer{ts: ts, coord: coord, conns: conns}
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := encode(event, payload)
	require.NoError(t, err)
	writeRaw(t, conn, data)
}

func writeRaw(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func login(t *testing.T, fs *feedServer, nickname string) *websocket.Conn {
	t.Helper()
	conn := dialWS(t, fs.ts.URL)
	sendEvent(t, conn, feed.EventLogin, feed.LoginPayload{Nickname: nickname})

	ack := readEnvelope(t, conn)
	require.Equal(t, feed.EventLoginAck, ack.Type)
	var payload feed.LoginAck
	require.NoError(t, json.Unmarshal(ack.Payload, &payload))
	require.True(t, payload.Success, "login %q: %s", nickname, payload.Message)

	require.Equal(t, feed.EventInitialTuits, readEnvelope(t, conn).Type)
	return conn
}

func decodePost(t *testing.T, env Envelope) feed.ResolvedPost {
	t.Helper()
	var rp feed.ResolvedPost
	require.NoError(t, json.Unmarshal(env.Payload, &rp))
	return rp
}

func decodeError(t *testing.T, env Envelope) feed.ErrorPayload {
	t.Helper()
	require.Equal(t, feed.EventError, env.Type)
	var payload feed.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	return payload
}

func TestHandlerLoginAndPost(t *testing.T) {
	fs := newFeedServer(t)
	alice := login(t, fs, "alice")
	bob := login(t, fs, "bob")

	sendEvent(t, alice, feed.EventNewTuit, feed.NewTuitPayload{Text: "hola mundo"})

	own := readEnvelope(t, alice)
	require.Equal(t, feed.EventTuit, own.Type)
	post := decodePost(t, own)
	assert.Equal(t, "alice", post.Nickname)
	assert.Equal(t, "hola mundo", post.Text)

	other := readEnvelope(t, bob)
	require.Equal(t, feed.EventNewTuitAvailable, other.Type)
	assert.Equal(t, post.ID, decodePost(t, other).ID)
}

func TestHandlerLoginAcceptsBareString(t *testing.T) {
	fs := newFeedServer(t)
	conn := dialWS(t, fs.ts.URL)
	writeRaw(t, conn, []byte(`{"type":"login","payload":"carol"}`))

	var ack feed.LoginAck
	env := readEnvelope(t, conn)
	require.NoError(t, json.Unmarshal(env.Payload, &ack))
	assert.True(t, ack.Success)
	assert.Equal(t, "carol", ack.Nickname)
}

func TestHandlerInitialTuitsNewestFirst(t *testing.T) {
	fs := newFeedServer(t)
	alice := login(t, fs, "alice")
	for _, text := range []string{"uno", "dos"} {
		sendEvent(t, alice, feed.EventNewTuit, feed.NewTuitPayload{Text: text})
		require.Equal(t, feed.EventTuit, readEnvelope(t, alice).Type)
	}

	conn := dialWS(t, fs.ts.URL)
	sendEvent(t, conn, feed.EventLogin, feed.LoginPayload{Nickname: "bob"})
	require.Equal(t, feed.EventLoginAck, readEnvelope(t, conn).Type)

	env := readEnvelope(t, conn)
	require.Equal(t, feed.EventInitialTuits, env.Type)
	var recent []feed.ResolvedPost
	require.NoError(t, json.Unmarshal(env.Payload, &recent))
	require.Len(t, recent, 2)
	assert.Equal(t, "dos", recent[0].Text)
	assert.Equal(t, "uno", recent[1].Text)
}

func TestHandlerDuplicateNicknameRejected(t *testing.T) {
	fs := newFeedServer(t)
	login(t, fs, "alice")

	conn := dialWS(t, fs.ts.URL)
	sendEvent(t, conn, feed.EventLogin, feed.LoginPayload{Nickname: "alice"})

	var ack feed.LoginAck
	require.NoError(t, json.Unmarshal(readEnvelope(t, conn).Payload, &ack))
	assert.False(t, ack.Success)
	assert.Equal(t, feed.CodeIdentityInUse, ack.Code)
}

func TestHandlerNicknameFreedOnClose(t *testing.T) {
	fs := newFeedServer(t)
	alice := login(t, fs, "alice")
	require.Equal(t, 1, fs.coord.Online())

	alice.Close(websocket.StatusNormalClosure, "bye")
	require.Eventually(t, func() bool { return fs.coord.Online() == 0 }, 5*time.Second, 10*time.Millisecond)

	login(t, fs, "alice")
}

func TestHandlerPostWithoutLogin(t *testing.T) {
	fs := newFeedServer(t)
	conn := dialWS(t, fs.ts.URL)
	sendEvent(t, conn, feed.EventNewTuit, feed.NewTuitPayload{Text: "hola"})

	assert.Equal(t, feed.CodeNotLoggedIn, decodeError(t, readEnvelope(t, conn)).Code)
}

func TestHandlerBadRequests(t *testing.T) {
	fs := newFeedServer(t)
	conn := dialWS(t, fs.ts.URL)

	tests := []struct {
		name  string
		frame string
	}{
		{"malformed JSON", `{"type":`},
		{"unknown event", `{"type":"dance"}`},
		{"login without payload", `{"type":"login"}`},
		{"newTuit with wrong payload", `{"type":"newTuit","payload":[1,2]}`},
		{"loadNewTuits with bad timestamp", `{"type":"loadNewTuits","payload":{"lastTimestamp":"yesterday"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeRaw(t, conn, []byte(tt.frame))
			assert.Equal(t, feed.CodeBadRequest, decodeError(t, readEnvelope(t, conn)).Code)
		})
	}
}

func TestHandlerLoadNewTuits(t *testing.T) {
	fs := newFeedServer(t)
	alice := login(t, fs, "alice")

	sendEvent(t, alice, feed.EventNewTuit, feed.NewTuitPayload{Text: "primero"})
	first := decodePost(t, readEnvelope(t, alice))
	sendEvent(t, alice, feed.EventNewTuit, feed.NewTuitPayload{Text: "segundo"})
	second := decodePost(t, readEnvelope(t, alice))

	sendEvent(t, alice, feed.EventLoadNewTuits, feed.LoadNewTuitsPayload{LastTimestamp: first.Timestamp})
	env := readEnvelope(t, alice)
	require.Equal(t, feed.EventNewTuits, env.Type)

	var newer []feed.ResolvedPost
	require.NoError(t, json.Unmarshal(env.Payload, &newer))
	require.Len(t, newer, 1)
	assert.Equal(t, second.ID, newer[0].ID)
}

func TestHandlerPostRateLimited(t *testing.T) {
	fs := newFeedServer(t, WithPostLimit(0.001, 1))
	alice := login(t, fs, "alice")

	sendEvent(t, alice, feed.EventNewTuit, feed.NewTuitPayload{Text: "uno"})
	require.Equal(t, feed.EventTuit, readEnvelope(t, alice).Type)

	sendEvent(t, alice, feed.EventNewTuit, feed.NewTuitPayload{Text: "dos"})
	assert.Equal(t, feed.CodeRateLimited, decodeError(t, readEnvelope(t, alice)).Code)
}

func TestHandlerConnectLimit(t *testing.T) {
	fs := newFeedServer(t, WithConnectLimit(0.001, 1))
	dialWS(t, fs.ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(fs.ts.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHandlerOriginPatterns(t *testing.T) {
	fs := newFeedServer(t, WithAllowedOrigins("http://localhost:5173"))
	url := "ws" + strings.TrimPrefix(fs.ts.URL, "http")

	dial := func(origin string) (*websocket.Conn, *http.Response, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": []string{origin}},
		})
	}

	conn, _, err := dial("http://localhost:5173")
	require.NoError(t, err)
	conn.Close(websocket.StatusNormalClosure, "")

	_, resp, err := dial("http://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAcceptOptionsWildcard(t *testing.T) {
	h := NewHandler(nil, NewConnManager(), WithAllowedOrigins("*"))
	assert.True(t, h.acceptOptions().InsecureSkipVerify)

	h = NewHandler(nil, NewConnManager(), WithAllowedOrigins("http://a.example", "https://b.example:8443"))
	opts := h.acceptOptions()
	assert.False(t, opts.InsecureSkipVerify)
	assert.Equal(t, []string{"a.example", "b.example:8443"}, opts.OriginPatterns)
}

func TestDecodeNickname(t *testing.T) {
	got, ok := decodeNickname(json.RawMessage(`{"nickname":"alice"}`))
	assert.True(t, ok)
	assert.Equal(t, "alice", got)

	got, ok = decodeNickname(json.RawMessage(`"bob"`))
	assert.True(t, ok)
	assert.Equal(t, "bob", got)

	_, ok = decodeNickname(json.RawMessage(`42`))
	assert.False(t, ok)
}
