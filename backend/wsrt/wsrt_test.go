package wsrt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/sport-tracker-sub010/backend"
	"github.com/devblac/sport-tracker-sub010/errors"
)

// fakeServer acks joins, rejects topics starting with "forbidden" and never
// answers topics starting with "silent"
type fakeServer struct {
	*httptest.Server

	mu     sync.Mutex
	conn   *websocket.Conn
	joins  []string
	leaves []string
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conn = conn
		fs.mu.Unlock()

		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			fs.mu.Lock()
			switch {
			case f.Type == FrameLeave:
				fs.leaves = append(fs.leaves, f.Topic)
			case strings.HasPrefix(f.Topic, "forbidden"):
				_ = conn.WriteJSON(Frame{Type: FrameError, Ref: f.Ref, Reason: "forbidden"})
			case strings.HasPrefix(f.Topic, "silent"):
			default:
				fs.joins = append(fs.joins, f.Topic)
				_ = conn.WriteJSON(Frame{Type: FrameAck, Ref: f.Ref})
			}
			fs.mu.Unlock()
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) push(topic string, ev backend.ChangeEvent) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_ = fs.conn.WriteJSON(Frame{Type: FrameChange, Topic: topic, Payload: &ev})
}

func (fs *fakeServer) drop() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_ = fs.conn.Close()
}

func (fs *fakeServer) snapshot() (joins, leaves []string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.joins...), append([]string(nil), fs.leaves...)
}

func dial(t *testing.T, fs *fakeServer) *Client {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, fs.url())
	require.NoError(t, err)
	return c
}

func TestClient_JoinReceiveLeave(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs)
	defer c.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var got []backend.ChangeEvent
	onMsg := func(ev backend.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	}

	first, err := c.OpenChannel(ctx, "workouts", backend.FilterAll, backend.ChannelHandlers{OnMessage: onMsg})
	require.NoError(t, err)
	second, err := c.OpenChannel(ctx, "workouts", backend.FilterAll, backend.ChannelHandlers{OnMessage: onMsg})
	require.NoError(t, err)

	fs.push("workouts:*", backend.ChangeEvent{Table: "workouts", Type: "INSERT", New: backend.Row{"id": "w1"}})
	fs.push("sets:*", backend.ChangeEvent{Table: "sets", Type: "INSERT"})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond, "both channels on the topic receive the change")

	require.NoError(t, first.Close())
	_, leaves := fs.snapshot()
	assert.Empty(t, leaves, "topic still has a channel")

	require.NoError(t, second.Close())
	assert.Eventually(t, func() bool {
		joins, leaves := fs.snapshot()
		return len(joins) == 2 && len(leaves) == 1 && leaves[0] == "workouts:*"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_JoinRejected(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs)
	defer c.Close()

	_, err := c.OpenChannel(context.Background(), "forbidden", backend.FilterAll, backend.ChannelHandlers{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSubscriptionFailed)
	assert.Contains(t, err.Error(), "forbidden")
}

func TestClient_AckTimeout(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.OpenChannel(ctx, "silent", backend.FilterAll, backend.ChannelHandlers{})
	assert.ErrorIs(t, err, errors.ErrChannelTimeout)
	assert.True(t, errors.IsTransient(err))
}

func TestClient_ConnectionLossReportsError(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs)
	defer c.Close()

	statuses := make(chan backend.ChannelStatus, 4)
	_, err := c.OpenChannel(context.Background(), "workouts", backend.EventInsert, backend.ChannelHandlers{
		OnStatus: func(s backend.ChannelStatus, _ error) { statuses <- s },
	})
	require.NoError(t, err)
	assert.Equal(t, backend.StatusSubscribed, <-statuses)

	fs.drop()

	select {
	case s := <-statuses:
		assert.Equal(t, backend.StatusError, s)
	case <-time.After(2 * time.Second):
		t.Fatal("no error status after connection loss")
	}

	_, err = c.OpenChannel(context.Background(), "workouts", backend.FilterAll, backend.ChannelHandlers{})
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
}

func TestOpenChannel_InvalidFilter(t *testing.T) {
	fs := newFakeServer(t)
	c := dial(t, fs)
	defer c.Close()

	_, err := c.OpenChannel(context.Background(), "workouts", "bogus", backend.ChannelHandlers{})
	assert.True(t, errors.IsInvalid(err))
}
