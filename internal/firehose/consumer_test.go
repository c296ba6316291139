package firehose

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

type fakeRelay struct {
	mu      sync.Mutex
	cursors []string
	next    int64
	perConn int
}

func (r *fakeRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.cursors = append(r.cursors, req.URL.Query().Get("cursor"))
	r.mu.Unlock()

	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusGoingAway, "rotating")

	for i := 0; i < r.perConn; i++ {
		r.mu.Lock()
		r.next++
		seq := r.next
		r.mu.Unlock()
		payload := fmt.Sprintf(`{"seq":%d,"repo":"did:plc:alice","ops":[]}`, seq)
		if err := conn.Write(req.Context(), websocket.MessageText, []byte(payload)); err != nil {
			return
		}
	}
}

func (r *fakeRelay) seenCursors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cursors...)
}

func TestConsumerResumesFromLastSequenceAfterDisconnect(t *testing.T) {
	relay := &fakeRelay{perConn: 2}
	srv := httptest.NewServer(relay)
	defer srv.Close()

	consumer, err := NewConsumer(srv.URL, ConsumerOptions{
		Reconnect: NewReconnectionManager(BackoffConfig{BaseDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond}),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(consumer.URL(), "ws://"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	frames := consumer.Subscribe(ctx, nil)

	var got []int64
	for len(got) < 5 {
		select {
		case frame, ok := <-frames:
			require.True(t, ok, "stream closed early")
			seq, ok := JSONSequence(frame.Data)
			require.True(t, ok)
			assert.Equal(t, consumer.URL(), frame.Relay)
			got = append(got, seq)
		case <-ctx.Done():
			t.Fatalf("timed out, got %v", got)
		}
	}
	consumer.Disconnect()

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, got)
	cursors := relay.seenCursors()
	require.GreaterOrEqual(t, len(cursors), 3)
	assert.Equal(t, "", cursors[0])
	assert.Equal(t, "2", cursors[1])
	assert.Equal(t, "4", cursors[2])

	status := consumer.Status()
	assert.False(t, status.Connected)
	assert.GreaterOrEqual(t, status.Reconnects, int64(2))
	assert.GreaterOrEqual(t, status.ErrorCount, int64(2))
}

func TestConsumerSubscribeFromExplicitCursor(t *testing.T) {
	relay := &fakeRelay{perConn: 1, next: 41}
	srv := httptest.NewServer(relay)
	defer srv.Close()

	consumer, err := NewConsumer(srv.URL, ConsumerOptions{})
	require.NoError(t, err)

	from := int64(41)
	frames := consumer.Subscribe(context.Background(), &from)
	frame := <-frames
	consumer.Disconnect()

	seq, ok := JSONSequence(frame.Data)
	require.True(t, ok)
	assert.Equal(t, int64(42), seq)
	assert.Equal(t, "41", relay.seenCursors()[0])

	_, open := <-frames
	assert.False(t, open, "channel closes after Disconnect")
}

func TestDialErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	consumer, err := NewConsumer(srv.URL, ConsumerOptions{})
	require.NoError(t, err)

	streamErr := consumer.stream(context.Background(), make(chan Frame))
	var dialErr *DialError
	require.ErrorAs(t, streamErr, &dialErr)
	assert.Equal(t, http.StatusTooManyRequests, dialErr.StatusCode())
	assert.Equal(t, 3*time.Second, dialErr.RetryAfter)
}

func TestNormalizeRelayURL(t *testing.T) {
	got, err := NormalizeRelayURL("https://bsky.network/xrpc/com.atproto.sync.subscribeRepos")
	require.NoError(t, err)
	assert.Equal(t, "wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos", got)

	_, err = NormalizeRelayURL("ftp://example.com")
	assert.ErrorIs(t, err, ErrInvalidRelayURL)
	_, err = NormalizeRelayURL("")
	assert.ErrorIs(t, err, ErrInvalidRelayURL)
}

func TestRelayNameUsesHostname(t *testing.T) {
	assert.Equal(t, "bsky-network", RelayName("wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos"))
	assert.Equal(t, "jetstream2-us-east-bsky-network", RelayName("wss://jetstream2.us-east.bsky.network/subscribe"))
}

func TestJSONSequence(t *testing.T) {
	seq, ok := JSONSequence([]byte(`{"seq":7}`))
	assert.True(t, ok)
	assert.Equal(t, int64(7), seq)

	seq, ok = JSONSequence([]byte(`{"did":"did:plc:x","time_us":1725911162329308}`))
	assert.True(t, ok)
	assert.Equal(t, int64(1725911162329308), seq)

	_, ok = JSONSequence([]byte(`not json`))
	assert.False(t, ok)
}
