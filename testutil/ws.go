package testutil

import (
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// WSClient is a websocket test client that reads JSON frames.
type WSClient struct {
	t    *testing.T
	Conn *websocket.Conn
}

// DialWS connects to path on an httptest server and closes the connection
// when the test ends.
func DialWS(t *testing.T, srv *httptest.Server, path string) *WSClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &WSClient{t: t, Conn: conn}
}

// ReadJSON decodes the next text frame into v, failing the test after
// timeout.
func (c *WSClient) ReadJSON(v any, timeout time.Duration) {
	c.t.Helper()
	_ = c.Conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.Conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.t.Fatalf("decode frame %q: %v", data, err)
	}
}

// ExpectClosed waits for the server to end the connection.
func (c *WSClient) ExpectClosed(timeout time.Duration) {
	c.t.Helper()
	_ = c.Conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, _, err := c.Conn.ReadMessage()
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.t.Fatal("connection still open")
		}
		return
	}
}
