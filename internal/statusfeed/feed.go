// Package statusfeed pushes status snapshots to websocket clients. It is
// read-only: anything a client sends is discarded.
package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiroq/radiodigest/internal/ipc"
)

// Path is where the feed is served.
const Path = "/ws/status"

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	clientBuf  = 4
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	send chan []byte
}

// Feed fans snapshots out to connected clients. A client that falls behind
// loses intermediate snapshots, never the connection.
type Feed struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	latest  []byte
}

// New returns an empty feed.
func New(logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		logger:  logger.With("component", "statusfeed"),
		clients: make(map[*client]struct{}),
	}
}

// Publish sends snap to every client and keeps it for new ones.
func (f *Feed) Publish(snap *ipc.StatusSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = data
	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			// Drop the oldest so the newest wins.
			select {
			case <-c.send:
			default:
			}
			select {
			case c.send <- data:
			default:
			}
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Handler serves the feed at Path.
func (f *Feed) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, f.serveWS)
	return mux
}

func (f *Feed) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{send: make(chan []byte, clientBuf)}
	f.mu.Lock()
	if f.latest != nil {
		c.send <- f.latest
	}
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	f.logger.Debug("status client connected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go f.readPump(conn, done)
	f.writePump(conn, c, done)

	f.mu.Lock()
	delete(f.clients, c)
	f.mu.Unlock()
	conn.Close()
	f.logger.Debug("status client disconnected", "remote", r.RemoteAddr)
}

// readPump discards client messages and notices when the peer goes away.
func (f *Feed) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) writePump(conn *websocket.Conn, c *client, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case data, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Run serves the feed on addr until ctx is done.
func (f *Feed) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return f.Serve(ctx, ln)
}

// Serve serves the feed on ln until ctx is done.
func (f *Feed) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           f.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	f.logger.Info("[STARTUP] status feed listening", "addr", ln.Addr().String(), "path", Path)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	f.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	f.logger.Info("[SHUTDOWN] status feed stopped")
	return nil
}

func (f *Feed) closeClients() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		close(c.send)
		delete(f.clients, c)
	}
}
