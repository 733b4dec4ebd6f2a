package beeps

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// watchHub tracks the open watch sockets per document and fans a small
// event out to them whenever new ops land, so peers pull right away
// instead of waiting out their poll interval.
type watchHub struct {
	mu    sync.Mutex
	conns map[int64]map[*websocket.Conn]struct{}
}

func newWatchHub() *watchHub {
	return &watchHub{conns: make(map[int64]map[*websocket.Conn]struct{})}
}

func (h *watchHub) add(documentID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[documentID] == nil {
		h.conns[documentID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[documentID][conn] = struct{}{}
}

func (h *watchHub) remove(documentID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[documentID], conn)
	if len(h.conns[documentID]) == 0 {
		delete(h.conns, documentID)
	}
}

// notify tells every watcher of a document that ops arrived. Connections
// that fail to take the write are dropped.
func (h *watchHub) notify(documentID int64, ops int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	event := WatchEvent{Type: "ops", Ops: ops}
	for conn := range h.conns[documentID] {
		if err := conn.WriteJSON(event); err != nil {
			slog.Debug("drop watch connection", "err", err, "document", documentID)
			conn.Close()
			delete(h.conns[documentID], conn)
		}
	}
}

var watchUpgrader = websocket.Upgrader{
	// Clients are native apps and CLIs, not browsers; origin checks do
	// not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, ErrAuth.Error())
		return
	}

	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		slog.Debug("watch upgrade failed", "err", err)
		return
	}

	// The server's request deadlines would tear the socket down; this
	// connection lives until the peer leaves.
	conn.UnderlyingConn().SetDeadline(time.Time{})

	s.hub.add(claims.DocumentID, conn)
	defer func() {
		s.hub.remove(claims.DocumentID, conn)
		conn.Close()
	}()

	// The socket is server-to-client only; reading just detects close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
