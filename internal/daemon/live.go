package daemon

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"vigil/internal/livecount"
	"vigil/internal/logging"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = (livePongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleLive streams LiveCountMessage frames for one stream. The connection
// closes with a normal-closure frame when the stream ends.
func (s *apiServer) handleLive(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("streamId")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", logging.Error(err))
		return
	}

	live := s.daemon.live
	sub := live.Subscribe(streamID)
	logger := s.logger.With(logging.StreamID(streamID))
	logger.Debug("live client connected")

	done := make(chan struct{})
	go readPump(conn, done)
	writePump(conn, sub, live, done)

	live.Unsubscribe(streamID, sub)
	_ = conn.Close()
	logger.Debug("live client disconnected", logging.Int64("dropped", int64(sub.Dropped())))
}

// readPump discards client messages and keeps the read deadline fresh via
// pongs. It closes done when the client goes away.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, sub *livecount.Subscriber, live *livecount.Broadcaster, done <-chan struct{}) {
	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()

	if last, ok := live.Last(sub.StreamID()); ok && len(sub.C()) == 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
		if err := conn.WriteJSON(last); err != nil {
			return
		}
	}

	for {
		select {
		case msg, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if !ok {
				closing := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended")
				_ = conn.WriteMessage(websocket.CloseMessage, closing)
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
