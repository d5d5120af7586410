package webapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"picpic-dash/internal/events"
)

const (
	streamBuffer = 64
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
)

type streamEvent struct {
	Channel string `json:"channel"`
	Detail  any    `json:"detail"`
}

// requestedChannels returns the ?channel= values, defaulting to the job and
// agent update channels.
func requestedChannels(r *http.Request) []string {
	channels := r.URL.Query()["channel"]
	if len(channels) == 0 {
		return []string{events.ChannelJobUpdate, events.ChannelAgentUpdate}
	}
	return channels
}

// subscribe registers one listener per channel feeding a buffered queue.
// Listeners run on the dispatch goroutine, so a full queue drops the event
// rather than blocking routing. The returned func removes every listener.
func (s *Server) subscribe(channels []string, l *log.Entry) (<-chan streamEvent, func()) {
	ch := make(chan streamEvent, streamBuffer)
	unsubs := make([]func(), 0, len(channels))
	for _, channel := range channels {
		unsubs = append(unsubs, s.reg.Subscribe(channel, func(e events.Event) {
			select {
			case ch <- streamEvent{Channel: e.Channel, Detail: e.Detail}:
			default:
				s.metrics.StreamDropped()
				l.WithField("channel", e.Channel).Warn("stream queue full, dropping event")
			}
		}))
	}
	return ch, func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	channels := requestedChannels(r)
	l := s.log.WithFields(log.Fields{"stream": uuid.NewString(), "kind": "sse"})
	ch, cancel := s.subscribe(channels, l)
	defer cancel()
	l.WithField("channels", channels).Debug("stream opened")
	defer l.Debug("stream closed")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		case evt := <-ch:
			data, err := json.Marshal(evt.Detail)
			if err != nil {
				l.WithError(err).Warn("encode stream event")
				continue
			}
			if _, err := w.Write([]byte("event: " + evt.Channel + "\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	channels := requestedChannels(r)
	l := s.log.WithFields(log.Fields{"stream": uuid.NewString(), "kind": "ws"})
	ch, cancel := s.subscribe(channels, l)
	defer cancel()
	l.WithField("channels", channels).Debug("stream opened")
	defer l.Debug("stream closed")

	// The read loop only notices the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-s.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case evt := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				l.WithError(err).Debug("websocket write failed")
				return
			}
		}
	}
}
