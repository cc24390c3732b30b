package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// LiveHub pushes every finished prediction to connected preview screens.
type LiveHub struct {
	lk    sync.Mutex
	conns map[*liveConn]struct{}
}

type liveConn struct {
	ws  *websocket.Conn
	out chan []byte
}

func NewLiveHub() *LiveHub {
	return &LiveHub{
		conns: make(map[*liveConn]struct{}),
	}
}

func (h *LiveHub) Viewers() int {
	h.lk.Lock()
	defer h.lk.Unlock()
	return len(h.conns)
}

// Broadcast never blocks on a viewer; slow viewers miss results.
func (h *LiveHub) Broadcast(ctx context.Context, res *Result) error {
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}

	h.lk.Lock()
	defer h.lk.Unlock()
	for c := range h.conns {
		select {
		case c.out <- b:
		default:
			log.Warnf("live viewer %s is behind, dropping result %s", c.ws.RemoteAddr(), res.ID)
		}
	}

	return nil
}

func (h *LiveHub) add(c *liveConn) {
	h.lk.Lock()
	defer h.lk.Unlock()
	h.conns[c] = struct{}{}
}

func (h *LiveHub) remove(c *liveConn) {
	h.lk.Lock()
	defer h.lk.Unlock()
	delete(h.conns, c)
}

func (h *LiveHub) handleLive(e echo.Context) error {
	ws, err := liveUpgrader.Upgrade(e.Response(), e.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response
		log.Warnf("live upgrade failed: %s", err)
		return nil
	}
	defer ws.Close()

	c := &liveConn{
		ws:  ws,
		out: make(chan []byte, 16),
	}
	h.add(c)
	defer h.remove(c)

	log.Infof("live viewer connected: %s", ws.RemoteAddr())

	// viewers never send anything useful, read only to notice them leaving
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			log.Infof("live viewer left: %s", ws.RemoteAddr())
			return nil
		case b := <-c.out:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Warnf("live write to %s failed: %s", ws.RemoteAddr(), err)
				return nil
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return nil
			}
		}
	}
}
