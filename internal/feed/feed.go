// ============================================================================
// Faucet Event Feed - WebSocket 事件串流
// ============================================================================
//
// Package: internal/feed
// 文件: feed.go
// 功能: 將 EventBus 的 start / stop / error / done 事件推送給 WebSocket 客戶端
//
// 使用場景:
//   UI 協作者（瀏覽器頁面或其他程序）連到 /events，即可收到領取流程的生命週期事件，
//   不需要與 Coordinator 在同一個程序內
//
// 訊息格式 (JSON text frame):
//   {"topic":"start"}
//   {"topic":"error","message":"rate_limited"}
//   {"topic":"done","outcome":{"status":"ok","tokens":1}}
//
// 背壓:
//   Bus 是同步的，handler 不能阻塞發布者；每個連線有固定大小的緩衝，
//   緩衝滿時丟棄事件並記錄
//
// ============================================================================

package feed

import (
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/ChuLiYu/faucet-claim/internal/eventbus"
	"github.com/ChuLiYu/faucet-claim/pkg/types"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

var log = slog.Default()

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame 推送給客戶端的事件
type Frame struct {
	Topic   eventbus.Topic      `json:"topic"`
	Message string              `json:"message,omitempty"`
	Outcome *types.ClaimOutcome `json:"outcome,omitempty"`
}

// Server 將一個 Bus 的事件串流給所有連線
type Server struct {
	bus      *eventbus.Bus
	upgrader websocket.Upgrader
	buffer   int
	clients  atomic.Int64
}

// NewServer 建立 Server；buffer 為每個連線的事件緩衝大小
func NewServer(bus *eventbus.Bus, buffer int) *Server {
	if buffer < 1 {
		buffer = 16
	}
	return &Server{
		bus:    bus,
		buffer: buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Clients 回傳目前連線數
func (s *Server) Clients() int64 {
	return s.clients.Load()
}

// ServeHTTP 升級連線並推送事件，直到客戶端斷線
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	s.clients.Add(1)
	defer s.clients.Add(-1)

	events := make(chan eventbus.Event, s.buffer)
	for _, topic := range eventbus.Topics {
		unsubscribe := s.bus.Subscribe(topic, func(ev eventbus.Event) {
			select {
			case events <- ev:
			default:
				log.Warn("Feed client too slow, event dropped", "remote", r.RemoteAddr, "topic", ev.Topic)
			}
		})
		defer unsubscribe()
	}

	log.Debug("Feed client connected", "remote", r.RemoteAddr)

	// 讀取端只用來偵測斷線
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			data, err := json.Marshal(Frame{Topic: ev.Topic, Message: ev.Message, Outcome: ev.Outcome})
			if err != nil {
				log.Error("Failed to encode event", "topic", ev.Topic, "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("Feed client write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		case <-closed:
			log.Debug("Feed client disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}
