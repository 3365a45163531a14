package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"abroad-docs-go/internal/service"
	"abroad-docs-go/pkg/apperr"
	"abroad-docs-go/pkg/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

const writeTimeout = 5 * time.Second

// StatusStreamHandler 通过 WebSocket 推送文档处理状态，直到进入终态。
type StatusStreamHandler struct {
	docService service.DocumentService
	interval   time.Duration
}

// NewStatusStreamHandler 创建一个新的 StatusStreamHandler。interval 为轮询间隔，默认 1 秒。
func NewStatusStreamHandler(docService service.DocumentService, interval time.Duration) *StatusStreamHandler {
	if interval <= 0 {
		interval = time.Second
	}
	return &StatusStreamHandler{docService: docService, interval: interval}
}

type statusMessage struct {
	Type    string             `json:"type"`
	Data    *service.StatusDTO `json:"data,omitempty"`
	Message string             `json:"message,omitempty"`
}

// Handle 升级连接并按间隔推送状态。状态未变化时不重复推送。
func (h *StatusStreamHandler) Handle(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}
	trackingID := c.Param("trackingId")

	// 升级前先确认文档存在，便于返回普通的 404
	first, err := h.docService.Status(c.Request.Context(), owner, trackingID)
	if err != nil {
		respondError(c, "StatusStream", err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("[StatusStream] WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()
	log.Infof("[StatusStream] 连接已建立, OwnerID: %s, TrackingID: %s", owner, trackingID)

	// 读循环只用于感知客户端关闭
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := c.Request.Context()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	st := first
	var last *service.StatusDTO
	for {
		if last == nil || changed(last, st) {
			if err := h.write(conn, statusMessage{Type: "status", Data: st}); err != nil {
				log.Warnf("[StatusStream] 推送失败, TrackingID: %s, Error: %v", trackingID, err)
				return
			}
			last = st
		}
		if st.Status.IsTerminal() {
			h.closeNormal(conn, "done")
			return
		}

		select {
		case <-closed:
			log.Infof("[StatusStream] 客户端已断开, TrackingID: %s", trackingID)
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err = h.docService.Status(ctx, owner, trackingID)
		if err != nil {
			msg := "status unavailable"
			if apperr.IsKind(err, apperr.KindNotFound) {
				msg = "document deleted"
			} else {
				log.Warnf("[StatusStream] 查询状态失败, TrackingID: %s, Error: %v", trackingID, err)
			}
			_ = h.write(conn, statusMessage{Type: "error", Message: msg})
			h.closeNormal(conn, msg)
			return
		}
	}
}

func (h *StatusStreamHandler) write(conn *websocket.Conn, msg statusMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

func (h *StatusStreamHandler) closeNormal(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeTimeout))
}

func changed(a, b *service.StatusDTO) bool {
	return a.Status != b.Status || a.Progress != b.Progress || len(a.Errors) != len(b.Errors) || a.ChunkCount != b.ChunkCount
}
