package handler

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/NureniJamiu/screenforge/internal/model"
	"github.com/NureniJamiu/screenforge/internal/service"
	"github.com/NureniJamiu/screenforge/pkg/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源，认证由 access_token 完成
	},
}

// LiveHandler 负责录制过程中的实时上传，HTTP 分片和 WebSocket 两种方式共用同一个服务。
type LiveHandler struct {
	uploadService service.UploadService
	maxChunkBytes int64
}

// NewLiveHandler 创建一个新的 LiveHandler 实例。
func NewLiveHandler(uploadService service.UploadService, maxChunkBytes int64) *LiveHandler {
	return &LiveHandler{uploadService: uploadService, maxChunkBytes: maxChunkBytes}
}

// Start 开启一个实时会话，请求体就是元数据，可以为空。
func (h *LiveHandler) Start(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var metadata model.UploadMetadata
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&metadata); err != nil && !errors.Is(err, io.EOF) {
			badRequest(c, "无效的请求负载")
			return
		}
	}
	sessionID, err := h.uploadService.StartLive(c.Request.Context(), userID, metadata)
	if err != nil {
		writeError(c, "LiveStart", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": sessionID})
}

// Chunk 接收一个实时分片：multipart 字段 sessionId、chunkIndex 和文件 chunk。
func (h *LiveHandler) Chunk(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxChunkBytes+multipartSlack)
	if err := c.Request.ParseMultipartForm(32 << 20); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(c, "LiveChunk", err)
			return
		}
		badRequest(c, "请求必须是 multipart/form-data")
		return
	}
	sessionID := c.PostForm("sessionId")
	if sessionID == "" {
		badRequest(c, "缺少 sessionId")
		return
	}
	chunkIndex, err := strconv.Atoi(c.PostForm("chunkIndex"))
	if err != nil {
		badRequest(c, "无效的分片索引")
		return
	}
	file, _, err := c.Request.FormFile("chunk")
	if err != nil {
		badRequest(c, "未能获取上传的分片")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, h.maxChunkBytes+1))
	if err != nil {
		writeError(c, "LiveChunk", err)
		return
	}

	if err := h.uploadService.UploadLiveChunk(c.Request.Context(), sessionID, userID, chunkIndex, data); err != nil {
		writeError(c, "LiveChunk", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "chunkIndex": chunkIndex})
}

// FinalizeRequest 定义了结束实时会话的请求体结构。
type FinalizeRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

// Finalize 结束实时会话，提交流并创建视频记录。
func (h *LiveHandler) Finalize(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "缺少 sessionId")
		return
	}
	video, err := h.uploadService.FinalizeLive(c.Request.Context(), req.SessionID, userID)
	if err != nil {
		writeError(c, "LiveFinalize", err)
		return
	}
	c.JSON(http.StatusCreated, video)
}

// wsMessage 是服务端通过 WebSocket 回发的文本消息。
type wsMessage struct {
	Type       string       `json:"type"`
	ChunkIndex *int         `json:"chunkIndex,omitempty"`
	Error      string       `json:"error,omitempty"`
	Video      *model.Video `json:"video,omitempty"`
	Timestamp  int64        `json:"timestamp"`
}

// Stream 通过 WebSocket 接收实时分片。
// 二进制帧 = 4 字节大端分片下标 + 分片数据；文本帧 {"type":"finalize"} 结束会话。
// 连接断开不会结束会话，客户端可以重连或改用 HTTP 接口继续。
func (h *LiveHandler) Stream(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	sessionID := c.Param("id")
	status, err := h.uploadService.Status(c.Request.Context(), sessionID, userID)
	if err != nil {
		writeError(c, "LiveStream", err)
		return
	}
	if status.Kind != model.SessionKindLive {
		badRequest(c, "不是实时会话")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.maxChunkBytes + 4)
	log.Infof("[LiveStream] WebSocket 连接已建立, sessionID: %s, 用户ID: %d", sessionID, userID)

	ctx := c.Request.Context()
	reply := func(m wsMessage) error {
		m.Timestamp = time.Now().UnixMilli()
		b, _ := json.Marshal(m)
		return conn.WriteMessage(websocket.TextMessage, b)
	}

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("[LiveStream] 读取消息失败, sessionID: %s, error: %v", sessionID, err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if len(message) < 4 {
				_ = reply(wsMessage{Type: "error", Error: "frame too short"})
				continue
			}
			index := int(binary.BigEndian.Uint32(message[:4]))
			if err := h.uploadService.UploadLiveChunk(ctx, sessionID, userID, index, message[4:]); err != nil {
				_ = reply(wsMessage{Type: "error", ChunkIndex: &index, Error: err.Error()})
				if errors.Is(err, model.ErrSinkFailure) || errors.Is(err, model.ErrNotFound) {
					return
				}
				continue
			}
			if err := reply(wsMessage{Type: "ack", ChunkIndex: &index}); err != nil {
				return
			}

		case websocket.TextMessage:
			var ctrl struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(message, &ctrl); err != nil || ctrl.Type != "finalize" {
				_ = reply(wsMessage{Type: "error", Error: "unknown control message"})
				continue
			}
			video, err := h.uploadService.FinalizeLive(ctx, sessionID, userID)
			if err != nil {
				_ = reply(wsMessage{Type: "error", Error: err.Error()})
				continue
			}
			_ = reply(wsMessage{Type: "completion", Video: video})
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "finalized"))
			return
		}
	}
}
