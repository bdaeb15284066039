package handler

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/NureniJamiu/screenforge/internal/middleware"
	"github.com/NureniJamiu/screenforge/internal/model"
	"github.com/NureniJamiu/screenforge/internal/service"
)

// multipart 封装和表单字段的额外开销
const multipartSlack = 1 << 20

// UploadHandler 负责处理整文件上传与分片上传会话相关的 API 请求。
type UploadHandler struct {
	uploadService   service.UploadService
	maxPayloadBytes int64
	maxChunkBytes   int64
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(uploadService service.UploadService, maxPayloadBytes, maxChunkBytes int64) *UploadHandler {
	return &UploadHandler{uploadService: uploadService, maxPayloadBytes: maxPayloadBytes, maxChunkBytes: maxChunkBytes}
}

func currentUser(c *gin.Context) (uint, bool) {
	id, ok := middleware.UserID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "未认证"})
	}
	return id, ok
}

// UploadWhole 处理整文件上传。元数据字段需要出现在 video 文件之前，
// 文件部分直接流向存储，不落本地磁盘。
func (h *UploadHandler) UploadWhole(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if c.Request.ContentLength > h.maxPayloadBytes+multipartSlack {
		writeError(c, "UploadWhole", model.ErrPayloadTooLarge)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxPayloadBytes+multipartSlack)

	reader, err := c.Request.MultipartReader()
	if err != nil {
		badRequest(c, "请求必须是 multipart/form-data")
		return
	}

	fields := map[string]string{}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			badRequest(c, "缺少 video 文件")
			return
		}
		if err != nil {
			writeError(c, "UploadWhole", err)
			return
		}
		if part.FormName() != "video" {
			value, _ := io.ReadAll(io.LimitReader(part, 64<<10))
			fields[part.FormName()] = string(value)
			part.Close()
			continue
		}

		metadata, err := metadataFromFields(fields)
		if err != nil {
			part.Close()
			badRequest(c, err.Error())
			return
		}
		if metadata.FileName == "" {
			metadata.FileName = part.FileName()
		}
		if metadata.MimeType == "" {
			metadata.MimeType = partContentType(part)
		}
		video, err := h.uploadService.UploadWhole(c.Request.Context(), userID, metadata, part, -1)
		part.Close()
		if err != nil {
			writeError(c, "UploadWhole", err)
			return
		}
		c.JSON(http.StatusCreated, video)
		return
	}
}

func partContentType(part *multipart.Part) string {
	ct := part.Header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		return ""
	}
	return ct
}

// metadataFromFields 把表单字段转换为上传元数据，数值字段格式错误返回错误。
func metadataFromFields(fields map[string]string) (model.UploadMetadata, error) {
	md := model.UploadMetadata{
		Title:         strings.TrimSpace(fields["title"]),
		Description:   fields["description"],
		RecordingType: fields["recordingType"],
		FileName:      fields["fileName"],
		MimeType:      fields["mimeType"],
	}
	if v := fields["duration"]; v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil || d < 0 {
			return md, errors.New("无效的 duration")
		}
		md.Duration = &d
	}
	if v := fields["isDownloadable"]; v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return md, errors.New("无效的 isDownloadable")
		}
		md.IsDownloadable = &b
	}
	return md, nil
}

// InitRequest 定义了创建分片上传会话的请求体结构。
type InitRequest struct {
	SessionID   string               `json:"sessionId"`
	Metadata    model.UploadMetadata `json:"metadata"`
	TotalChunks int                  `json:"totalChunks" binding:"required"`
}

// InitSession 创建分片上传会话。
func (h *UploadHandler) InitSession(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req InitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	sessionID, err := h.uploadService.Init(c.Request.Context(), userID, req.SessionID, req.Metadata, req.TotalChunks)
	if err != nil {
		writeError(c, "InitSession", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": sessionID})
}

// SessionStatus 返回会话进度。
func (h *UploadHandler) SessionStatus(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	status, err := h.uploadService.Status(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		writeError(c, "SessionStatus", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// UploadChunk 处理分片上传的请求。
func (h *UploadHandler) UploadChunk(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxChunkBytes+multipartSlack)

	if err := c.Request.ParseMultipartForm(32 << 20); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(c, "UploadChunk", err)
			return
		}
		badRequest(c, "请求必须是 multipart/form-data")
		return
	}
	chunkIndex, err := strconv.Atoi(c.PostForm("chunkIndex"))
	if err != nil {
		badRequest(c, "无效的分片索引")
		return
	}
	file, header, err := c.Request.FormFile("chunk")
	if err != nil {
		badRequest(c, "未能获取上传的分片")
		return
	}
	defer file.Close()

	progress, err := h.uploadService.UploadChunk(c.Request.Context(), c.Param("id"), userID, chunkIndex, file, header.Size)
	if err != nil {
		writeError(c, "UploadChunk", err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// Finalize 合并所有分片并创建视频记录。
func (h *UploadHandler) Finalize(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	video, err := h.uploadService.Finalize(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		writeError(c, "Finalize", err)
		return
	}
	c.JSON(http.StatusCreated, video)
}

// Cleanup 取消上传并删除暂存数据，对分片会话和实时会话都适用。
func (h *UploadHandler) Cleanup(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if err := h.uploadService.Cleanup(c.Request.Context(), c.Param("id"), userID); err != nil {
		writeError(c, "Cleanup", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": c.Param("id"), "deleted": true})
}
