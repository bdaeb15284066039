package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/NureniJamiu/screenforge/internal/model"
	"github.com/NureniJamiu/screenforge/pkg/chunk"
	"github.com/NureniJamiu/screenforge/pkg/log"
)

// chunkForm 构造分片上传的 multipart 请求体。
func chunkForm(fields [][2]string, index int, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.WriteField("chunkIndex", strconv.Itoa(index)); err != nil {
		return nil, "", err
	}
	part, err := w.CreateFormFile("chunk", "chunk-"+strconv.Itoa(index))
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// LiveUpload 是一个进行中的实时上传。
type LiveUpload struct {
	client    *Client
	SessionID string
	metadata  model.UploadMetadata

	mu       sync.Mutex
	retained map[int][]byte
}

// StartLive 开启实时会话，录制开始时调用。
func (c *Client) StartLive(ctx context.Context, md model.UploadMetadata) (*LiveUpload, error) {
	var resp initResponse
	if err := c.doJSON(ctx, http.MethodPost, "/uploads/live-start", md, &resp); err != nil {
		return nil, classify(ctx, err)
	}
	live := &LiveUpload{client: c, SessionID: resp.SessionID, metadata: md}
	if c.retainLive {
		live.retained = make(map[int][]byte)
	}
	log.Infof("[Uploader] 实时会话已开启, sessionID: %s", resp.SessionID)
	return live, nil
}

// Push 发送一个录制分片。分片可以乱序发送，服务端按下标重排。
// 存储故障不会重试，调用方应结束录制并调用 FallbackWhole。
func (l *LiveUpload) Push(ctx context.Context, index int, data []byte) error {
	if l.retained != nil {
		l.mu.Lock()
		l.retained[index] = append([]byte(nil), data...)
		l.mu.Unlock()
	}
	c := l.client
	ctx, end := c.begin(ctx)
	defer end()
	err := c.withRetry(ctx, fmt.Sprintf("实时分片 %d", index), func(ctx context.Context) error {
		rctx, cancel := c.withTimeout(ctx)
		defer cancel()
		body, contentType, err := chunkForm([][2]string{{"sessionId", l.SessionID}}, index, data)
		if err != nil {
			return err
		}
		req, err := c.newRequest(rctx, http.MethodPost, "/uploads/live-chunk", body)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", contentType)
		err = c.send(req, nil)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusInternalServerError {
			// 服务端的流已经失败，重试没有意义
			return &permanentError{err}
		}
		return err
	})
	var perm *permanentError
	if errors.As(err, &perm) {
		err = perm.err
	}
	return classify(ctx, err)
}

// Finalize 结束实时会话并返回视频记录。
func (l *LiveUpload) Finalize(ctx context.Context) (*model.Video, error) {
	var video model.Video
	if err := l.client.doJSON(ctx, http.MethodPost, "/uploads/live-finalize", map[string]string{"sessionId": l.SessionID}, &video); err != nil {
		return nil, classify(ctx, err)
	}
	if len(video.SequenceGaps) > 0 {
		log.Warnf("[Uploader] 实时上传存在缺失分片, sessionID: %s, gaps: %v", l.SessionID, video.SequenceGaps)
	}
	return &video, nil
}

// Abort 放弃实时会话，服务端中止流式上传。
func (l *LiveUpload) Abort(ctx context.Context) {
	l.client.cleanup(ctx, l.SessionID)
}

// FallbackWhole 放弃实时会话，把本地保留的分片按下标拼接后整文件重传。
// 只有使用 WithRetainLiveChunks(true) 创建的客户端可以调用。
func (l *LiveUpload) FallbackWhole(ctx context.Context, onProgress Progress) (*model.Video, error) {
	if l.retained == nil {
		return nil, errors.New("live chunks were not retained")
	}
	l.Abort(ctx)

	l.mu.Lock()
	indices := make([]int, 0, len(l.retained))
	for i := range l.retained {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	chunks := make([][]byte, 0, len(indices))
	for _, i := range indices {
		chunks = append(chunks, l.retained[i])
	}
	l.mu.Unlock()

	payload := chunk.Join(chunks)
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: nothing recorded", model.ErrValidation)
	}
	log.Infof("[Uploader] 实时上传回退为整文件上传, sessionID: %s, size: %d", l.SessionID, len(payload))
	return l.client.UploadWhole(ctx, bytes.NewReader(payload), int64(len(payload)), l.metadata, onProgress)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
