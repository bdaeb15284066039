package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NureniJamiu/screenforge/internal/model"
	"github.com/NureniJamiu/screenforge/pkg/chunk"
	"github.com/NureniJamiu/screenforge/pkg/log"
)

// progressReader 统计读出的字节数，context 取消后立即停止读取。
type progressReader struct {
	ctx   context.Context
	r     io.Reader
	done  int64
	total int64
	fn    Progress
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		if p.fn != nil {
			p.fn(p.done, p.total)
		}
	}
	return n, err
}

func metadataFields(md model.UploadMetadata) [][2]string {
	fields := [][2]string{}
	add := func(k, v string) {
		if v != "" {
			fields = append(fields, [2]string{k, v})
		}
	}
	add("title", md.Title)
	add("description", md.Description)
	add("recordingType", md.RecordingType)
	add("fileName", md.FileName)
	add("mimeType", md.MimeType)
	if md.Duration != nil {
		add("duration", strconv.FormatFloat(*md.Duration, 'f', -1, 64))
	}
	if md.IsDownloadable != nil {
		add("isDownloadable", strconv.FormatBool(*md.IsDownloadable))
	}
	return fields
}

// UploadWhole 用一个请求上传整个载荷。载荷经 io.Pipe 流式写入 multipart 请求体，
// 元数据字段在文件之前发送。size 只用于进度，未知时传 -1。
func (c *Client) UploadWhole(ctx context.Context, payload io.Reader, size int64, md model.UploadMetadata, onProgress Progress) (*model.Video, error) {
	ctx, end := c.begin(ctx)
	defer end()
	reqCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeWholeBody(reqCtx, mw, payload, size, md, onProgress))
	}()

	req, err := c.newRequest(reqCtx, http.MethodPost, "/uploads", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var video model.Video
	if err := c.send(req, &video); err != nil {
		pr.CloseWithError(err)
		return nil, classify(ctx, err)
	}
	log.Infof("[Uploader] 整文件上传完成, videoID: %s, size: %d", video.ID, video.Size)
	return &video, nil
}

func writeWholeBody(ctx context.Context, mw *multipart.Writer, payload io.Reader, size int64, md model.UploadMetadata, onProgress Progress) error {
	for _, f := range metadataFields(md) {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	header := textproto.MIMEHeader{}
	name := md.FileName
	if name == "" {
		name = "recording.webm"
	}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="video"; filename=%q`, name))
	if md.MimeType != "" {
		header.Set("Content-Type", md.MimeType)
	} else {
		header.Set("Content-Type", "application/octet-stream")
	}
	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, &progressReader{ctx: ctx, r: payload, total: size, fn: onProgress}); err != nil {
		return err
	}
	return mw.Close()
}

type initResponse struct {
	SessionID string `json:"sessionId"`
}

// UploadChunked 把 payload 切成定长分片，并发上传后 Finalize。
// 任何分片最终失败都会先 Cleanup 再返回错误；Finalize 报告缺失分片时只重传一次缺失部分。
func (c *Client) UploadChunked(ctx context.Context, payload io.ReaderAt, size int64, md model.UploadMetadata, onProgress Progress) (*model.Video, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: empty payload", model.ErrValidation)
	}
	ctx, end := c.begin(ctx)
	defer end()

	ranges := chunk.Ranges(size, c.chunkSize)
	var session initResponse
	if err := c.doJSON(ctx, http.MethodPost, "/uploads/sessions", map[string]interface{}{
		"metadata":    md,
		"totalChunks": len(ranges),
	}, &session); err != nil {
		return nil, classify(ctx, err)
	}
	log.Infof("[Uploader] 分片会话已创建, sessionID: %s, chunks: %d, chunkSize: %d", session.SessionID, len(ranges), c.chunkSize)

	fail := func(err error) (*model.Video, error) {
		err = classify(ctx, err)
		c.cleanup(ctx, session.SessionID)
		return nil, err
	}

	tracker := &progressTracker{total: size, fn: onProgress}
	if err := c.sendChunks(ctx, session.SessionID, payload, ranges, tracker); err != nil {
		return fail(err)
	}

	video, err := c.finalize(ctx, session.SessionID)
	var apiErr *APIError
	if errors.As(err, &apiErr) && len(apiErr.Missing) > 0 {
		log.Warnf("[Uploader] 服务端缺少分片 %v，重传一次, sessionID: %s", apiErr.Missing, session.SessionID)
		missing := make([]chunk.Range, 0, len(apiErr.Missing))
		for _, i := range apiErr.Missing {
			if i >= 0 && i < len(ranges) {
				missing = append(missing, ranges[i])
			}
		}
		if err := c.sendChunks(ctx, session.SessionID, payload, missing, nil); err != nil {
			return fail(err)
		}
		video, err = c.finalize(ctx, session.SessionID)
	}
	if err != nil {
		return fail(err)
	}
	log.Infof("[Uploader] 分片上传完成, sessionID: %s, videoID: %s", session.SessionID, video.ID)
	return video, nil
}

// progressTracker 以已完成分片的字节数之和计算进度，分片乱序完成时也单调不减。
type progressTracker struct {
	mu    sync.Mutex
	done  int64
	total int64
	fn    Progress
}

func (p *progressTracker) add(n int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done += n
	if p.fn != nil {
		p.fn(p.done, p.total)
	}
}

func (c *Client) sendChunks(ctx context.Context, sessionID string, payload io.ReaderAt, ranges []chunk.Range, tracker *progressTracker) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for _, r := range ranges {
		r := r
		g.Go(func() error {
			buf := make([]byte, r.Length)
			if n, err := payload.ReadAt(buf, r.Offset); int64(n) != r.Length {
				return fmt.Errorf("read chunk %d: %w", r.Index, err)
			}
			what := fmt.Sprintf("分片 %d", r.Index)
			if err := c.withRetry(gctx, what, func(ctx context.Context) error {
				return c.postChunk(ctx, sessionID, r.Index, buf)
			}); err != nil {
				return err
			}
			tracker.add(r.Length)
			return nil
		})
	}
	return g.Wait()
}

func (c *Client) postChunk(ctx context.Context, sessionID string, index int, data []byte) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	body, contentType, err := chunkForm(nil, index, data)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/uploads/sessions/"+sessionID+"/chunks", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	return c.send(req, nil)
}

func (c *Client) finalize(ctx context.Context, sessionID string) (*model.Video, error) {
	var video model.Video
	if err := c.doJSON(ctx, http.MethodPost, "/uploads/sessions/"+sessionID+"/finalize", nil, &video); err != nil {
		return nil, err
	}
	return &video, nil
}

// cleanup 使用独立的 context，上传被取消后也要把服务端状态清掉。
func (c *Client) cleanup(ctx context.Context, sessionID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := c.doJSON(cctx, http.MethodDelete, "/uploads/sessions/"+sessionID, nil, nil); err != nil {
		log.Warnf("[Uploader] 清理会话失败, sessionID: %s, error: %v", sessionID, err)
		return
	}
	log.Infof("[Uploader] 会话已清理, sessionID: %s", sessionID)
}
