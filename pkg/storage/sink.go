package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"

	"github.com/NureniJamiu/screenforge/pkg/log"
)

// livePartSize 是实时流 multipart 上传的分段大小，minio 在 size 未知时按它切分。
const livePartSize = 5 * 1024 * 1024

var errStreamAborted = errors.New("stream aborted")

// StoredObject 描述一个已经持久化的对象。
type StoredObject struct {
	Key  string
	URL  string
	Size int64
}

// Sink 是视频最终落地的持久化对象存储。
type Sink interface {
	// Put 把 r 的全部内容写到 key，size 未知时传 -1。
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*StoredObject, error)
	// OpenStream 开启一个按追加写入的流式上传，ctx 需要覆盖整个流的生命周期。
	OpenStream(ctx context.Context, key, contentType string) (StreamWriter, error)
	Delete(ctx context.Context, key string) error
}

// StreamWriter 是一个进行中的流式上传。Append 不是并发安全的，调用方负责串行。
type StreamWriter interface {
	Append(p []byte) error
	// Commit 结束流并等待对象存储确认持久化。
	Commit() (*StoredObject, error)
	Abort() error
	Written() int64
}

// MinIOSink 是基于 MinIO 的 Sink 实现。
type MinIOSink struct {
	client     *minio.Client
	bucketName string
	baseURL    string
}

// NewMinIOSink 创建 MinIOSink。publicBaseURL 为空时按 endpoint/bucket 拼接播放地址。
func NewMinIOSink(client *minio.Client, bucketName, publicBaseURL string) *MinIOSink {
	baseURL := strings.TrimRight(publicBaseURL, "/")
	if baseURL == "" {
		baseURL = strings.TrimRight(client.EndpointURL().String(), "/") + "/" + bucketName
	}
	return &MinIOSink{client: client, bucketName: bucketName, baseURL: baseURL}
}

func (s *MinIOSink) objectURL(key string) string {
	return s.baseURL + "/" + key
}

// Put 上传一个完整对象。
func (s *MinIOSink) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*StoredObject, error) {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if size < 0 {
		opts.PartSize = livePartSize
	}
	info, err := s.client.PutObject(ctx, s.bucketName, key, r, size, opts)
	if err != nil {
		return nil, fmt.Errorf("上传对象 %s 失败: %w", key, err)
	}
	log.Infof("[Storage] 对象上传成功, key: %s, size: %d", key, info.Size)
	return &StoredObject{Key: key, URL: s.objectURL(key), Size: info.Size}, nil
}

// Delete 删除对象，对象不存在时不是错误。
func (s *MinIOSink) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{})
}

// OpenStream 以 io.Pipe 驱动一次 size 未知的 PutObject，每次 Append 直接写入 multipart 上传。
func (s *MinIOSink) OpenStream(ctx context.Context, key, contentType string) (StreamWriter, error) {
	pr, pw := io.Pipe()
	w := &minioStream{sink: s, key: key, pw: pw, done: make(chan struct{})}

	go func() {
		defer close(w.done)
		info, err := s.client.PutObject(ctx, s.bucketName, key, pr, -1, minio.PutObjectOptions{
			ContentType: contentType,
			PartSize:    livePartSize,
		})
		if err != nil {
			// 让后续的 Append 立即失败
			_ = pr.CloseWithError(err)
			w.err = err
			return
		}
		w.info = info
	}()
	return w, nil
}

type minioStream struct {
	sink    *MinIOSink
	key     string
	pw      *io.PipeWriter
	written int64

	once sync.Once
	done chan struct{}
	info minio.UploadInfo
	err  error
}

func (w *minioStream) Append(p []byte) error {
	n, err := w.pw.Write(p)
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("追加写入 %s 失败: %w", w.key, err)
	}
	return nil
}

func (w *minioStream) Written() int64 {
	return w.written
}

func (w *minioStream) Commit() (*StoredObject, error) {
	w.once.Do(func() { _ = w.pw.Close() })
	<-w.done
	if w.err != nil {
		return nil, fmt.Errorf("提交流式对象 %s 失败: %w", w.key, w.err)
	}
	size := w.info.Size
	if size == 0 {
		size = w.written
	}
	return &StoredObject{Key: w.key, URL: w.sink.objectURL(w.key), Size: size}, nil
}

func (w *minioStream) Abort() error {
	w.once.Do(func() { _ = w.pw.CloseWithError(errStreamAborted) })
	<-w.done
	if w.err == nil {
		// 上传已经完成，中止意味着删除已写入的对象
		return w.sink.Delete(context.Background(), w.key)
	}
	return nil
}
