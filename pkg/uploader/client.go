// Package uploader 是上传协议的客户端：整文件上传、分片上传和录制中的实时上传。
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/NureniJamiu/screenforge/internal/model"
	"github.com/NureniJamiu/screenforge/pkg/log"
)

// ErrCancelled 表示上传被 Cancel 或调用方的 context 取消，与网络故障区分开。
var ErrCancelled = model.ErrCancelled

// APIError 是服务端返回的非 2xx 响应。
type APIError struct {
	StatusCode int
	Message    string
	// Missing 仅在 Finalize 返回 Incomplete 时非空
	Missing []int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upload api: %d %s", e.StatusCode, e.Message)
}

// retryable 报告该错误是否值得重试：服务端 5xx 或者网络错误。
func retryable(err error) bool {
	if err == nil || errors.Is(err, ErrCancelled) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true
}

// Progress 接收已确认的字节数和总字节数，调用保证单调不减。
type Progress func(done, total int64)

// Option 修改 Client 的参数。
type Option func(*Client)

// WithHTTPClient 替换底层 http.Client。
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithChunkSize 设置分片大小。
func WithChunkSize(n int64) Option { return func(c *Client) { c.chunkSize = n } }

// WithParallelism 设置同时在途的分片请求数。
func WithParallelism(n int) Option { return func(c *Client) { c.parallelism = n } }

// WithRetries 设置每个分片在 5xx 或网络错误时的重试次数，退避线性增长。
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) { c.retries, c.backoff = n, backoff }
}

// WithTimeout 设置单个请求的超时，整文件上传和每个分片各自计时。
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithRetainLiveChunks 让实时上传在本地保留所有分片，流失败后可以整文件重传。
func WithRetainLiveChunks(retain bool) Option { return func(c *Client) { c.retainLive = retain } }

// Client 与上传服务通信。同一个 Client 可以并发执行多个上传，Cancel 会中止全部。
type Client struct {
	baseURL     string
	token       string
	http        *http.Client
	chunkSize   int64
	parallelism int
	retries     int
	backoff     time.Duration
	timeout     time.Duration
	retainLive  bool

	mu      sync.Mutex
	nextOp  uint64
	cancels map[uint64]context.CancelFunc
}

// New 创建客户端，baseURL 形如 https://host/api/v1。
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		http:        &http.Client{},
		chunkSize:   5 << 20,
		parallelism: 3,
		retries:     2,
		backoff:     500 * time.Millisecond,
		timeout:     10 * time.Minute,
		cancels:     make(map[uint64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.parallelism < 1 {
		c.parallelism = 1
	}
	return c
}

// Cancel 中止所有在途的上传。没有上传时什么也不做，可以重复调用。
func (c *Client) Cancel() {
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = make(map[uint64]context.CancelFunc)
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		log.Infof("[Uploader] 已取消 %d 个上传", len(cancels))
	}
}

// begin 为一次上传登记可取消的 context。
func (c *Client) begin(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	id := c.nextOp
	c.nextOp++
	c.cancels[id] = cancel
	c.mu.Unlock()
	return ctx, func() {
		c.mu.Lock()
		delete(c.cancels, id)
		c.mu.Unlock()
		cancel()
	}
}

// classify 把 context 取消统一成 ErrCancelled。
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrCancelled
	}
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// send 执行请求并把 2xx 响应体解码到 out，out 为 nil 时丢弃响应体。
func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error   string `json:"error"`
		Missing []int  `json:"missing"`
	}
	apiErr := &APIError{StatusCode: status}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
		apiErr.Missing = payload.Missing
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// withRetry 执行 fn，可重试的错误最多重试 c.retries 次。
func (c *Client) withRetry(ctx context.Context, what string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || attempt >= c.retries || !retryable(classify(ctx, err)) {
			return err
		}
		log.Warnf("[Uploader] %s 失败，第 %d 次重试, error: %v", what, attempt+1, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff * time.Duration(attempt+1)):
		}
	}
}
