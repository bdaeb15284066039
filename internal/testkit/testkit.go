// Package testkit 在进程内装配一套完整的上传服务，供 handler 和客户端测试使用。
// 数据库和对象存储用内存实现替代，其余组件都是真实代码。
package testkit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/NureniJamiu/screenforge/internal/handler"
	"github.com/NureniJamiu/screenforge/internal/middleware"
	"github.com/NureniJamiu/screenforge/internal/model"
	"github.com/NureniJamiu/screenforge/internal/repository"
	"github.com/NureniJamiu/screenforge/internal/service"
	"github.com/NureniJamiu/screenforge/pkg/storage"
	"github.com/NureniJamiu/screenforge/pkg/token"
)

// Env 是一套运行中的测试服务。
type Env struct {
	Router   *gin.Engine
	Server   *httptest.Server
	Upload   service.UploadService
	Sessions repository.SessionRepository
	Videos   *VideoRepo
	Sink     *Sink
	JWT      *token.JWTManager
	Options  service.UploadOptions
}

// DefaultOptions 是测试用的上传限制。
func DefaultOptions() service.UploadOptions {
	return service.UploadOptions{
		MaxPayloadBytes:   16 << 20,
		MaxChunkBytes:     1 << 20,
		MaxTotalChunks:    1000,
		SessionMaxAge:     24 * time.Hour,
		FinalizeLockTTL:   time.Minute,
		LiveReorderWindow: 8,
	}
}

// New 装配服务并启动 httptest.Server，测试结束时自动关闭。
func New(t testing.TB, tweak ...func(*service.UploadOptions)) *Env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	opts := DefaultOptions()
	for _, fn := range tweak {
		fn(&opts)
	}
	staging, err := storage.NewDiskStaging(afero.NewMemMapFs(), "/staging")
	require.NoError(t, err)

	env := &Env{
		Sessions: repository.NewMemorySessionRepository(),
		Videos:   NewVideoRepo(),
		Sink:     NewSink(),
		JWT:      token.NewJWTManager("testkit-secret", "screenforge-test"),
		Options:  opts,
	}
	env.Upload = service.NewUploadService(env.Sessions, env.Videos, staging, env.Sink, nil, opts)
	users := service.NewUserService(NewUserRepo())

	env.Router = handler.NewRouter(handler.Handlers{
		Upload: handler.NewUploadHandler(env.Upload, opts.MaxPayloadBytes, opts.MaxChunkBytes),
		Live:   handler.NewLiveHandler(env.Upload, opts.MaxChunkBytes),
		Video:  handler.NewVideoHandler(service.NewVideoService(env.Videos, nil)),
		Auth:   middleware.AuthMiddleware(env.JWT, users),
	})
	env.Server = httptest.NewServer(env.Router)
	t.Cleanup(env.Server.Close)
	return env
}

// Token 为 subject 签发一个一小时有效的 token。
func (e *Env) Token(t testing.TB, subject string) string {
	t.Helper()
	tok, err := e.JWT.GenerateToken(subject, subject+"@example.com", time.Hour)
	require.NoError(t, err)
	return tok
}

// VideoRepo 是内存实现的 repository.VideoRepository。
type VideoRepo struct {
	mu        sync.Mutex
	videos    map[string]model.Video
	CreateErr error
}

// NewVideoRepo 创建空的 VideoRepo。
func NewVideoRepo() *VideoRepo {
	return &VideoRepo{videos: make(map[string]model.Video)}
}

func (r *VideoRepo) Create(ctx context.Context, video *model.Video) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CreateErr != nil {
		return r.CreateErr
	}
	if video.CreatedAt.IsZero() {
		video.CreatedAt = time.Now()
	}
	r.videos[video.ID] = *video
	return nil
}

func (r *VideoRepo) FindByID(ctx context.Context, id string) (*model.Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.videos[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &v, nil
}

func (r *VideoRepo) FindByUserID(ctx context.Context, userID uint, offset, limit int) ([]model.Video, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := []model.Video{}
	for _, v := range r.videos {
		if v.UserID == userID {
			all = append(all, v)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	if offset >= len(all) {
		return []model.Video{}, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (r *VideoRepo) FindByIDs(ctx context.Context, ids []string) ([]model.Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Video
	for _, id := range ids {
		if v, ok := r.videos[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *VideoRepo) UpdateEnrichment(ctx context.Context, id string, duration *float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.videos[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if v.Duration == nil {
		v.Duration = duration
	}
	now := time.Now()
	v.EnrichedAt = &now
	r.videos[id] = v
	return nil
}

// Count 返回视频记录数。
func (r *VideoRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.videos)
}

// UserRepo 是内存实现的 repository.UserRepository。
type UserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User
}

// NewUserRepo 创建空的 UserRepo。
func NewUserRepo() *UserRepo {
	return &UserRepo{users: make(map[string]*model.User)}
}

func (r *UserRepo) EnsureBySubject(ctx context.Context, user *model.User) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[user.Subject]; ok {
		return u, nil
	}
	u := *user
	u.ID = uint(len(r.users) + 1)
	r.users[u.Subject] = &u
	return &u, nil
}

func (r *UserRepo) FindBySubject(ctx context.Context, subject string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[subject]; ok {
		return u, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *UserRepo) FindByID(ctx context.Context, userID uint) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.ID == userID {
			return u, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// Sink 是内存实现的 storage.Sink。PutErr 让整对象写入失败，AppendErr 让流式追加失败。
type Sink struct {
	mu        sync.Mutex
	objects   map[string][]byte
	PutErr    error
	AppendErr error
}

// Fail 设置故障注入，可在请求并发进行时调用。
func (s *Sink) Fail(put, appendErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PutErr = put
	s.AppendErr = appendErr
}

// NewSink 创建空的 Sink。
func NewSink() *Sink {
	return &Sink{objects: make(map[string][]byte)}
}

func (s *Sink) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*storage.StoredObject, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		return nil, s.PutErr
	}
	if size >= 0 && int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: declared %d, got %d", size, len(data))
	}
	s.objects[key] = data
	return &storage.StoredObject{Key: key, URL: "https://cdn.test/" + key, Size: int64(len(data))}, nil
}

func (s *Sink) OpenStream(ctx context.Context, key, contentType string) (storage.StreamWriter, error) {
	return &stream{sink: s, key: key}, nil
}

func (s *Sink) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// Object 返回 key 对应的对象内容。
func (s *Sink) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	return b, ok
}

// Count 返回对象数。
func (s *Sink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type stream struct {
	sink *Sink
	key  string
	buf  bytes.Buffer
}

func (w *stream) Append(p []byte) error {
	w.sink.mu.Lock()
	err := w.sink.AppendErr
	w.sink.mu.Unlock()
	if err != nil {
		return err
	}
	w.buf.Write(p)
	return nil
}

func (w *stream) Written() int64 { return int64(w.buf.Len()) }

func (w *stream) Commit() (*storage.StoredObject, error) {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	w.sink.objects[w.key] = append([]byte(nil), w.buf.Bytes()...)
	return &storage.StoredObject{Key: w.key, URL: "https://cdn.test/" + w.key, Size: int64(w.buf.Len())}, nil
}

func (w *stream) Abort() error { return nil }
