package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/NureniJamiu/screenforge/internal/model"
	"github.com/NureniJamiu/screenforge/internal/repository"
	"github.com/NureniJamiu/screenforge/pkg/es"
	"github.com/NureniJamiu/screenforge/pkg/storage"
	"github.com/NureniJamiu/screenforge/pkg/tasks"
)

// memVideoRepo 是测试用的内存视频仓库。
type memVideoRepo struct {
	mu        sync.Mutex
	videos    map[string]model.Video
	createErr error
	creates   int
}

func newMemVideoRepo() *memVideoRepo {
	return &memVideoRepo{videos: make(map[string]model.Video)}
}

func (r *memVideoRepo) Create(ctx context.Context, video *model.Video) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.creates++
	r.videos[video.ID] = *video
	return nil
}

func (r *memVideoRepo) FindByID(ctx context.Context, id string) (*model.Video, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.videos[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &v, nil
}

func (r *memVideoRepo) FindByUserID(ctx context.Context, userID uint, offset, limit int) ([]model.Video, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []model.Video
	for _, v := range r.videos {
		if v.UserID == userID {
			all = append(all, v)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
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

func (r *memVideoRepo) FindByIDs(ctx context.Context, ids []string) ([]model.Video, error) {
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

func (r *memVideoRepo) UpdateEnrichment(ctx context.Context, id string, duration *float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.videos[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if v.Duration == nil && duration != nil {
		d := *duration
		v.Duration = &d
	}
	r.videos[id] = v
	return nil
}

func (r *memVideoRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.videos)
}

// memSink 是测试用的内存对象存储，可以注入故障。
type memSink struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleted   []string
	putErr    error
	appendErr error
	commitErr error
	aborted   int
	commits   int
	// beforePut 在 Put 读取数据之前调用，用来模拟合并期间的并发写入
	beforePut func()
}

func newMemSink() *memSink {
	return &memSink{objects: make(map[string][]byte)}
}

func (s *memSink) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*storage.StoredObject, error) {
	if s.beforePut != nil {
		s.beforePut()
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return nil, s.putErr
	}
	if size >= 0 && int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: declared %d, got %d", size, len(data))
	}
	s.objects[key] = data
	return &storage.StoredObject{Key: key, URL: "https://cdn.test/" + key, Size: int64(len(data))}, nil
}

func (s *memSink) OpenStream(ctx context.Context, key, contentType string) (storage.StreamWriter, error) {
	return &memStream{sink: s, key: key}, nil
}

func (s *memSink) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *memSink) object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	return b, ok
}

func (s *memSink) objectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

func (s *memSink) setAppendErr(err error) {
	s.mu.Lock()
	s.appendErr = err
	s.mu.Unlock()
}

type memStream struct {
	sink *memSink
	key  string
	buf  bytes.Buffer
}

func (w *memStream) Append(p []byte) error {
	w.sink.mu.Lock()
	err := w.sink.appendErr
	w.sink.mu.Unlock()
	if err != nil {
		return err
	}
	w.buf.Write(p)
	return nil
}

func (w *memStream) Written() int64 {
	return int64(w.buf.Len())
}

func (w *memStream) Commit() (*storage.StoredObject, error) {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	if w.sink.commitErr != nil {
		return nil, w.sink.commitErr
	}
	w.sink.commits++
	w.sink.objects[w.key] = append([]byte(nil), w.buf.Bytes()...)
	return &storage.StoredObject{Key: w.key, URL: "https://cdn.test/" + w.key, Size: int64(w.buf.Len())}, nil
}

func (w *memStream) Abort() error {
	w.sink.mu.Lock()
	defer w.sink.mu.Unlock()
	w.sink.aborted++
	return nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	tasks []tasks.VideoProcessingTask
	err   error
}

func (p *recordingPublisher) PublishVideoTask(ctx context.Context, task tasks.VideoProcessingTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *recordingPublisher) published() []tasks.VideoProcessingTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tasks.VideoProcessingTask(nil), p.tasks...)
}

type stubSearcher struct {
	hits []es.SearchHit
	err  error
}

func (s stubSearcher) Search(ctx context.Context, userID uint, query string, size int) ([]es.SearchHit, error) {
	return s.hits, s.err
}

var errBoom = errors.New("boom")

type fixture struct {
	svc      *uploadService
	sessions repository.SessionRepository
	videos   *memVideoRepo
	sink     *memSink
	staging  *storage.DiskStaging
	fs       afero.Fs
	pub      *recordingPublisher
}

func defaultTestOptions() UploadOptions {
	return UploadOptions{
		MaxPayloadBytes:   1 << 20,
		MaxChunkBytes:     64 << 10,
		MaxTotalChunks:    1000,
		SessionMaxAge:     24 * time.Hour,
		FinalizeLockTTL:   time.Minute,
		LiveReorderWindow: 4,
	}
}

func newFixture(t *testing.T, tweak ...func(*UploadOptions)) *fixture {
	t.Helper()
	opts := defaultTestOptions()
	for _, fn := range tweak {
		fn(&opts)
	}
	fs := afero.NewMemMapFs()
	staging, err := storage.NewDiskStaging(fs, "/staging")
	require.NoError(t, err)

	f := &fixture{
		sessions: repository.NewMemorySessionRepository(),
		videos:   newMemVideoRepo(),
		sink:     newMemSink(),
		staging:  staging,
		fs:       fs,
		pub:      &recordingPublisher{},
	}
	f.svc = NewUploadService(f.sessions, f.videos, f.staging, f.sink, f.pub, opts).(*uploadService)
	return f
}

func (f *fixture) stagedExists(t *testing.T, sessionID string, index int) bool {
	t.Helper()
	rc, err := f.staging.Open(context.Background(), sessionID, index)
	if errors.Is(err, storage.ErrStagedChunkMissing) {
		return false
	}
	require.NoError(t, err)
	_ = rc.Close()
	return true
}
