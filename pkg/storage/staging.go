package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/spf13/afero"

	"github.com/NureniJamiu/screenforge/pkg/log"
)

// ErrStagedChunkMissing 表示暂存区里找不到请求的分片。
var ErrStagedChunkMissing = errors.New("staged chunk missing")

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidSessionID 判断 sessionId 能否安全地用作暂存路径的一部分。
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Staging 是 Finalize 之前分片字节的暂存区，以 (sessionId, chunkIndex) 寻址。
// 本地磁盘和对象存储前缀两种部署形态共用同一个协调器逻辑。
type Staging interface {
	// Put 写入分片，同一地址重复写入是覆盖而不是追加。
	Put(ctx context.Context, sessionID string, index int, r io.Reader, size int64) (int64, error)
	Open(ctx context.Context, sessionID string, index int) (io.ReadCloser, error)
	// Delete 删除分片，分片不存在时不是错误。
	Delete(ctx context.Context, sessionID string, index int) error
	// PurgeOlderThan 删除修改时间早于 age 的孤儿分片，返回删除数量。
	PurgeOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// DiskStaging 把分片写到本地目录 {root}/{sessionId}/{index}.part。
type DiskStaging struct {
	fs   afero.Fs
	root string
}

// NewDiskStaging 创建基于 afero 文件系统的暂存区，生产环境传 afero.NewOsFs()。
func NewDiskStaging(fs afero.Fs, root string) (*DiskStaging, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("创建暂存目录 %s 失败: %w", root, err)
	}
	return &DiskStaging{fs: fs, root: root}, nil
}

func (d *DiskStaging) chunkPath(sessionID string, index int) (string, error) {
	if !ValidSessionID(sessionID) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	if index < 0 {
		return "", fmt.Errorf("invalid chunk index %d", index)
	}
	return filepath.Join(d.root, sessionID, strconv.Itoa(index)+".part"), nil
}

// Put 先写临时文件再 rename，读方永远看不到写了一半的分片。
func (d *DiskStaging) Put(ctx context.Context, sessionID string, index int, r io.Reader, size int64) (int64, error) {
	target, err := d.chunkPath(sessionID, index)
	if err != nil {
		return 0, err
	}
	if err := d.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}

	tmp := target + ".tmp-" + uuid.NewString()
	f, err := d.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = d.fs.Remove(tmp)
		if copyErr != nil {
			return n, copyErr
		}
		return n, closeErr
	}
	if err := d.fs.Rename(tmp, target); err != nil {
		_ = d.fs.Remove(tmp)
		return n, err
	}
	return n, nil
}

func (d *DiskStaging) Open(ctx context.Context, sessionID string, index int) (io.ReadCloser, error) {
	p, err := d.chunkPath(sessionID, index)
	if err != nil {
		return nil, err
	}
	f, err := d.fs.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%d", ErrStagedChunkMissing, sessionID, index)
		}
		return nil, err
	}
	return f, nil
}

func (d *DiskStaging) Delete(ctx context.Context, sessionID string, index int) error {
	p, err := d.chunkPath(sessionID, index)
	if err != nil {
		return err
	}
	if err := d.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PurgeOlderThan 清理过期分片和残留的临时文件；会话目录清空后一并删除。
func (d *DiskStaging) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)
	sessions, err := afero.ReadDir(d.fs, d.root)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, dir := range sessions {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		if !dir.IsDir() {
			continue
		}
		dirPath := filepath.Join(d.root, dir.Name())
		files, err := afero.ReadDir(d.fs, dirPath)
		if err != nil {
			log.Warnf("[Staging] 读取暂存目录失败, dir: %s, error: %v", dirPath, err)
			continue
		}
		remaining := len(files)
		for _, f := range files {
			if f.ModTime().After(cutoff) {
				continue
			}
			if err := d.fs.Remove(filepath.Join(dirPath, f.Name())); err != nil && !os.IsNotExist(err) {
				log.Warnf("[Staging] 删除过期分片失败, file: %s, error: %v", f.Name(), err)
				continue
			}
			remaining--
			purged++
		}
		if remaining == 0 && !dir.ModTime().After(cutoff) {
			_ = d.fs.RemoveAll(dirPath)
		}
	}
	return purged, nil
}

// MinIOStaging 把分片暂存在对象存储的短期前缀下，用于没有持久本地盘的部署。
type MinIOStaging struct {
	client     *minio.Client
	bucketName string
	prefix     string
}

// NewMinIOStaging 创建对象存储暂存区，prefix 为空时使用 "staging"。
func NewMinIOStaging(client *minio.Client, bucketName, prefix string) *MinIOStaging {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "staging"
	}
	return &MinIOStaging{client: client, bucketName: bucketName, prefix: prefix}
}

func (m *MinIOStaging) objectName(sessionID string, index int) (string, error) {
	if !ValidSessionID(sessionID) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return path.Join(m.prefix, sessionID, strconv.Itoa(index)), nil
}

func (m *MinIOStaging) Put(ctx context.Context, sessionID string, index int, r io.Reader, size int64) (int64, error) {
	name, err := m.objectName(sessionID, index)
	if err != nil {
		return 0, err
	}
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if size < 0 {
		opts.PartSize = livePartSize
	}
	info, err := m.client.PutObject(ctx, m.bucketName, name, r, size, opts)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (m *MinIOStaging) Open(ctx context.Context, sessionID string, index int) (io.ReadCloser, error) {
	name, err := m.objectName(sessionID, index)
	if err != nil {
		return nil, err
	}
	// GetObject 是惰性的，先 Stat 以便把不存在映射为 ErrStagedChunkMissing
	if _, err := m.client.StatObject(ctx, m.bucketName, name, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s/%d", ErrStagedChunkMissing, sessionID, index)
		}
		return nil, err
	}
	return m.client.GetObject(ctx, m.bucketName, name, minio.GetObjectOptions{})
}

func (m *MinIOStaging) Delete(ctx context.Context, sessionID string, index int) error {
	name, err := m.objectName(sessionID, index)
	if err != nil {
		return err
	}
	return m.client.RemoveObject(ctx, m.bucketName, name, minio.RemoveObjectOptions{})
}

func (m *MinIOStaging) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)
	purged := 0
	for obj := range m.client.ListObjects(ctx, m.bucketName, minio.ListObjectsOptions{Prefix: m.prefix + "/", Recursive: true}) {
		if obj.Err != nil {
			return purged, obj.Err
		}
		if obj.LastModified.After(cutoff) {
			continue
		}
		if err := m.client.RemoveObject(ctx, m.bucketName, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			log.Warnf("[Staging] 删除过期暂存对象失败, key: %s, error: %v", obj.Key, err)
			continue
		}
		purged++
	}
	return purged, nil
}
