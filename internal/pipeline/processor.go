// Package pipeline 定义了视频上传完成后的异步富化流程。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/NureniJamiu/screenforge/internal/repository"
	"github.com/NureniJamiu/screenforge/pkg/es"
	"github.com/NureniJamiu/screenforge/pkg/log"
	"github.com/NureniJamiu/screenforge/pkg/tasks"
)

// Prober 探测媒体时长（秒）。
type Prober interface {
	Duration(ctx context.Context, url string) (float64, error)
}

// Indexer 把视频写入搜索索引。
type Indexer interface {
	IndexVideo(ctx context.Context, doc es.VideoDocument) error
}

// URLResolver 为对象生成可供探测工具读取的地址，例如私有桶的预签名 URL。
type URLResolver func(ctx context.Context, key string) (string, error)

// FFProbe 通过 ffprobe 命令行读取容器时长。
type FFProbe struct {
	Binary string
}

// Duration 执行 ffprobe -show_entries format=duration。
func (f FFProbe) Duration(ctx context.Context, url string) (float64, error) {
	bin := f.Binary
	if bin == "" {
		bin = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		url,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("failed to get video info: %w", err)
	}
	return parseDuration(string(output))
}

// parseDuration 解析 ffprobe 的输出；webm 录像常见 "N/A"，表示容器里没有时长。
func parseDuration(out string) (float64, error) {
	out = strings.TrimSpace(out)
	if out == "" || out == "N/A" {
		return 0, errNoDuration
	}
	d, err := strconv.ParseFloat(out, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected ffprobe output %q: %w", out, err)
	}
	if d <= 0 {
		return 0, errNoDuration
	}
	return d, nil
}

var errNoDuration = errors.New("media has no duration")

// Processor 封装了视频富化的所有依赖和逻辑。prober 和 indexer 都可以为 nil。
type Processor struct {
	videos  repository.VideoRepository
	prober  Prober
	indexer Indexer
	resolve URLResolver
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(videos repository.VideoRepository, prober Prober, indexer Indexer, resolve URLResolver) *Processor {
	return &Processor{videos: videos, prober: prober, indexer: indexer, resolve: resolve}
}

// Process 是富化的主函数：缺少时长时探测并回写，然后写入搜索索引。
// 返回错误会让消费者按失败计数重试，视频已被删除时直接视为完成。
func (p *Processor) Process(ctx context.Context, task tasks.VideoProcessingTask) error {
	log.Infof("[Processor] 开始处理视频, VideoID: %s, Key: %s, UserID: %d", task.VideoID, task.StorageKey, task.UserID)

	video, err := p.videos.FindByID(ctx, task.VideoID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Processor] 视频记录不存在，跳过, VideoID: %s", task.VideoID)
			return nil
		}
		return fmt.Errorf("读取视频记录失败: %w", err)
	}

	// 1. 探测时长
	if video.Duration == nil && p.prober != nil {
		url := task.VideoURL
		if p.resolve != nil {
			if resolved, rerr := p.resolve(ctx, task.StorageKey); rerr == nil {
				url = resolved
			} else {
				log.Warnf("[Processor] 生成探测地址失败，使用播放地址, VideoID: %s, error: %v", task.VideoID, rerr)
			}
		}
		d, perr := p.prober.Duration(ctx, url)
		switch {
		case perr == nil:
			video.Duration = &d
			log.Infof("[Processor] 步骤1: 时长探测成功, VideoID: %s, duration: %.2fs", task.VideoID, d)
		case errors.Is(perr, errNoDuration):
			log.Infof("[Processor] 步骤1: 容器没有时长信息, VideoID: %s", task.VideoID)
		default:
			return fmt.Errorf("时长探测失败: %w", perr)
		}
	}
	if err := p.videos.UpdateEnrichment(ctx, video.ID, video.Duration); err != nil {
		return fmt.Errorf("回写富化结果失败: %w", err)
	}

	// 2. 写入搜索索引
	if p.indexer != nil {
		doc := es.VideoDocument{
			VideoID:       video.ID,
			UserID:        video.UserID,
			Title:         video.Title,
			Description:   video.Description,
			OriginalName:  video.OriginalName,
			RecordingType: video.RecordingType,
			Duration:      video.Duration,
			CreatedAt:     video.CreatedAt,
		}
		if err := p.indexer.IndexVideo(ctx, doc); err != nil {
			return fmt.Errorf("写入搜索索引失败: %w", err)
		}
		log.Infof("[Processor] 步骤2: 索引写入成功, VideoID: %s", video.ID)
	}

	log.Infof("[Processor] 视频处理完成, VideoID: %s", task.VideoID)
	return nil
}

// LocalPublisher 在没有 Kafka 的部署中直接在后台执行富化任务，失败只记日志。
type LocalPublisher struct {
	Processor *Processor
}

// PublishVideoTask 立即返回，任务在独立的 goroutine 中执行。
func (l LocalPublisher) PublishVideoTask(ctx context.Context, task tasks.VideoProcessingTask) error {
	go func() {
		if err := l.Processor.Process(context.WithoutCancel(ctx), task); err != nil {
			log.Warnf("[Processor] 本地富化任务失败, VideoID: %s, error: %v", task.VideoID, err)
		}
	}()
	return nil
}
