package service

import (
	"context"
	"time"

	"github.com/NureniJamiu/screenforge/internal/model"
	"github.com/NureniJamiu/screenforge/pkg/log"
)

// SweepReport 汇总一次过期清理的结果。
type SweepReport struct {
	Sessions     int `json:"sessions"`
	StagedChunks int `json:"stagedChunks"`
	LiveStreams  int `json:"liveStreams"`
	Orphans      int `json:"orphans"`
}

// SweepExpired 回收超过 SessionMaxAge 的会话及其暂存数据。它只删除，从不创建或修改会话，
// 与进行中的上传之间的竞争只会落到幂等删除上。
func (s *uploadService) SweepExpired(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	maxAge := s.opts.SessionMaxAge

	expired, err := s.sessions.SweepExpired(ctx, maxAge)
	if err != nil {
		return report, err
	}
	for _, session := range expired {
		report.Sessions++
		if session.Kind == model.SessionKindLive {
			continue
		}
		for _, index := range session.ReceivedIndices() {
			s.dropStaged(ctx, session.ID, index)
			report.StagedChunks++
		}
	}

	// 会话可能已被其他实例清理，按本地开始时间回收残留的实时流
	for _, st := range s.expiredLive(s.now().Add(-maxAge)) {
		s.closeLive(st)
		report.LiveStreams++
	}

	// 进程重启后内存会话丢失，暂存区里没有会话引用的文件只能按修改时间回收
	orphans, err := s.staging.PurgeOlderThan(ctx, maxAge)
	if err != nil {
		log.Warnf("[Sweep] 清理孤儿暂存文件失败, error: %v", err)
	}
	report.Orphans = orphans

	log.Infof("[Sweep] 过期清理完成, sessions: %d, stagedChunks: %d, liveStreams: %d, orphans: %d",
		report.Sessions, report.StagedChunks, report.LiveStreams, report.Orphans)
	return report, nil
}

// RunSweeper 按固定间隔执行过期清理，直到 ctx 取消。
func RunSweeper(ctx context.Context, svc UploadService, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	log.Infof("[Sweep] 过期清理任务已启动, interval: %v", every)
	for {
		select {
		case <-ticker.C:
			if _, err := svc.SweepExpired(ctx); err != nil {
				log.Errorf("[Sweep] 过期清理失败: %v", err)
			}
		case <-ctx.Done():
			log.Info("[Sweep] 过期清理任务已停止")
			return
		}
	}
}
