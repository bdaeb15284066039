// Package main 是应用程序的入口点。
package main

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/afero"

	"github.com/NureniJamiu/screenforge/internal/config"
	"github.com/NureniJamiu/screenforge/internal/handler"
	"github.com/NureniJamiu/screenforge/internal/middleware"
	"github.com/NureniJamiu/screenforge/internal/model"
	"github.com/NureniJamiu/screenforge/internal/pipeline"
	"github.com/NureniJamiu/screenforge/internal/repository"
	"github.com/NureniJamiu/screenforge/internal/service"
	"github.com/NureniJamiu/screenforge/pkg/chunk"
	"github.com/NureniJamiu/screenforge/pkg/database"
	"github.com/NureniJamiu/screenforge/pkg/es"
	"github.com/NureniJamiu/screenforge/pkg/kafka"
	"github.com/NureniJamiu/screenforge/pkg/log"
	"github.com/NureniJamiu/screenforge/pkg/storage"
	"github.com/NureniJamiu/screenforge/pkg/token"
)

func main() {
	// 1. 初始化配置
	configPath := os.Getenv("SCREENFORGE_CONFIG")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// 3. 初始化数据库、Redis 和对象存储
	var models []interface{}
	if cfg.Database.MySQL.AutoMigrate {
		models = append(models, &model.User{}, &model.Video{})
	}
	database.InitMySQL(cfg.Database.MySQL.DSN, models...)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)

	// 4. 初始化 Repository
	userRepo := repository.NewUserRepository(database.DB)
	videoRepo := repository.NewVideoRepository(database.DB)
	var sessionRepo repository.SessionRepository
	switch cfg.Upload.SessionBackend {
	case "redis":
		sessionRepo = repository.NewRedisSessionRepository(database.RDB)
	default:
		sessionRepo = repository.NewMemorySessionRepository()
	}
	log.Infof("上传会话存储: %s", cfg.Upload.SessionBackend)

	// 5. 暂存与存储
	var staging storage.Staging
	switch cfg.Upload.StagingBackend {
	case "minio":
		staging = storage.NewMinIOStaging(storage.MinioClient, cfg.MinIO.BucketName, "staging")
	default:
		disk, err := storage.NewDiskStaging(afero.NewOsFs(), cfg.Upload.StagingDir)
		if err != nil {
			log.Fatal("初始化本地暂存目录失败", err)
		}
		staging = disk
	}
	sink := storage.NewMinIOSink(storage.MinioClient, cfg.MinIO.BucketName, cfg.MinIO.PublicBaseURL)

	// 6. 搜索索引（可选）
	var indexer pipeline.Indexer
	var searcher service.VideoSearcher
	if cfg.Elasticsearch.Enabled {
		videoIndex, err := es.InitES(cfg.Elasticsearch)
		if err != nil {
			log.Errorf("es 初始化失败，搜索功能不可用: %v", err)
		} else {
			indexer, searcher = videoIndex, videoIndex
		}
	}

	// 7. 富化管道与任务投递
	resolve := func(ctx context.Context, key string) (string, error) {
		return storage.GetPresignedURL(ctx, cfg.MinIO.BucketName, key, 15*time.Minute)
	}
	processor := pipeline.NewProcessor(videoRepo, pipeline.FFProbe{}, indexer, resolve)
	var publisher service.TaskPublisher = pipeline.LocalPublisher{Processor: processor}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka)
		defer producer.Close()
		publisher = producer
		go kafka.StartConsumer(rootCtx, cfg.Kafka, processor, database.RDB)
	}

	// 8. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Issuer)
	userService := service.NewUserService(userRepo)
	uploadService := service.NewUploadService(sessionRepo, videoRepo, staging, sink, publisher, service.OptionsFromConfig(cfg.Upload))
	videoService := service.NewVideoService(videoRepo, searcher)

	// 9. 后台任务：过期清理与初始导入
	go service.RunSweeper(rootCtx, uploadService, cfg.Upload.SweepInterval)
	go initSeedFiles(rootCtx, cfg.Seed, cfg.Upload.ChunkSizeBytes, userRepo, uploadService, database.RDB)

	// 10. 路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.Handlers{
		Upload: handler.NewUploadHandler(uploadService, cfg.Upload.MaxPayloadBytes, cfg.Upload.MaxChunkBytes),
		Live:   handler.NewLiveHandler(uploadService, cfg.Upload.MaxChunkBytes),
		Video:  handler.NewVideoHandler(videoService),
		Auth:   middleware.AuthMiddleware(jwtManager, userService),
		Extra:  []gin.HandlerFunc{middleware.RequestLogger()},
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 上传请求可能很长，给在途请求留出时间
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	// 停止消费者、清理任务和初始导入
	cancelRoot()
	log.Info("服务已优雅关闭")
}

// initSeedFiles 扫描目录下的录像并通过标准分片流程导入。
// 以文件 MD5 为键在 Redis 中记录已导入的文件，重启后不会重复导入。
func initSeedFiles(ctx context.Context, seed config.SeedConfig, chunkSize int64, userRepo repository.UserRepository, uploadSvc service.UploadService, rdb *redis.Client) {
	info, err := os.Stat(seed.Dir)
	if err != nil || !info.IsDir() {
		log.Infof("initSeedFiles: 目录 '%s' 不存在或不可用，跳过初始化导入", seed.Dir)
		return
	}

	owner, err := userRepo.EnsureBySubject(ctx, &model.User{Subject: seed.OwnerSubject})
	if err != nil {
		log.Warnf("initSeedFiles: 无法创建导入用户 '%s', err=%v", seed.OwnerSubject, err)
		return
	}

	walkErr := filepath.Walk(seed.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := importSeedFile(ctx, path, info, owner.ID, chunkSize, uploadSvc, rdb); err != nil {
			log.Warnf("initSeedFiles: 导入失败: %s, err=%v", path, err)
		}
		return nil
	})
	if walkErr != nil {
		log.Warnf("initSeedFiles: 遍历目录发生错误: %v", walkErr)
	}
}

func importSeedFile(ctx context.Context, path string, info os.FileInfo, ownerID uint, chunkSize int64, uploadSvc service.UploadService, rdb *redis.Client) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	fileMD5 := fmt.Sprintf("%x", h.Sum(nil))
	marker := "seed:imported:" + fileMD5

	// 幂等检查：已导入则跳过
	if n, err := rdb.Exists(ctx, marker).Result(); err == nil && n > 0 {
		log.Infof("initSeedFiles: 已存在，跳过: %s (md5=%s)", info.Name(), fileMD5)
		return nil
	}

	ranges := chunk.Ranges(info.Size(), chunkSize)
	if len(ranges) == 0 {
		log.Infof("initSeedFiles: 空文件跳过: %s", path)
		return nil
	}

	metadata := model.UploadMetadata{
		Title:    info.Name(),
		FileName: info.Name(),
		MimeType: seedMimeType(path),
	}
	// 会话 ID 由内容决定，上次中断留下的同名会话先清掉
	sessionID := "seed-" + fileMD5
	_ = uploadSvc.Cleanup(ctx, sessionID, ownerID)
	if _, err := uploadSvc.Init(ctx, ownerID, sessionID, metadata, len(ranges)); err != nil {
		return err
	}
	for _, r := range ranges {
		section := io.NewSectionReader(f, r.Offset, r.Length)
		if _, err := uploadSvc.UploadChunk(ctx, sessionID, ownerID, r.Index, section, r.Length); err != nil {
			_ = uploadSvc.Cleanup(context.WithoutCancel(ctx), sessionID, ownerID)
			return fmt.Errorf("chunk %d: %w", r.Index, err)
		}
	}
	video, err := uploadSvc.Finalize(ctx, sessionID, ownerID)
	if err != nil {
		_ = uploadSvc.Cleanup(context.WithoutCancel(ctx), sessionID, ownerID)
		return err
	}
	if err := rdb.Set(ctx, marker, video.ID, 0).Err(); err != nil {
		log.Warnf("initSeedFiles: 记录导入标记失败: %s, err=%v", marker, err)
	}
	log.Infof("initSeedFiles: 导入完成: %s, videoID: %s", info.Name(), video.ID)
	return nil
}

func seedMimeType(path string) string {
	switch filepath.Ext(path) {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	default:
		return "video/webm"
	}
}
