// 命令行上传工具：整文件、分片和模拟录制的实时上传。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/NureniJamiu/screenforge/internal/model"
	"github.com/NureniJamiu/screenforge/pkg/log"
	"github.com/NureniJamiu/screenforge/pkg/uploader"
)

type options struct {
	server        string
	token         string
	title         string
	description   string
	recordingType string
	chunkSize     int64
	parallel      int
	retries       int
	interval      time.Duration
}

func main() {
	if err := root().Execute(); err != nil {
		os.Exit(1)
	}
}

func root() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "uploader",
		Short:         "upload screen recordings to screenforge",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Init("info", "console", "")
		},
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("SCREENFORGE_SERVER", "http://localhost:8080/api/v1"), "API base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("SCREENFORGE_TOKEN"), "bearer token")
	flags.StringVar(&opts.title, "title", "", "video title")
	flags.StringVar(&opts.description, "description", "", "video description")
	flags.StringVar(&opts.recordingType, "type", "", "recording type: DESKTOP, TAB or WINDOW")
	flags.Int64Var(&opts.chunkSize, "chunk-size", 5<<20, "chunk size in bytes")
	flags.IntVar(&opts.parallel, "parallel", 3, "chunks in flight")
	flags.IntVar(&opts.retries, "retries", 2, "retries per chunk")

	rootCmd.AddCommand(wholeCmd(opts), chunkedCmd(opts), liveCmd(opts))
	return rootCmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (o *options) client(extra ...uploader.Option) *uploader.Client {
	opts := append([]uploader.Option{
		uploader.WithChunkSize(o.chunkSize),
		uploader.WithParallelism(o.parallel),
		uploader.WithRetries(o.retries, time.Second),
	}, extra...)
	return uploader.New(o.server, o.token, opts...)
}

func (o *options) metadata(path string) model.UploadMetadata {
	return model.UploadMetadata{
		Title:         o.title,
		Description:   o.description,
		RecordingType: o.recordingType,
		FileName:      filepath.Base(path),
		MimeType:      mimeFor(path),
	}
}

func mimeFor(path string) string {
	switch filepath.Ext(path) {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".mkv":
		return "video/x-matroska"
	default:
		return "video/webm"
	}
}

// withInterrupt 在收到 SIGINT/SIGTERM 时取消客户端的所有上传。
func withInterrupt(c *uploader.Client) (context.Context, func()) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		c.Cancel()
	}()
	return ctx, stop
}

func printProgress(done, total int64) {
	if total > 0 {
		fmt.Fprintf(os.Stderr, "\r%6.1f%%  %d/%d bytes", float64(done)*100/float64(total), done, total)
	}
}

func report(video *model.Video, err error) error {
	fmt.Fprintln(os.Stderr)
	if errors.Is(err, uploader.ErrCancelled) {
		fmt.Fprintln(os.Stderr, "upload cancelled")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%d bytes\n", video.ID, video.VideoURL, video.Size)
	if len(video.SequenceGaps) > 0 {
		fmt.Fprintf(os.Stderr, "warning: chunks %v never arrived\n", video.SequenceGaps)
	}
	return nil
}

func openFile(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func wholeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "whole <file>",
		Short: "upload a file in a single request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, size, err := openFile(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			c := opts.client()
			ctx, stop := withInterrupt(c)
			defer stop()
			return report(c.UploadWhole(ctx, f, size, opts.metadata(args[0]), printProgress))
		},
	}
}

func chunkedCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chunked <file>",
		Short: "upload a file as resumable chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, size, err := openFile(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			c := opts.client()
			ctx, stop := withInterrupt(c)
			defer stop()
			return report(c.UploadChunked(ctx, f, size, opts.metadata(args[0]), printProgress))
		},
	}
}

// liveCmd 把文件按录制节奏逐片推送，流失败时回退为整文件上传。
func liveCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "live <file>",
		Short: "stream a file as if it were being recorded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, size, err := openFile(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			c := opts.client(uploader.WithRetainLiveChunks(true))
			ctx, stop := withInterrupt(c)
			defer stop()

			live, err := c.StartLive(ctx, opts.metadata(args[0]))
			if err != nil {
				return err
			}
			buf := make([]byte, opts.chunkSize)
			var sent int64
			for index := 0; ; index++ {
				n, rerr := io.ReadFull(f, buf)
				if n > 0 {
					if err := live.Push(ctx, index, buf[:n]); err != nil {
						if errors.Is(err, uploader.ErrCancelled) {
							live.Abort(ctx)
							return report(nil, err)
						}
						log.Warnf("实时上传失败，回退为整文件上传: %v", err)
						return report(live.FallbackWhole(ctx, printProgress))
					}
					sent += int64(n)
					printProgress(sent, size)
				}
				if rerr != nil {
					if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
						break
					}
					live.Abort(ctx)
					return rerr
				}
				select {
				case <-ctx.Done():
					live.Abort(ctx)
					return report(nil, uploader.ErrCancelled)
				case <-time.After(opts.interval):
				}
			}
			return report(live.Finalize(ctx))
		},
	}
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Second, "delay between chunks")
	return cmd
}
