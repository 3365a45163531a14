package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"abroad-docs-go/internal/service"
	"abroad-docs-go/pkg/apperr"
	"abroad-docs-go/pkg/log"
	"abroad-docs-go/pkg/tasks"
)

type ingestOptions struct {
	owner string
	tags  []string
}

func newIngestCmd() *cobra.Command {
	var opts ingestOptions
	cmd := &cobra.Command{
		Use:   "ingest <dir>",
		Short: "Import every file under a directory for one owner through the standard upload path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.owner) == "" {
				return fmt.Errorf("--owner is required")
			}
			return runIngest(cmd.Context(), args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.owner, "owner", "", "owner ID the documents belong to")
	cmd.Flags().StringSliceVar(&opts.tags, "tag", nil, "tag to attach to every imported document (repeatable)")
	return cmd
}

type ingestStats struct {
	imported, duplicates, skipped, failed int
}

func runIngest(ctx context.Context, dir string, opts ingestOptions) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	// 进程内队列需要在本进程内消费，Kafka 队列交给 serve 进程处理
	memQueue, inProcess := a.queue.(*tasks.MemoryQueue)
	var waitConsumer func()
	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	defer cancelConsumer()
	if inProcess {
		waitConsumer = a.startConsumer(consumerCtx)
	}

	stats := ingestDir(ctx, a.uploads, dir, opts)

	if inProcess {
		log.Info("[Ingest] 等待后台处理完成...")
		memQueue.Wait()
		cancelConsumer()
		waitConsumer()
	}
	log.Infof("[Ingest] 导入完成, 新增: %d, 已存在: %d, 跳过: %d, 失败: %d",
		stats.imported, stats.duplicates, stats.skipped, stats.failed)
	if stats.failed > 0 {
		return fmt.Errorf("%d files failed to import", stats.failed)
	}
	return nil
}

// ingestDir 遍历目录并逐个上传。重复文件由内容哈希去重，可重复执行。
func ingestDir(ctx context.Context, uploads service.UploadService, dir string, opts ingestOptions) ingestStats {
	var stats ingestStats
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warnf("[Ingest] 访问路径失败: %s, err=%v", path, err)
			return nil
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		data, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("[Ingest] 读取文件失败: %s, err=%v", path, err)
			stats.failed++
			return nil
		}
		res, err := uploads.Upload(ctx, service.UploadRequest{
			OwnerID:  opts.owner,
			FileName: d.Name(),
			Data:     data,
			Tags:     opts.tags,
		})
		switch {
		case err != nil && apperr.IsKind(err, apperr.KindValidation):
			log.Warnf("[Ingest] 跳过文件: %s, 原因: %v", path, err)
			stats.skipped++
		case err != nil:
			log.Errorf("[Ingest] 导入失败: %s, err=%v", path, err)
			stats.failed++
		case res.Duplicate:
			log.Infof("[Ingest] 已存在，跳过: %s (trackingId=%s)", path, res.Document.TrackingID)
			stats.duplicates++
		default:
			log.Infof("[Ingest] 已提交处理: %s (trackingId=%s)", path, res.Document.TrackingID)
			stats.imported++
		}
		return nil
	})
	if walkErr != nil {
		log.Warnf("[Ingest] 遍历目录发生错误: %v", walkErr)
	}
	return stats
}
