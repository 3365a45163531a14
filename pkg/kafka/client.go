// Package kafka 提供了基于 Kafka 的任务队列实现。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	"abroad-docs-go/internal/config"
	"abroad-docs-go/pkg/log"
	"abroad-docs-go/pkg/tasks"
)

// Queue 用 Kafka 主题投递文档处理任务。消息按 trackingId 分区。
type Queue struct {
	cfg    config.KafkaConfig
	writer *kafka.Writer
}

var _ tasks.Queue = (*Queue)(nil)

// NewQueue 初始化 Kafka 生产者。消费者在 Start 时创建。
func NewQueue(cfg config.KafkaConfig) *Queue {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers(cfg)...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
	log.Info("[Kafka] 生产者初始化成功")
	return &Queue{cfg: cfg, writer: writer}
}

func brokers(cfg config.KafkaConfig) []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Enqueue 发送一个文档处理任务。
func (q *Queue) Enqueue(ctx context.Context, task tasks.DocumentProcessingTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.TrackingID),
		Value: taskBytes,
	}); err != nil {
		return fmt.Errorf("投递 Kafka 消息失败: %w", err)
	}
	return nil
}

// Start 启动消费者循环并阻塞。每条消息只处理一次：无论成功与否都提交 offset，
// 失败已由处理器记录到文档与任务台账上。
func (q *Queue) Start(ctx context.Context, h tasks.Handler) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(q.cfg),
		Topic:    q.cfg.Topic,
		GroupID:  q.cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("[Kafka] 关闭消费者失败: %v", err)
		}
	}()

	log.Infof("[Kafka] 消费者已启动，正在监听主题 '%s'", q.cfg.Topic)
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Error("[Kafka] 从 Kafka 读取消息失败", err)
			return err
		}

		var task tasks.DocumentProcessingTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("[Kafka] 无法解析消息: %v, value: %s", err, string(m.Value))
		} else {
			log.Infof("[Kafka] 开始处理任务: offset=%d, trackingId=%s", m.Offset, task.TrackingID)
			if err := h.Process(ctx, task); err != nil {
				log.Errorf("[Kafka] 处理任务失败: trackingId=%s, err=%v", task.TrackingID, err)
			}
		}

		if err := r.CommitMessages(context.Background(), m); err != nil {
			log.Errorf("[Kafka] 提交 offset 失败: %v", err)
		}
	}
}

// Close 关闭生产者。
func (q *Queue) Close() error {
	return q.writer.Close()
}
