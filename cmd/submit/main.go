package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/radicalkjax/Athena-sub009/internal/config"
	"github.com/radicalkjax/Athena-sub009/internal/queue"
)

// 把样本文件作为分析任务投递到 RabbitMQ，供批量回归或人工投样使用。
// 用法: submit -config ./configs/config.yaml -sandbox sample1.js sample2.bin
func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	runSandbox := flag.Bool("sandbox", false, "请求沙箱动态执行")
	source := flag.String("source", "cli", "上报方标识")
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: submit [-config path] [-sandbox] [-source name] <file>...")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	mq, err := queue.NewRabbitMQ(&queue.Config{
		Host:     cfg.RabbitMQ.Host,
		Port:     cfg.RabbitMQ.Port,
		User:     cfg.RabbitMQ.User,
		Password: cfg.RabbitMQ.Password,
		VHost:    cfg.RabbitMQ.VHost,
	}, cfg.RabbitMQ.Queue, 1, logger)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer mq.Close()

	producer := queue.NewProducer(mq, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	published := 0
	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			logger.WithError(err).WithField("file", path).Error("Failed to read sample")
			continue
		}

		msg := &queue.JobMessage{
			JobID:         uuid.New().String(),
			Source:        *source,
			ContentBase64: base64.StdEncoding.EncodeToString(content),
			RunSandbox:    *runSandbox,
			ExtractIOCs:   true,
		}
		if err := producer.PublishJob(ctx, msg); err != nil {
			logger.WithError(err).WithField("file", path).Error("Failed to publish job")
			continue
		}

		fmt.Printf("published %s (%d bytes) as job %s\n", filepath.Base(path), len(content), msg.JobID)
		published++
	}

	pending, err := producer.GetQueueSize()
	if err == nil {
		fmt.Printf("done: %d/%d published, %d jobs pending in queue\n", published, len(files), pending)
	} else {
		fmt.Printf("done: %d/%d published\n", published, len(files))
	}
}
