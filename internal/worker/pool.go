package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/radicalkjax/Athena-sub009/internal/analysis"
)

// Pool 分析 Worker 池：队列与接口层投递的样本在这里排队，
// 由固定数量的 worker 走完整分析流水线。
type Pool struct {
	workers  int
	taskChan chan *Task
	engine   *analysis.Engine
	logger   *logrus.Logger
	wg       sync.WaitGroup

	mu      sync.Mutex
	results map[string]*analysis.Report
}

// Task 待分析任务
type Task struct {
	ID       string
	Content  []byte
	Options  analysis.Options
	resultCh chan error // 用于同步等待任务完成
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, engine *analysis.Engine, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		workers:  workers,
		taskChan: make(chan *Task, queueSize),
		engine:   engine,
		logger:   logger,
		results:  make(map[string]*analysis.Report),
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithField("worker_id", id).Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case task, ok := <-p.taskChan:
			if !ok {
				p.logger.WithField("worker_id", id).Info("Task channel closed, worker exiting")
				return
			}

			p.logger.WithFields(logrus.Fields{
				"worker_id": id,
				"task_id":   task.ID,
				"size":      len(task.Content),
			}).Info("Processing analysis task")

			report, err := p.engine.Analyze(ctx, task.Content, task.Options)
			if err != nil {
				p.logger.WithError(err).WithFields(logrus.Fields{
					"worker_id": id,
					"task_id":   task.ID,
				}).Error("Analysis task failed")
			} else {
				p.mu.Lock()
				p.results[task.ID] = report
				p.mu.Unlock()

				p.logger.WithFields(logrus.Fields{
					"worker_id":    id,
					"task_id":      task.ID,
					"threat_score": report.ThreatScore,
				}).Info("Analysis task completed")
			}

			if task.resultCh != nil {
				task.resultCh <- err
				close(task.resultCh)
			}
		}
	}
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(task *Task) error {
	select {
	case p.taskChan <- task:
		p.logger.WithField("task_id", task.ID).Debug("Task submitted to pool")
		return nil
	default:
		return fmt.Errorf("task queue is full")
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, task *Task) error {
	task.resultCh = make(chan error, 1)

	select {
	case p.taskChan <- task:
		p.logger.WithField("task_id", task.ID).Debug("Task submitted to pool (sync)")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-task.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result 取出并移除已完成任务的报告；不存在返回 nil。
// 报告含每层解码的完整输入输出副本，消费后立即释放，
// 长期运行不会随任务数累积。
func (p *Pool) Result(taskID string) *analysis.Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	report := p.results[taskID]
	delete(p.results, taskID)
	return report
}

// Stop 停止 Worker 池
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool")
	close(p.taskChan)
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.taskChan)
}

// Size Worker 数量
func (p *Pool) Size() int {
	return p.workers
}
