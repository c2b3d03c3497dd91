package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/metrics"
	"github.com/ceyewan/yurpc/model"
)

type sample struct {
	meta    *model.ServiceMetaInfo
	elapsed time.Duration
	success bool
}

// recorder 在后台把调用指标写入注册中心，队列满时丢弃，不影响调用返回
type recorder struct {
	reg     Registry
	timeout time.Duration
	logger  clog.Logger
	dropped metrics.Counter

	samples chan sample
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func newRecorder(reg Registry, queue int, timeout time.Duration, logger clog.Logger, dropped metrics.Counter) *recorder {
	r := &recorder{
		reg:     reg,
		timeout: timeout,
		logger:  logger,
		dropped: dropped,
		samples: make(chan sample, queue),
		stop:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *recorder) record(meta *model.ServiceMetaInfo, elapsed time.Duration, success bool) {
	select {
	case <-r.stop:
		return
	default:
	}
	select {
	case r.samples <- sample{meta: meta, elapsed: elapsed, success: success}:
	default:
		r.dropped.Inc(context.Background())
		r.logger.Debug("metrics queue full, sample dropped", clog.String("instance", meta.NodeKey()))
	}
}

func (r *recorder) loop() {
	defer r.wg.Done()
	for {
		select {
		case s := <-r.samples:
			r.write(s)
		case <-r.stop:
			// 关闭前写完已入队的样本
			for {
				select {
				case s := <-r.samples:
					r.write(s)
				default:
					return
				}
			}
		}
	}
}

func (r *recorder) write(s sample) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.reg.RecordCall(ctx, s.meta, s.elapsed, s.success); err != nil {
		r.logger.Debug("failed to record call metrics",
			clog.String("instance", s.meta.NodeKey()),
			clog.Error(err),
		)
	}
}

func (r *recorder) close() {
	r.once.Do(func() {
		close(r.stop)
		r.wg.Wait()
	})
}
