package idgen

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/xerrors"
)

const (
	// maxClockBackwards 最大容忍的时钟回拨时间
	maxClockBackwards = time.Second
	// smallClockBackwards 微小回拨阈值，在此范围内尝试复用 lastTime
	smallClockBackwards = 5 * time.Millisecond

	sequenceMask = 0xFFF
)

// Snowflake 雪花算法生成器
//
// 位结构为 41bit 毫秒时间戳 + 10bit 节点 + 12bit 序列号，
// 同一生成器产生的 ID 严格递增，用作传输层的 requestId。
type Snowflake struct {
	mu       sync.Mutex
	workerID int64
	dcID     int64
	sequence int64
	lastTime int64
	clock    clockwork.Clock
	logger   clog.Logger
}

// NewSnowflake 创建 Snowflake 生成器
//
// 不使用数据中心时 workerID 取值 [0, 1023]，使用 WithDatacenterID 时
// workerID 与数据中心 ID 各占 5 bit。
func NewSnowflake(workerID int64, opts ...Option) (*Snowflake, error) {
	o := applyOptions(opts)

	if o.datacenterID < 0 || o.datacenterID > 31 {
		return nil, xerrors.WithCode(ErrInvalidInput, "datacenter_id_out_of_range")
	}
	if o.datacenterID > 0 && workerID > 31 {
		return nil, xerrors.WithCode(ErrInvalidInput, "worker_id_overflow_with_dc")
	}
	if workerID < 0 || workerID > 1023 {
		return nil, xerrors.WithCode(ErrInvalidInput, "worker_id_out_of_range")
	}

	o.logger.Debug("snowflake generator created",
		clog.Int64("worker_id", workerID),
		clog.Int64("datacenter_id", o.datacenterID),
	)

	return &Snowflake{
		workerID: workerID,
		dcID:     o.datacenterID,
		clock:    o.clock,
		logger:   o.logger,
	}, nil
}

// MustSnowflake 同 NewSnowflake，参数非法时 panic
func MustSnowflake(workerID int64, opts ...Option) *Snowflake {
	return xerrors.Must(NewSnowflake(workerID, opts...))
}

// WorkerID 返回节点 ID
func (s *Snowflake) WorkerID() int64 {
	return s.workerID
}

// NextID 生成下一个 ID，时钟回拨超过 1s 时返回 ErrClockBackwards
func (s *Snowflake) NextID() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UnixMilli()

	if now < s.lastTime {
		drift := time.Duration(s.lastTime-now) * time.Millisecond

		switch {
		case drift <= smallClockBackwards && s.sequence < sequenceMask:
			now = s.lastTime
		case drift <= maxClockBackwards:
			s.clock.Sleep(drift + time.Millisecond)
			now = s.clock.Now().UnixMilli()
		default:
			s.logger.Error("clock moved backwards",
				clog.Duration("drift", drift),
				clog.Int64("worker_id", s.workerID),
			)
			return 0, xerrors.Wrapf(ErrClockBackwards, "drift: %v (max: %v)", drift, maxClockBackwards)
		}
	}

	if now == s.lastTime {
		s.sequence = (s.sequence + 1) & sequenceMask
		if s.sequence == 0 {
			// 序列号溢出，等待下一毫秒
			for now <= s.lastTime {
				s.clock.Sleep(time.Millisecond)
				now = s.clock.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}

	s.lastTime = now
	return (now << 22) | (s.dcID << 17) | (s.workerID << 12) | s.sequence, nil
}

// Next 生成下一个 ID，出错时返回 -1
func (s *Snowflake) Next() int64 {
	id, err := s.NextID()
	if err != nil {
		return -1
	}
	return id
}
