package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ceyewan/yurpc/clog"
)

const (
	memoryWatchBuffer = 64
	memoryHistorySize = 1024
)

type memoryEntry struct {
	value []byte
	lease LeaseID
}

type memoryLease struct {
	ttl      time.Duration
	expireAt time.Time
	keys     map[string]struct{}
}

type memoryWatcher struct {
	ch chan Event
}

type memoryRecord struct {
	rev int64
	ev  Event
}

// memoryStore 进程内存储
//
// 租约过期在每次操作前惰性检查，另有后台协程按 sweepInterval 扫描，
// 保证没有任何读写时 Watch 也能收到过期产生的 DELETE。
// 每次变更使 revision 加一，最近 memoryHistorySize 条变更保留在 history 中供 Watch 回放。
type memoryStore struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	logger    clog.Logger
	data      map[string]*memoryEntry
	leases    map[LeaseID]*memoryLease
	nextLease LeaseID
	watchers  map[string]map[*memoryWatcher]struct{}
	rev       int64
	history   []memoryRecord
	closed    bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMemory 创建进程内存储
func NewMemory(opts ...Option) Store {
	o := applyOptions(opts)
	s := &memoryStore{
		clock:    o.clock,
		logger:   o.logger.With(clog.String("store", "memory")),
		data:     make(map[string]*memoryEntry),
		leases:   make(map[LeaseID]*memoryLease),
		watchers: make(map[string]map[*memoryWatcher]struct{}),
		stop:     make(chan struct{}),
	}

	ticker := s.clock.NewTicker(o.sweepInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.Chan():
				s.mu.Lock()
				s.expireLocked()
				s.mu.Unlock()
			}
		}
	}()
	return s
}

// begin 加锁并做通用检查，调用方负责解锁
func (s *memoryStore) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	s.expireLocked()
	return nil
}

func (s *memoryStore) Put(ctx context.Context, key string, value []byte, lease LeaseID) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.putLocked(key, value, lease)
}

func (s *memoryStore) PutIfAbsent(ctx context.Context, key string, value []byte, lease LeaseID) (bool, error) {
	if err := s.begin(ctx); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	if _, exists := s.data[key]; exists {
		return false, nil
	}
	if err := s.putLocked(key, value, lease); err != nil {
		return false, err
	}
	return true, nil
}

func (s *memoryStore) putLocked(key string, value []byte, lease LeaseID) error {
	if lease != NoLease {
		if _, ok := s.leases[lease]; !ok {
			return ErrLeaseNotFound
		}
	}
	if old, ok := s.data[key]; ok && old.lease != NoLease {
		if l, ok := s.leases[old.lease]; ok {
			delete(l.keys, key)
		}
	}
	copied := append([]byte(nil), value...)
	s.data[key] = &memoryEntry{value: copied, lease: lease}
	if lease != NoLease {
		s.leases[lease].keys[key] = struct{}{}
	}
	s.notifyLocked(Event{Type: EventPut, Key: key, Value: copied})
	return nil
}

func (s *memoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.begin(ctx); err != nil {
		return nil, false, err
	}
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (s *memoryStore) List(ctx context.Context, prefix string) ([]KeyValue, error) {
	kvs, _, err := s.ListRevision(ctx, prefix)
	return kvs, err
}

func (s *memoryStore) ListRevision(ctx context.Context, prefix string) ([]KeyValue, int64, error) {
	if err := s.begin(ctx); err != nil {
		return nil, 0, err
	}
	defer s.mu.Unlock()
	kvs := make([]KeyValue, 0)
	for k, e := range s.data {
		if strings.HasPrefix(k, prefix) {
			kvs = append(kvs, KeyValue{Key: k, Value: append([]byte(nil), e.value...)})
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs, s.rev, nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.deleteLocked(key)
	return nil
}

func (s *memoryStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	if err := s.begin(ctx); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	var n int64
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			s.deleteLocked(k)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) deleteLocked(key string) {
	e, ok := s.data[key]
	if !ok {
		return
	}
	delete(s.data, key)
	if e.lease != NoLease {
		if l, ok := s.leases[e.lease]; ok {
			delete(l.keys, key)
		}
	}
	s.notifyLocked(Event{Type: EventDelete, Key: key})
}

func (s *memoryStore) Grant(ctx context.Context, ttl time.Duration) (LeaseID, error) {
	if err := s.begin(ctx); err != nil {
		return NoLease, err
	}
	defer s.mu.Unlock()
	ttl = time.Duration(ttlSeconds(ttl)) * time.Second
	s.nextLease++
	s.leases[s.nextLease] = &memoryLease{
		ttl:      ttl,
		expireAt: s.clock.Now().Add(ttl),
		keys:     make(map[string]struct{}),
	}
	return s.nextLease, nil
}

func (s *memoryStore) KeepAliveOnce(ctx context.Context, lease LeaseID) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	l, ok := s.leases[lease]
	if !ok {
		return ErrLeaseNotFound
	}
	l.expireAt = s.clock.Now().Add(l.ttl)
	return nil
}

func (s *memoryStore) Revoke(ctx context.Context, lease LeaseID) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.dropLeaseLocked(lease)
	return nil
}

func (s *memoryStore) dropLeaseLocked(lease LeaseID) {
	l, ok := s.leases[lease]
	if !ok {
		return
	}
	delete(s.leases, lease)
	for key := range l.keys {
		if e, ok := s.data[key]; ok && e.lease == lease {
			delete(s.data, key)
			s.notifyLocked(Event{Type: EventDelete, Key: key})
		}
	}
}

// expireLocked 删除所有已过期租约及其键
func (s *memoryStore) expireLocked() {
	now := s.clock.Now()
	for id, l := range s.leases {
		if !now.Before(l.expireAt) {
			s.logger.Debug("lease expired", clog.Int64("lease_id", int64(id)), clog.Int("keys", len(l.keys)))
			s.dropLeaseLocked(id)
		}
	}
}

func (s *memoryStore) Watch(ctx context.Context, key string, afterRev int64) <-chan Event {
	w := &memoryWatcher{ch: make(chan Event, memoryWatchBuffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(w.ch)
		return w.ch
	}
	if afterRev > 0 {
		s.replayLocked(w, key, afterRev)
	}
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[*memoryWatcher]struct{})
	}
	s.watchers[key][w] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
		case <-s.stop:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if ws, ok := s.watchers[key]; ok {
			if _, ok := ws[w]; ok {
				delete(ws, w)
				close(w.ch)
			}
			if len(ws) == 0 {
				delete(s.watchers, key)
			}
		}
	}()
	return w.ch
}

// replayLocked 把 afterRev 之后发生在 key 上的变更写入新监听者
//
// 所需历史已被淘汰时按当前状态补发一个事件。
func (s *memoryStore) replayLocked(w *memoryWatcher, key string, afterRev int64) {
	if afterRev >= s.rev {
		return
	}
	if len(s.history) > 0 && s.history[0].rev > afterRev+1 {
		if e, ok := s.data[key]; ok {
			w.ch <- Event{Type: EventPut, Key: key, Value: append([]byte(nil), e.value...)}
		} else {
			w.ch <- Event{Type: EventDelete, Key: key}
		}
		return
	}
	for _, rec := range s.history {
		if rec.rev <= afterRev || rec.ev.Key != key {
			continue
		}
		select {
		case w.ch <- rec.ev:
		default:
			s.logger.Warn("watch channel full, replayed event dropped", clog.String("key", key))
			return
		}
	}
}

func (s *memoryStore) notifyLocked(ev Event) {
	s.rev++
	if len(s.history) == memoryHistorySize {
		s.history = append(s.history[:0], s.history[1:]...)
	}
	s.history = append(s.history, memoryRecord{rev: s.rev, ev: ev})

	for w := range s.watchers[ev.Key] {
		select {
		case w.ch <- ev:
		default:
			s.logger.Warn("watch channel full, event dropped", clog.String("key", ev.Key), clog.String("type", ev.Type.String()))
		}
	}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
	return nil
}
