package registry

import (
	"context"

	"github.com/jonboulle/clockwork"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/kvstore"
	"github.com/ceyewan/yurpc/xerrors"
)

// heartbeatLoop 每个心跳周期续约一次本地注册的所有记录
func (r *registry) heartbeatLoop(ticker clockwork.Ticker) {
	defer r.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.Chan():
			r.heartbeat(r.ctx)
		}
	}
}

// heartbeat 续约一轮
//
// 记录仍存在时续约其租约，租约已丢失则以新租约重新写入；
// 记录已经过期消失的实例不做恢复，需要显式重新注册。
func (r *registry) heartbeat(ctx context.Context) {
	r.mu.Lock()
	snapshot := make(map[string]*localEntry, len(r.local))
	for key, entry := range r.local {
		snapshot[key] = entry
	}
	r.mu.Unlock()

	for key, entry := range snapshot {
		if ctx.Err() != nil {
			return
		}
		if err := r.renew(ctx, key, entry); err != nil {
			r.heartbeatFailure.Inc(ctx)
			r.logger.Warn("heartbeat failed", clog.String("key", key), clog.Error(err))
		}
	}
}

func (r *registry) renew(ctx context.Context, key string, entry *localEntry) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()

	_, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		r.logger.Debug("registration expired, skip renewal", clog.String("key", key))
		return nil
	}

	err = r.store.KeepAliveOnce(ctx, entry.lease)
	if err == nil {
		return nil
	}
	if !xerrors.Is(err, kvstore.ErrLeaseNotFound) {
		return err
	}

	// 租约丢失但记录仍在，以新租约重新注册
	lease, err := r.store.Grant(ctx, r.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, key, entry.value, lease); err != nil {
		r.revoke(lease)
		return err
	}

	r.mu.Lock()
	cur, ok := r.local[key]
	stale := !ok || cur != entry
	if !stale {
		r.local[key] = &localEntry{meta: entry.meta, value: entry.value, lease: lease}
	}
	r.mu.Unlock()

	// 期间已注销或重新注册，新写入的记录作废
	if stale {
		r.revoke(lease)
		return nil
	}

	r.logger.Info("registration renewed with new lease", clog.String("key", key), clog.Int64("lease_id", int64(lease)))
	return nil
}
