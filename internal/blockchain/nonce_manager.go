package blockchain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/lock"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/logger"
)

var (
	ErrNonceLockFailed  = errors.New("failed to acquire nonce lock")
	ErrNonceNotAcquired = errors.New("nonce not acquired")
)

// NonceSource 链上 pending nonce 来源
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager Nonce 管理器
//
// Redis 保存下一个可用 nonce, 分配过程在分布式锁内完成, 多实例共用同一热钱包时不会冲突.
// 已广播未上链的交易记在 pending 有序集合中 (member 为 txHash, score 为 nonce), 事件确认后移除.
type NonceManager struct {
	source  NonceSource
	redis   redis.UniversalClient
	locker  *lock.RedisLocker
	wallet  common.Address
	chainID int64

	mu           sync.RWMutex
	lastSyncTime time.Time
	syncInterval time.Duration

	pendingMu  sync.Mutex
	pendingTxs map[uint64]string // nonce -> txHash
}

// NonceManagerConfig 配置
type NonceManagerConfig struct {
	Wallet       common.Address
	ChainID      int64
	LockTimeout  time.Duration
	SyncInterval time.Duration
}

// NewNonceManager 创建 Nonce 管理器
func NewNonceManager(source NonceSource, rdb redis.UniversalClient, cfg *NonceManagerConfig) *NonceManager {
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}
	syncInterval := cfg.SyncInterval
	if syncInterval <= 0 {
		syncInterval = 5 * time.Minute
	}

	return &NonceManager{
		source: source,
		redis:  rdb,
		locker: lock.NewRedisLocker(rdb, &lock.RedisLockerConfig{
			KeyPrefix:     "eidos:bet:nonce:lock:",
			Expiration:    lockTimeout,
			RetryInterval: 20 * time.Millisecond,
			MaxRetries:    int(lockTimeout / (20 * time.Millisecond)),
		}),
		wallet:       cfg.Wallet,
		chainID:      cfg.ChainID,
		syncInterval: syncInterval,
		pendingTxs:   make(map[uint64]string),
	}
}

func (m *NonceManager) walletKey() string {
	return fmt.Sprintf("%s:%d", m.wallet.Hex(), m.chainID)
}

func (m *NonceManager) nonceKey() string {
	return "eidos:bet:nonce:" + m.walletKey()
}

func (m *NonceManager) pendingKey() string {
	return "eidos:bet:nonce:pending:" + m.walletKey()
}

func (m *NonceManager) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	err := m.locker.WithLock(ctx, m.walletKey(), fn)
	if errors.Is(err, lock.ErrLockAcquireFailed) {
		return ErrNonceLockFailed
	}
	return err
}

// AcquireNonce 分配一个 nonce, 调用方必须随后调用 ConfirmNonce 或 ReleaseNonce
func (m *NonceManager) AcquireNonce(ctx context.Context) (uint64, error) {
	var nonce uint64
	err := m.withLock(ctx, func(ctx context.Context) error {
		if m.needsSync() {
			if err := m.syncFromChain(ctx); err != nil {
				return err
			}
		}

		current, err := m.getCurrentNonce(ctx)
		if err != nil {
			return err
		}
		if err := m.setCurrentNonce(ctx, current+1); err != nil {
			return err
		}
		nonce = current
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.pendingMu.Lock()
	m.pendingTxs[nonce] = ""
	n := len(m.pendingTxs)
	m.pendingMu.Unlock()
	metrics.UpdatePendingTxs(n)

	return nonce, nil
}

// ConfirmNonce 交易已广播, 关联 txHash 并记入待确认队列
func (m *NonceManager) ConfirmNonce(ctx context.Context, nonce uint64, txHash string) error {
	m.pendingMu.Lock()
	if _, exists := m.pendingTxs[nonce]; !exists {
		m.pendingMu.Unlock()
		return nil
	}
	m.pendingTxs[nonce] = txHash
	m.pendingMu.Unlock()

	return m.redis.ZAdd(ctx, m.pendingKey(), redis.Z{
		Score:  float64(nonce),
		Member: txHash,
	}).Err()
}

// ReleaseNonce 交易未能广播时归还 nonce
//
// 只有最后分配的 nonce 可以回退计数器, 其余情况留下空洞, 由下一次链上同步修复.
func (m *NonceManager) ReleaseNonce(ctx context.Context, nonce uint64) error {
	m.pendingMu.Lock()
	if _, exists := m.pendingTxs[nonce]; !exists {
		m.pendingMu.Unlock()
		return ErrNonceNotAcquired
	}
	delete(m.pendingTxs, nonce)
	n := len(m.pendingTxs)
	m.pendingMu.Unlock()
	metrics.UpdatePendingTxs(n)

	return m.withLock(ctx, func(ctx context.Context) error {
		current, err := m.getCurrentNonce(ctx)
		if err != nil {
			return err
		}
		if current == nonce+1 {
			return m.setCurrentNonce(ctx, nonce)
		}
		logger.Warn("nonce gap left after release",
			zap.Uint64("nonce", nonce),
			zap.Uint64("next_nonce", current))
		m.mu.Lock()
		m.lastSyncTime = time.Time{}
		m.mu.Unlock()
		return nil
	})
}

// OnTxSettled 交易已上链 (成功或失败), 从待确认队列移除; 非本钱包发出的交易为空操作
func (m *NonceManager) OnTxSettled(ctx context.Context, txHash string) error {
	m.pendingMu.Lock()
	for nonce, hash := range m.pendingTxs {
		if hash == txHash {
			delete(m.pendingTxs, nonce)
			break
		}
	}
	n := len(m.pendingTxs)
	m.pendingMu.Unlock()
	metrics.UpdatePendingTxs(n)

	return m.redis.ZRem(ctx, m.pendingKey(), txHash).Err()
}

// SyncFromChain 从链上同步 nonce, 启动时调用一次
func (m *NonceManager) SyncFromChain(ctx context.Context) error {
	return m.withLock(ctx, m.syncFromChain)
}

// syncFromChain 需已持有锁; 链上 nonce 只会让计数器前进, 不会回退尚未上链的分配
func (m *NonceManager) syncFromChain(ctx context.Context) error {
	chainNonce, err := m.source.PendingNonceAt(ctx, m.wallet)
	if err != nil {
		return err
	}

	current, err := m.redis.Get(ctx, m.nonceKey()).Uint64()
	switch {
	case errors.Is(err, redis.Nil):
		err = m.setCurrentNonce(ctx, chainNonce)
	case err != nil:
		return err
	case chainNonce > current:
		logger.Info("nonce advanced from chain",
			zap.Uint64("local", current),
			zap.Uint64("chain", chainNonce))
		err = m.setCurrentNonce(ctx, chainNonce)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.lastSyncTime = time.Now()
	m.mu.Unlock()
	return nil
}

func (m *NonceManager) getCurrentNonce(ctx context.Context) (uint64, error) {
	val, err := m.redis.Get(ctx, m.nonceKey()).Uint64()
	if errors.Is(err, redis.Nil) {
		return m.source.PendingNonceAt(ctx, m.wallet)
	}
	return val, err
}

func (m *NonceManager) setCurrentNonce(ctx context.Context, nonce uint64) error {
	return m.redis.Set(ctx, m.nonceKey(), strconv.FormatUint(nonce, 10), 0).Err()
}

func (m *NonceManager) needsSync() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.lastSyncTime) > m.syncInterval
}
