// Package service 实现赌约与支付通道的结算状态机
//
// 每个主体 (赌约 / 通道) 的变更都在主体锁内完成: 加载, 校验, CAS 写入, 提交.
// 需要访问链网关的操作分三段执行: 锁内校验 -> 释放锁后调用网关 -> 重新加锁校验并提交.
// 网关调用失败时不写入任何数据, 调用方可以安全重试.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/repository"
	bizerrors "github.com/eidos-exchange/eidos/eidos-bet/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/lock"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/logger"
)

// TxHook 在状态变更所在的存储事务内执行, 分发器用它写入已处理标记
type TxHook func(ctx context.Context) error

func runHook(ctx context.Context, hook TxHook) error {
	if hook == nil {
		return nil
	}
	return hook(ctx)
}

func betLockKey(betID string) string {
	return "bet:" + betID
}

func channelLockKey(channelID string) string {
	return "channel:" + channelID
}

// normalizeAddress 合约地址统一小写存储与查询
func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// mapError 将仓储与锁的错误映射为业务错误
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var bizErr *bizerrors.Error
	if errors.As(err, &bizErr) {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrBetNotFound):
		return bizerrors.ErrBetNotFound
	case errors.Is(err, repository.ErrChannelNotFound):
		return bizerrors.ErrChannelNotFound
	case errors.Is(err, repository.ErrVersionConflict),
		errors.Is(err, lock.ErrLockAcquireFailed):
		return bizerrors.Wrap(bizerrors.ErrConcurrentModification, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return bizerrors.Wrap(bizerrors.ErrInternal, err)
}

// recordTx 写入待确认的链上交易流水, 重复写入视为成功
func recordTx(ctx context.Context, store repository.Store, tx *model.Transaction) error {
	err := store.Transactions().Create(ctx, tx)
	if errors.Is(err, repository.ErrDuplicateTransaction) {
		logger.Warn("transaction already recorded", zap.String("tx_hash", tx.TxHash))
		return nil
	}
	return err
}

func nowMilli(now func() time.Time) int64 {
	return now().UnixMilli()
}
