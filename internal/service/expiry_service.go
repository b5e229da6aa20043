package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/logger"
)

// ExpiryConfig 过期扫描配置
type ExpiryConfig struct {
	Interval  time.Duration
	BatchSize int
}

// ExpiryService 周期扫描过期赌约与挑战期已结束的通道
//
// 挑战期在提交争议和关闭确认时按需判断, 扫描结果只用于通知与监控.
type ExpiryService struct {
	store    repository.Store
	bets     *BetService
	cfg      ExpiryConfig
	now      func() time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	onClosable func(ctx context.Context, ch *model.PaymentChannel)
}

// NewExpiryService 创建过期扫描服务
func NewExpiryService(store repository.Store, bets *BetService, cfg ExpiryConfig) *ExpiryService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &ExpiryService{
		store:  store,
		bets:   bets,
		cfg:    cfg,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// SetClock 替换时钟
func (s *ExpiryService) SetClock(now func() time.Time) {
	s.now = now
}

// SetOnClosable 设置可关闭通道的通知回调
func (s *ExpiryService) SetOnClosable(fn func(ctx context.Context, ch *model.PaymentChannel)) {
	s.onClosable = fn
}

// Start 启动扫描
func (s *ExpiryService) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if _, _, err := s.SweepOnce(ctx); err != nil {
					logger.Warn("expiry sweep failed", zap.Error(err))
				}
			}
		}
	}()
	logger.Info("expiry sweep started", zap.Duration("interval", s.cfg.Interval))
}

// Stop 停止扫描
func (s *ExpiryService) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SweepOnce 执行一轮扫描, 返回过期的赌约数和可关闭的通道数
func (s *ExpiryService) SweepOnce(ctx context.Context) (int, int, error) {
	expired, err := s.expireBets(ctx)
	if err != nil {
		return expired, 0, err
	}
	closable, err := s.scanClosable(ctx)
	return expired, closable, err
}

func (s *ExpiryService) expireBets(ctx context.Context) (int, error) {
	now := s.now()
	total := 0
	seen := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		bets, err := s.store.Bets().ListExpirable(ctx, now.UnixMilli(), s.cfg.BatchSize)
		if err != nil {
			return total, mapError(err)
		}

		progressed := false
		for _, bet := range bets {
			// 处理失败的赌约本轮不再重试
			if _, ok := seen[bet.BetID]; ok {
				continue
			}
			seen[bet.BetID] = struct{}{}
			progressed = true

			_, changed, err := s.bets.ExpireBet(ctx, bet.BetID)
			if err != nil {
				logger.Warn("expire bet failed", zap.String("bet_id", bet.BetID), zap.Error(err))
				continue
			}
			if changed {
				total++
				metrics.ExpiredBetsTotal.Inc()
			}
		}

		if !progressed || len(bets) < s.cfg.BatchSize {
			break
		}
	}

	if total > 0 {
		logger.Info("expired bets", zap.Int("count", total))
	}
	return total, nil
}

func (s *ExpiryService) scanClosable(ctx context.Context) (int, error) {
	channels, err := s.store.Channels().ListClosing(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, mapError(err)
	}

	now := s.now()
	closable := 0
	for _, ch := range channels {
		if ch.CloseKind != model.CloseKindUncooperative || ch.CanChallenge(now) {
			continue
		}
		closable++
		if s.onClosable != nil {
			s.onClosable(ctx, ch)
		}
	}
	metrics.ClosableChannelsGauge.Set(float64(closable))
	return closable, nil
}
