// Package blockchain 封装 EVM 节点访问: 多 RPC 端点故障切换, 重试, 热钱包签名与 Nonce 分配
package blockchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-bet/pkg/logger"
)

var (
	ErrNoRPCURL          = errors.New("at least one RPC URL is required")
	ErrNoHealthyRPC      = errors.New("no healthy RPC endpoint available")
	ErrPrivateKeyMissing = errors.New("private key not configured")
)

// RPCEndpoint RPC 端点信息
type RPCEndpoint struct {
	URL        string
	IsHealthy  bool
	ErrorCount int
	LastCheck  time.Time
}

// Client 区块链客户端
type Client struct {
	chainID    int64
	privateKey *ecdsa.PrivateKey
	address    common.Address

	endpoints  []*RPCEndpoint
	currentIdx int
	mu         sync.RWMutex
	client     *ethclient.Client

	maxRetries      int
	retryInterval   time.Duration
	healthCheckFreq time.Duration
	dial            func(ctx context.Context, url string) (*ethclient.Client, error)
}

// ClientConfig 客户端配置
type ClientConfig struct {
	ChainID         int64
	PrivateKey      string
	RPCURLs         []string
	MaxRetries      int
	RetryInterval   time.Duration
	HealthCheckFreq time.Duration
}

// NewClient 创建区块链客户端
//
// 连接延迟到第一次调用时建立, 节点暂时不可用不会阻止服务启动.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, ErrNoRPCURL
	}

	c := &Client{
		chainID:         cfg.ChainID,
		maxRetries:      cfg.MaxRetries,
		retryInterval:   cfg.RetryInterval,
		healthCheckFreq: cfg.HealthCheckFreq,
		dial:            ethclient.DialContext,
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.retryInterval <= 0 {
		c.retryInterval = time.Second
	}
	if c.healthCheckFreq <= 0 {
		c.healthCheckFreq = 30 * time.Second
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(trimHexPrefix(cfg.PrivateKey))
		if err != nil {
			return nil, err
		}
		c.privateKey = key
		c.address = crypto.PubkeyToAddress(key.PublicKey)
	}

	c.endpoints = make([]*RPCEndpoint, 0, len(cfg.RPCURLs))
	for _, url := range cfg.RPCURLs {
		if url == "" {
			continue
		}
		c.endpoints = append(c.endpoints, &RPCEndpoint{URL: url, IsHealthy: true})
	}
	if len(c.endpoints) == 0 {
		return nil, ErrNoRPCURL
	}

	return c, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// connect 依次尝试端点, 跳过冷却期内的不健康端点
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.endpoints {
		idx := (c.currentIdx + i) % len(c.endpoints)
		ep := c.endpoints[idx]

		if !ep.IsHealthy && time.Since(ep.LastCheck) < c.healthCheckFreq {
			continue
		}

		client, err := c.dial(ctx, ep.URL)
		if err == nil {
			_, err = client.ChainID(ctx)
			if err != nil {
				client.Close()
			}
		}
		if err != nil {
			ep.IsHealthy = false
			ep.ErrorCount++
			ep.LastCheck = time.Now()
			logger.Warn("rpc endpoint unavailable",
				zap.String("url", ep.URL),
				zap.Int("error_count", ep.ErrorCount),
				zap.Error(err))
			continue
		}

		if c.client != nil {
			c.client.Close()
		}
		c.client = client
		if idx != c.currentIdx {
			logger.Info("rpc endpoint switched", zap.String("url", ep.URL))
		}
		c.currentIdx = idx
		ep.IsHealthy = true
		ep.ErrorCount = 0
		ep.LastCheck = time.Now()
		return nil
	}

	return ErrNoHealthyRPC
}

func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client != nil {
		return client, nil
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, nil
}

// markUnhealthy 标记当前端点不健康并断开, 下次调用时切换端点
func (c *Client) markUnhealthy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentIdx < len(c.endpoints) {
		ep := c.endpoints[c.currentIdx]
		ep.IsHealthy = false
		ep.ErrorCount++
		ep.LastCheck = time.Now()
	}
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.currentIdx = (c.currentIdx + 1) % len(c.endpoints)
}

// withRetry 带重试的操作, 等待期间响应 ctx 取消
func (c *Client) withRetry(ctx context.Context, fn func(*ethclient.Client) error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		client, err := c.getClient(ctx)
		if err == nil {
			err = fn(client)
			if err == nil {
				return nil
			}
			if !isTransportError(err) {
				return err
			}
			c.markUnhealthy()
		}
		lastErr = err

		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryInterval):
		}
	}
	return lastErr
}

// isTransportError 节点返回的业务错误 (nonce too low, revert 等) 不切换端点
func isTransportError(err error) bool {
	if errors.Is(err, ethereum.NotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var rpcErr interface{ ErrorCode() int }
	return !errors.As(err, &rpcErr)
}

// call 在当前端点上执行只读或写入调用, 传输错误时切换端点重试
func call[T any](ctx context.Context, c *Client, fn func(*ethclient.Client) (T, error)) (T, error) {
	var out T
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		v, err := fn(client)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Address 返回热钱包地址
func (c *Client) Address() common.Address {
	return c.address
}

// HasSigner 是否配置了热钱包, 未配置时只能读链
func (c *Client) HasSigner() bool {
	return c.privateKey != nil
}

// BlockNumber 获取最新区块号
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return call(ctx, c, func(cl *ethclient.Client) (uint64, error) {
		return cl.BlockNumber(ctx)
	})
}

// PendingNonceAt 链上 pending nonce, 供 NonceManager 同步
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return call(ctx, c, func(cl *ethclient.Client) (uint64, error) {
		return cl.PendingNonceAt(ctx, account)
	})
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return call(ctx, c, func(cl *ethclient.Client) (*big.Int, error) {
		return cl.SuggestGasPrice(ctx)
	})
}

// SendTransaction 广播已签名的部署或合约调用交易
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	_, err := call(ctx, c, func(cl *ethclient.Client) (struct{}, error) {
		return struct{}{}, cl.SendTransaction(ctx, tx)
	})
	return err
}

// CallContract 只读调用, 用于查询赌约与通道合约状态
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return call(ctx, c, func(cl *ethclient.Client) ([]byte, error) {
		return cl.CallContract(ctx, msg, blockNumber)
	})
}

// SignTransaction EIP-155 签名
func (c *Client) SignTransaction(tx *types.Transaction) (*types.Transaction, error) {
	if c.privateKey == nil {
		return nil, ErrPrivateKeyMissing
	}
	signer := types.NewEIP155Signer(big.NewInt(c.chainID))
	return types.SignTx(tx, signer, c.privateKey)
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.BlockNumber(ctx)
	return err
}

// Close 关闭客户端
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}
