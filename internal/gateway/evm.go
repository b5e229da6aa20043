package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/metrics"
	bizerrors "github.com/eidos-exchange/eidos/eidos-bet/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/logger"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/tracing"
)

// getStateSelector 合约只读方法 getState() 的选择器
var getStateSelector = crypto.Keccak256([]byte("getState()"))[:4]

// EVMClient EVMGateway 依赖的节点能力
type EVMClient interface {
	Address() common.Address
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	SignTransaction(tx *types.Transaction) (*types.Transaction, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// NonceAllocator nonce 分配
type NonceAllocator interface {
	AcquireNonce(ctx context.Context) (uint64, error)
	ConfirmNonce(ctx context.Context, nonce uint64, txHash string) error
	ReleaseNonce(ctx context.Context, nonce uint64) error
}

// EVMConfig EVM 网关配置
type EVMConfig struct {
	Bytecode            map[ContractKind][]byte
	GasLimit            uint64
	SubmitRatePerSecond float64
	SubmitBurst         int
	RequestTimeout      time.Duration
}

// EVMGateway 基于 go-ethereum 的链网关
type EVMGateway struct {
	client   EVMClient
	nonces   NonceAllocator
	limiter  *rate.Limiter
	bytecode map[ContractKind][]byte
	gasLimit uint64
	timeout  time.Duration
}

// NewEVMGateway 创建 EVM 链网关
func NewEVMGateway(client EVMClient, nonces NonceAllocator, cfg *EVMConfig) *EVMGateway {
	g := &EVMGateway{
		client:   client,
		nonces:   nonces,
		bytecode: cfg.Bytecode,
		gasLimit: cfg.GasLimit,
		timeout:  cfg.RequestTimeout,
	}
	if g.gasLimit == 0 {
		g.gasLimit = 500000
	}
	if g.timeout <= 0 {
		g.timeout = 30 * time.Second
	}
	limit := rate.Limit(cfg.SubmitRatePerSecond)
	if cfg.SubmitRatePerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.SubmitBurst
	if burst <= 0 {
		burst = 1
	}
	g.limiter = rate.NewLimiter(limit, burst)
	return g
}

func gatewayFailure(op string, err error) error {
	return bizerrors.Wrap(bizerrors.ErrChainGatewayFailure.WithDetail("op", op), err)
}

// Deploy 部署合约, 返回按 (热钱包, nonce) 预计算的合约地址
func (g *EVMGateway) Deploy(ctx context.Context, kind ContractKind, initData []byte) (result *DeployResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "gateway.Deploy", tracing.AttrGatewayOp.String("deploy"))
	start := time.Now()
	defer func() {
		metrics.RecordGatewayCall("deploy", err, time.Since(start).Seconds())
		tracing.EndSpan(span, err)
	}()

	code, ok := g.bytecode[kind]
	if !ok || len(code) == 0 {
		return nil, gatewayFailure("deploy", fmt.Errorf("no bytecode configured for %s", kind))
	}
	data := make([]byte, 0, len(code)+len(initData))
	data = append(data, code...)
	data = append(data, initData...)

	var nonce uint64
	txHash, err := g.send(ctx, "deploy", func(n uint64, gasPrice *big.Int) *types.Transaction {
		nonce = n
		return types.NewContractCreation(n, big.NewInt(0), g.gasLimit, gasPrice, data)
	})
	if err != nil {
		return nil, err
	}

	address := crypto.CreateAddress(g.client.Address(), nonce)
	logger.Info("contract deployment submitted",
		zap.String("kind", string(kind)),
		zap.String("address", address.Hex()),
		zap.String("tx_hash", txHash))

	return &DeployResult{
		Address: strings.ToLower(address.Hex()),
		TxRef:   txHash,
	}, nil
}

// Submit 向合约提交操作, 返回交易哈希
func (g *EVMGateway) Submit(ctx context.Context, address string, op Opcode, payload []byte, value *big.Int) (txRef string, err error) {
	ctx, span := tracing.StartSpan(ctx, "gateway.Submit",
		tracing.AttrGatewayOp.String(op.String()),
		tracing.AttrContract.String(address))
	start := time.Now()
	defer func() {
		metrics.RecordGatewayCall(op.String(), err, time.Since(start).Seconds())
		tracing.EndSpan(span, err)
	}()

	if !common.IsHexAddress(address) {
		return "", gatewayFailure(op.String(), ErrInvalidAddress)
	}
	to := common.HexToAddress(address)
	if value == nil {
		value = big.NewInt(0)
	}

	txHash, err := g.send(ctx, op.String(), func(n uint64, gasPrice *big.Int) *types.Transaction {
		return types.NewTransaction(n, to, value, g.gasLimit, gasPrice, payload)
	})
	if err != nil {
		return "", err
	}

	logger.Info("contract operation submitted",
		zap.String("op", op.String()),
		zap.String("contract", address),
		zap.String("tx_hash", txHash))
	return txHash, nil
}

// send 限流, 分配 nonce, 签名并广播; 广播失败时归还 nonce
func (g *EVMGateway) send(ctx context.Context, op string, build func(nonce uint64, gasPrice *big.Int) *types.Transaction) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		return "", gatewayFailure(op, err)
	}

	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", gatewayFailure(op, err)
	}

	nonce, err := g.nonces.AcquireNonce(ctx)
	if err != nil {
		return "", gatewayFailure(op, err)
	}
	metrics.UpdateNonce(nonce)

	signed, err := g.client.SignTransaction(build(nonce, gasPrice))
	if err == nil {
		err = g.client.SendTransaction(ctx, signed)
	}
	if err != nil {
		if relErr := g.nonces.ReleaseNonce(context.WithoutCancel(ctx), nonce); relErr != nil {
			logger.Warn("release nonce failed", zap.Uint64("nonce", nonce), zap.Error(relErr))
		}
		logger.Error("chain transaction failed", zap.String("op", op), zap.Uint64("nonce", nonce), zap.Error(err))
		return "", gatewayFailure(op, err)
	}

	txHash := signed.Hash().Hex()
	if err := g.nonces.ConfirmNonce(ctx, nonce, txHash); err != nil {
		// 交易已广播, 只记录
		logger.Warn("confirm nonce failed", zap.Uint64("nonce", nonce), zap.String("tx_hash", txHash), zap.Error(err))
	}
	return txHash, nil
}

// QueryState 调用合约 getState()
func (g *EVMGateway) QueryState(ctx context.Context, address string) (state []byte, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordGatewayCall("query", err, time.Since(start).Seconds())
	}()

	if !common.IsHexAddress(address) {
		return nil, gatewayFailure("query", ErrInvalidAddress)
	}
	to := common.HexToAddress(address)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	state, err = g.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: getStateSelector}, nil)
	if err != nil {
		return nil, gatewayFailure("query", err)
	}
	return state, nil
}

// VerifySignature 本地校验, 不访问节点
func (g *EVMGateway) VerifySignature(message, signature []byte, address string) (bool, error) {
	ok, err := VerifySignature(message, signature, address)
	if errors.Is(err, ErrInvalidSignatureLength) || errors.Is(err, ErrInvalidAddress) {
		return false, nil
	}
	return ok, err
}
