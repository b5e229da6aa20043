// Package gatewaytest 提供内存版链网关, 供状态机测试使用
package gatewaytest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/gateway"
	bizerrors "github.com/eidos-exchange/eidos/eidos-bet/pkg/errors"
)

// Call 一次 Submit 调用
type Call struct {
	Address string
	Op      gateway.Opcode
	Payload []byte
	Value   *big.Int
	TxRef   string
}

// Gateway 记录调用的假网关, 签名校验与真实实现一致
type Gateway struct {
	mu      sync.Mutex
	seq     int
	deploys []gateway.DeployResult
	calls   []Call
	states  map[string][]byte

	// Fail 非空时所有 Deploy/Submit 返回 CHAIN_GATEWAY_FAILURE
	Fail error
	// OnSubmit 在 Submit 返回前调用, 用于模拟网关往返期间的并发操作
	OnSubmit func(call Call)
}

// New 创建假网关
func New() *Gateway {
	return &Gateway{states: make(map[string][]byte)}
}

func (g *Gateway) next() string {
	g.seq++
	return fmt.Sprintf("0x%064x", g.seq)
}

// Deploy 返回确定性的地址与交易哈希
func (g *Gateway) Deploy(_ context.Context, kind gateway.ContractKind, _ []byte) (*gateway.DeployResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Fail != nil {
		return nil, bizerrors.Wrap(bizerrors.ErrChainGatewayFailure, g.Fail)
	}
	txRef := g.next()
	res := gateway.DeployResult{
		Address: strings.ToLower(fmt.Sprintf("0x%040x", g.seq)),
		TxRef:   txRef,
	}
	g.deploys = append(g.deploys, res)
	return &res, nil
}

// Submit 记录调用
func (g *Gateway) Submit(_ context.Context, address string, op gateway.Opcode, payload []byte, value *big.Int) (string, error) {
	g.mu.Lock()
	if g.Fail != nil {
		g.mu.Unlock()
		return "", bizerrors.Wrap(bizerrors.ErrChainGatewayFailure, g.Fail)
	}
	call := Call{Address: address, Op: op, Payload: payload, Value: value, TxRef: g.next()}
	g.calls = append(g.calls, call)
	hook := g.OnSubmit
	g.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return call.TxRef, nil
}

// QueryState 返回 SetState 设置的数据
func (g *Gateway) QueryState(_ context.Context, address string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.states[address], nil
}

// SetState 设置合约状态
func (g *Gateway) SetState(address string, state []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[address] = state
}

// VerifySignature 使用真实的 secp256k1 恢复
func (g *Gateway) VerifySignature(message, signature []byte, address string) (bool, error) {
	ok, err := gateway.VerifySignature(message, signature, address)
	if err != nil {
		return false, nil
	}
	return ok, nil
}

// Deploys 已部署的合约
func (g *Gateway) Deploys() []gateway.DeployResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.DeployResult(nil), g.deploys...)
}

// Calls 已提交的操作
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Call(nil), g.calls...)
}

var _ gateway.ChainGateway = (*Gateway)(nil)
