// Package gateway 定义状态机与链上合约之间的窄接口
//
// 状态机只通过 ChainGateway 部署合约, 提交操作, 读取合约状态和校验签名.
// 所有外部调用失败都包装为 CHAIN_GATEWAY_FAILURE, 调用方可以安全重试.
package gateway

import (
	"context"
	"math/big"
)

// ContractKind 合约类型
type ContractKind string

const (
	ContractBet            ContractKind = "BET"
	ContractPaymentChannel ContractKind = "PAYMENT_CHANNEL"
)

// Opcode 合约操作码
type Opcode uint32

const (
	OpJoin               Opcode = 0
	OpResolve            Opcode = 1
	OpCooperativeClose   Opcode = 2
	OpUncooperativeClose Opcode = 3
	OpDispute            Opcode = 4
)

func (op Opcode) String() string {
	switch op {
	case OpJoin:
		return "join"
	case OpResolve:
		return "resolve"
	case OpCooperativeClose:
		return "cooperative_close"
	case OpUncooperativeClose:
		return "uncooperative_close"
	case OpDispute:
		return "dispute"
	default:
		return "unknown"
	}
}

// DeployResult 部署结果, Address 为预计算的合约地址 (小写 hex)
type DeployResult struct {
	Address string
	TxRef   string
}

// ChainGateway 链网关
type ChainGateway interface {
	Deploy(ctx context.Context, kind ContractKind, initData []byte) (*DeployResult, error)
	Submit(ctx context.Context, address string, op Opcode, payload []byte, value *big.Int) (string, error)
	QueryState(ctx context.Context, address string) ([]byte, error)
	VerifySignature(message, signature []byte, address string) (bool, error)
}
