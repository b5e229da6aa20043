package gateway

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
)

// SignatureLength r || s || v
const SignatureLength = 65

var (
	ErrInvalidSignatureLength = errors.New("invalid signature length")
	ErrInvalidAddress         = errors.New("invalid address")
	ErrAmountOverflow         = errors.New("amount exceeds 256 bits")
)

// StateDigest 通道状态的规范编码哈希
//
//	keccak256(address[20] || balanceA uint256 || balanceB uint256 || seqno uint64)
func StateDigest(channelAddress string, balanceA, balanceB *big.Int, seqno uint64) ([]byte, error) {
	if !common.IsHexAddress(channelAddress) {
		return nil, ErrInvalidAddress
	}
	if balanceA.Sign() < 0 || balanceB.Sign() < 0 || balanceA.BitLen() > 256 || balanceB.BitLen() > 256 {
		return nil, ErrAmountOverflow
	}

	buf := make([]byte, 0, 20+32+32+8)
	buf = append(buf, common.HexToAddress(channelAddress).Bytes()...)
	buf = append(buf, math.U256Bytes(new(big.Int).Set(balanceA))...)
	buf = append(buf, math.U256Bytes(new(big.Int).Set(balanceB))...)
	buf = binary.BigEndian.AppendUint64(buf, seqno)
	return crypto.Keccak256(buf), nil
}

// DigestFor 以链下账本金额计算状态哈希
func DigestFor(channelAddress string, balanceA, balanceB decimal.Decimal, seqno uint64) ([]byte, error) {
	return StateDigest(channelAddress, model.AmountToBig(balanceA), model.AmountToBig(balanceB), seqno)
}

// StateHash 状态哈希的 0x hex 形式, 用于关闭请求和争议记录
func StateHash(channelAddress string, balanceA, balanceB decimal.Decimal, seqno uint64) (string, error) {
	digest, err := DigestFor(channelAddress, balanceA, balanceB, seqno)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(digest), nil
}

// RecoverAddress 从签名恢复地址, v 接受 0/1 与 27/28
func RecoverAddress(digest, signature []byte) (common.Address, error) {
	if len(signature) != SignatureLength {
		return common.Address{}, ErrInvalidSignatureLength
	}
	sig := make([]byte, SignatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature 校验签名者是否为 address (大小写不敏感)
func VerifySignature(digest, signature []byte, address string) (bool, error) {
	if !common.IsHexAddress(address) {
		return false, ErrInvalidAddress
	}
	recovered, err := RecoverAddress(digest, signature)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(recovered.Hex(), common.HexToAddress(address).Hex()), nil
}

// SignDigest 使用私钥签名, 返回 v 为 27/28 的 65 字节签名
func SignDigest(digest []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// ---- 操作载荷 ----
//
// 所有载荷以 4 字节大端 opcode 开头, 金额为 32 字节大端, 签名为 65 字节.

func opHeader(op Opcode, size int) []byte {
	buf := make([]byte, 0, 4+size)
	return binary.BigEndian.AppendUint32(buf, uint32(op))
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// EncodeJoinPayload 加入赌约
func EncodeJoinPayload(participant string) []byte {
	return appendString(opHeader(OpJoin, 2+len(participant)), participant)
}

// EncodeResolvePayload 结算赌约
func EncodeResolvePayload(winner string) []byte {
	return appendString(opHeader(OpResolve, 2+len(winner)), winner)
}

// EncodeStatePayload 关闭或争议: 金额, 序列号与双方签名
func EncodeStatePayload(op Opcode, state *model.SignedState) ([]byte, error) {
	a := model.AmountToBig(state.BalanceA)
	b := model.AmountToBig(state.BalanceB)
	if a.Sign() < 0 || b.Sign() < 0 || a.BitLen() > 256 || b.BitLen() > 256 {
		return nil, ErrAmountOverflow
	}
	if len(state.SignatureA) != SignatureLength || len(state.SignatureB) != SignatureLength {
		return nil, ErrInvalidSignatureLength
	}

	buf := opHeader(op, 32+32+8+2*SignatureLength)
	buf = append(buf, math.U256Bytes(a)...)
	buf = append(buf, math.U256Bytes(b)...)
	buf = binary.BigEndian.AppendUint64(buf, state.Seqno)
	buf = append(buf, state.SignatureA...)
	buf = append(buf, state.SignatureB...)
	return buf, nil
}

// EncodeBetInit 赌约合约初始化参数
func EncodeBetInit(betID, creatorID string, amount decimal.Decimal, expiryTime int64, platformFeeBps, organizerFeeBps int64) []byte {
	buf := make([]byte, 0, 128)
	buf = appendString(buf, betID)
	buf = appendString(buf, creatorID)
	buf = append(buf, math.U256Bytes(model.AmountToBig(amount))...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(expiryTime))
	buf = binary.BigEndian.AppendUint16(buf, uint16(platformFeeBps))
	buf = binary.BigEndian.AppendUint16(buf, uint16(organizerFeeBps))
	return buf
}

// EncodeChannelInit 通道合约初始化参数
func EncodeChannelInit(channelID string, partyA, partyB string, initialBalance decimal.Decimal, challengePeriod, timelock int64) ([]byte, error) {
	if !common.IsHexAddress(partyA) || !common.IsHexAddress(partyB) {
		return nil, ErrInvalidAddress
	}
	buf := make([]byte, 0, 128)
	buf = appendString(buf, channelID)
	buf = append(buf, common.HexToAddress(partyA).Bytes()...)
	buf = append(buf, common.HexToAddress(partyB).Bytes()...)
	buf = append(buf, math.U256Bytes(model.AmountToBig(initialBalance))...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(challengePeriod))
	buf = binary.BigEndian.AppendUint64(buf, uint64(timelock))
	return buf, nil
}
