package gateway

import (
	"encoding/binary"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
)

const channelAddr = "0x00000000000000000000000000000000000000c1"

func TestStateDigest_Layout(t *testing.T) {
	d1, err := StateDigest(channelAddr, big.NewInt(600), big.NewInt(400), 1)
	require.NoError(t, err)
	assert.Len(t, d1, 32)

	// 地址大小写不影响哈希
	d2, err := StateDigest("0x"+strings.ToUpper(channelAddr[2:]), big.NewInt(600), big.NewInt(400), 1)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	// 任一字段变化都改变哈希
	d3, err := StateDigest(channelAddr, big.NewInt(600), big.NewInt(400), 2)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
	d4, err := StateDigest(channelAddr, big.NewInt(400), big.NewInt(600), 1)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d4)

	_, err = StateDigest("not-an-address", big.NewInt(1), big.NewInt(1), 1)
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = StateDigest(channelAddr, big.NewInt(-1), big.NewInt(1), 1)
	assert.ErrorIs(t, err, ErrAmountOverflow)
}

func TestSignAndVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey).Hex()

	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	digest, err := DigestFor(channelAddr, decimal.NewFromInt(600), decimal.NewFromInt(400), 1)
	require.NoError(t, err)

	sig, err := SignDigest(digest, key)
	require.NoError(t, err)
	assert.Contains(t, []byte{27, 28}, sig[64])

	ok, err := VerifySignature(digest, sig, strings.ToLower(signer))
	require.NoError(t, err)
	assert.True(t, ok)

	// v = 0/1 同样接受
	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	ok, err = VerifySignature(digest, raw, signer)
	require.NoError(t, err)
	assert.True(t, ok)

	// 其他人的地址
	ok, err = VerifySignature(digest, sig, crypto.PubkeyToAddress(other.PublicKey).Hex())
	require.NoError(t, err)
	assert.False(t, ok)

	// 签名的是另一个状态
	otherDigest, err := DigestFor(channelAddr, decimal.NewFromInt(700), decimal.NewFromInt(300), 1)
	require.NoError(t, err)
	ok, err = VerifySignature(otherDigest, sig, signer)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifySignature(digest, sig[:64], signer)
	assert.ErrorIs(t, err, ErrInvalidSignatureLength)
}

func TestStateHash(t *testing.T) {
	h, err := StateHash(channelAddr, decimal.NewFromInt(1), decimal.NewFromInt(2), 3)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h, "0x"))
	assert.Len(t, h, 66)
}

func TestEncodeStatePayload(t *testing.T) {
	state := &model.SignedState{
		BalanceA:   decimal.NewFromInt(300),
		BalanceB:   decimal.NewFromInt(700),
		Seqno:      7,
		SignatureA: make([]byte, SignatureLength),
		SignatureB: make([]byte, SignatureLength),
	}

	payload, err := EncodeStatePayload(OpDispute, state)
	require.NoError(t, err)
	require.Len(t, payload, 4+32+32+8+2*SignatureLength)

	assert.Equal(t, uint32(OpDispute), binary.BigEndian.Uint32(payload[:4]))
	assert.Equal(t, int64(300), new(big.Int).SetBytes(payload[4:36]).Int64())
	assert.Equal(t, int64(700), new(big.Int).SetBytes(payload[36:68]).Int64())
	assert.Equal(t, uint64(7), binary.BigEndian.Uint64(payload[68:76]))

	state.SignatureB = nil
	_, err = EncodeStatePayload(OpDispute, state)
	assert.ErrorIs(t, err, ErrInvalidSignatureLength)
}

func TestEncodeResolvePayload(t *testing.T) {
	payload := EncodeResolvePayload("alice")
	assert.Equal(t, uint32(OpResolve), binary.BigEndian.Uint32(payload[:4]))
	assert.Equal(t, uint16(5), binary.BigEndian.Uint16(payload[4:6]))
	assert.Equal(t, "alice", string(payload[6:]))
}

func TestEncodeChannelInit_InvalidParty(t *testing.T) {
	_, err := EncodeChannelInit("ch-1", "bob", channelAddr, decimal.NewFromInt(1), 60, 60)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestOpcode_String(t *testing.T) {
	assert.Equal(t, "join", OpJoin.String())
	assert.Equal(t, "dispute", OpDispute.String())
	assert.Equal(t, "unknown", Opcode(99).String())
}
