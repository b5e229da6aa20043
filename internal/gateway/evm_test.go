package gateway

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bizerrors "github.com/eidos-exchange/eidos/eidos-bet/pkg/errors"
)

type fakeEVMClient struct {
	mu      sync.Mutex
	from    common.Address
	sent    []*types.Transaction
	sendErr error
	callOut []byte
}

func newFakeEVMClient(t *testing.T) *fakeEVMClient {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &fakeEVMClient{from: crypto.PubkeyToAddress(key.PublicKey)}
}

func (c *fakeEVMClient) Address() common.Address { return c.from }

func (c *fakeEVMClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *fakeEVMClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, tx)
	return nil
}

func (c *fakeEVMClient) SignTransaction(tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}

func (c *fakeEVMClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.callOut, nil
}

type fakeNonces struct {
	mu        sync.Mutex
	next      uint64
	confirmed map[uint64]string
	released  []uint64
}

func (n *fakeNonces) AcquireNonce(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v := n.next
	n.next++
	return v, nil
}

func (n *fakeNonces) ConfirmNonce(ctx context.Context, nonce uint64, txHash string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.confirmed == nil {
		n.confirmed = make(map[uint64]string)
	}
	n.confirmed[nonce] = txHash
	return nil
}

func (n *fakeNonces) ReleaseNonce(ctx context.Context, nonce uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.released = append(n.released, nonce)
	n.next = nonce
	return nil
}

func newTestGateway(t *testing.T) (*EVMGateway, *fakeEVMClient, *fakeNonces) {
	client := newFakeEVMClient(t)
	nonces := &fakeNonces{next: 4}
	g := NewEVMGateway(client, nonces, &EVMConfig{
		Bytecode: map[ContractKind][]byte{
			ContractBet: {0x60, 0x80},
		},
		GasLimit: 300000,
	})
	return g, client, nonces
}

func TestEVMGateway_DeployPredictsAddress(t *testing.T) {
	g, client, nonces := newTestGateway(t)

	res, err := g.Deploy(context.Background(), ContractBet, []byte{0x01})
	require.NoError(t, err)

	want := strings.ToLower(crypto.CreateAddress(client.from, 4).Hex())
	assert.Equal(t, want, res.Address)

	require.Len(t, client.sent, 1)
	tx := client.sent[0]
	assert.Nil(t, tx.To())
	assert.Equal(t, []byte{0x60, 0x80, 0x01}, tx.Data())
	assert.Equal(t, uint64(300000), tx.Gas())
	assert.Equal(t, tx.Hash().Hex(), res.TxRef)
	assert.Equal(t, res.TxRef, nonces.confirmed[4])
}

func TestEVMGateway_DeployWithoutBytecode(t *testing.T) {
	g, client, _ := newTestGateway(t)

	_, err := g.Deploy(context.Background(), ContractPaymentChannel, nil)
	assert.True(t, bizerrors.Is(err, bizerrors.ErrChainGatewayFailure))
	assert.Empty(t, client.sent)
}

func TestEVMGateway_SubmitFailureReleasesNonce(t *testing.T) {
	g, client, nonces := newTestGateway(t)
	client.sendErr = errors.New("connection refused")

	_, err := g.Submit(context.Background(), channelAddr, OpResolve, EncodeResolvePayload("bob"), nil)

	require.Error(t, err)
	assert.True(t, bizerrors.Is(err, bizerrors.ErrChainGatewayFailure))
	assert.True(t, bizerrors.IsRetryable(err))
	assert.Equal(t, []uint64{4}, nonces.released)
	assert.Empty(t, nonces.confirmed)
}

func TestEVMGateway_Submit(t *testing.T) {
	g, client, _ := newTestGateway(t)
	payload := EncodeJoinPayload("carol")

	txRef, err := g.Submit(context.Background(), channelAddr, OpJoin, payload, big.NewInt(10))
	require.NoError(t, err)

	require.Len(t, client.sent, 1)
	tx := client.sent[0]
	assert.Equal(t, txRef, tx.Hash().Hex())
	assert.Equal(t, common.HexToAddress(channelAddr), *tx.To())
	assert.Equal(t, payload, tx.Data())
	assert.Equal(t, int64(10), tx.Value().Int64())

	_, err = g.Submit(context.Background(), "bogus", OpJoin, payload, nil)
	assert.True(t, bizerrors.Is(err, bizerrors.ErrChainGatewayFailure))
}

func TestEVMGateway_QueryState(t *testing.T) {
	g, client, _ := newTestGateway(t)
	client.callOut = []byte{0xaa}

	out, err := g.QueryState(context.Background(), channelAddr)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa}, out)
}

func TestEVMGateway_VerifySignatureMalformed(t *testing.T) {
	g, _, _ := newTestGateway(t)

	ok, err := g.VerifySignature(make([]byte, 32), []byte{1, 2, 3}, channelAddr)
	assert.NoError(t, err)
	assert.False(t, ok)
}
