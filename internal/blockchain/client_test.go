package blockchain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRPCServer 最小 JSON-RPC 节点, 只实现客户端用到的方法
func newRPCServer(t *testing.T, blockNumber string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result interface{}
		switch req.Method {
		case "eth_chainId":
			result = "0x7a69"
		case "eth_blockNumber":
			result = blockNumber
		case "eth_getTransactionCount":
			result = "0x5"
		default:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]interface{}{"code": -32601, "message": "method not found"},
			})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClient_Validation(t *testing.T) {
	t.Run("empty RPC URLs", func(t *testing.T) {
		_, err := NewClient(&ClientConfig{ChainID: 31337})
		assert.ErrorIs(t, err, ErrNoRPCURL)

		_, err = NewClient(&ClientConfig{ChainID: 31337, RPCURLs: []string{""}})
		assert.ErrorIs(t, err, ErrNoRPCURL)
	})

	t.Run("invalid private key", func(t *testing.T) {
		_, err := NewClient(&ClientConfig{
			ChainID:    31337,
			PrivateKey: "invalid-key",
			RPCURLs:    []string{"http://localhost:8545"},
		})
		assert.Error(t, err)
	})

	t.Run("private key with 0x prefix", func(t *testing.T) {
		c, err := NewClient(&ClientConfig{
			ChainID:    31337,
			PrivateKey: "0x0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			RPCURLs:    []string{"http://localhost:8545"},
		})
		require.NoError(t, err)
		assert.True(t, c.HasSigner())
		assert.NotEqual(t, [20]byte{}, [20]byte(c.Address()))
	})

	t.Run("defaults", func(t *testing.T) {
		c, err := NewClient(&ClientConfig{RPCURLs: []string{"http://localhost:8545"}})
		require.NoError(t, err)
		assert.Equal(t, 3, c.maxRetries)
		assert.Equal(t, time.Second, c.retryInterval)
		assert.Equal(t, 30*time.Second, c.healthCheckFreq)
		assert.False(t, c.HasSigner())
	})
}

func TestClient_SignTransactionWithoutKey(t *testing.T) {
	c, err := NewClient(&ClientConfig{RPCURLs: []string{"http://localhost:8545"}})
	require.NoError(t, err)

	_, err = c.SignTransaction(nil)
	assert.ErrorIs(t, err, ErrPrivateKeyMissing)
}

func TestClient_FailoverToBackup(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer broken.Close()
	healthy := newRPCServer(t, "0x10")

	c, err := NewClient(&ClientConfig{
		ChainID:       31337,
		RPCURLs:       []string{broken.URL, healthy.URL},
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	n, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(16), n)

	c.mu.RLock()
	assert.False(t, c.endpoints[0].IsHealthy)
	assert.True(t, c.endpoints[1].IsHealthy)
	c.mu.RUnlock()
	assert.NoError(t, c.HealthCheck(context.Background()))
}

func TestClient_AllEndpointsDown(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	c, err := NewClient(&ClientConfig{
		RPCURLs:       []string{broken.URL},
		MaxRetries:    2,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)

	_, err = c.BlockNumber(context.Background())
	assert.ErrorIs(t, err, ErrNoHealthyRPC)
}

func TestIsTransportError(t *testing.T) {
	assert.False(t, isTransportError(ethereum.NotFound))
	assert.False(t, isTransportError(context.Canceled))
	assert.False(t, isTransportError(rpcCodeError{}))
	assert.True(t, isTransportError(assert.AnError))
}

type rpcCodeError struct{}

func (rpcCodeError) Error() string  { return "nonce too low" }
func (rpcCodeError) ErrorCode() int { return -32000 }
