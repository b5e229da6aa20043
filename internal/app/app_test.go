package app

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/config"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/gateway"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/lock"
)

func TestContractBytecode(t *testing.T) {
	code, err := contractBytecode(config.ContractsConfig{
		Bet:            "0x6080",
		PaymentChannel: "60806040",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x80}, code[gateway.ContractBet])
	assert.Equal(t, []byte{0x60, 0x80, 0x60, 0x40}, code[gateway.ContractPaymentChannel])
}

func TestContractBytecode_SkipsEmpty(t *testing.T) {
	code, err := contractBytecode(config.ContractsConfig{Bet: "0x6080"})
	require.NoError(t, err)
	assert.Len(t, code, 1)
	_, ok := code[gateway.ContractPaymentChannel]
	assert.False(t, ok)
}

func TestContractBytecode_Invalid(t *testing.T) {
	_, err := contractBytecode(config.ContractsConfig{Bet: "0x608"})
	assert.Error(t, err)

	_, err = contractBytecode(config.ContractsConfig{PaymentChannel: "zz"})
	assert.Error(t, err)
}

func TestNewSubjectLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	_, ok := newSubjectLocker(&config.LockConfig{}, rdb).(*lock.KeyedMutex)
	assert.True(t, ok)

	_, ok = newSubjectLocker(&config.LockConfig{Enabled: true}, rdb).(*lock.RedisLocker)
	assert.True(t, ok)
}

func TestRedisOptions(t *testing.T) {
	opts := redisOptions(&config.RedisConfig{Password: "pw", PoolSize: 8})
	assert.Equal(t, []string{"localhost:6379"}, opts.Addrs)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 8, opts.PoolSize)

	opts = redisOptions(&config.RedisConfig{Addresses: []string{"a:1", "b:2"}})
	assert.Equal(t, []string{"a:1", "b:2"}, opts.Addrs)
}
