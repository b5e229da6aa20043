package dispatcher

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/gateway"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/gateway/gatewaytest"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/repository/repotest"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/service"
	bizerrors "github.com/eidos-exchange/eidos/eidos-bet/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/lock"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store    *repotest.Store
	gw       *gatewaytest.Gateway
	clock    *testClock
	bets     *service.BetService
	channels *service.ChannelService
	d        *Dispatcher
}

func newFixture(t *testing.T, cache DedupeCache) *fixture {
	t.Helper()

	clock := &testClock{t: baseTime}
	store := repotest.NewStore()
	store.Clock = func() int64 { return clock.Now().UnixMilli() }
	gw := gatewaytest.New()
	locker := lock.NewKeyedMutex()

	bets := service.NewBetService(store, gw, locker, service.BetServiceConfig{
		MinAmount:           decimal.NewFromInt(1),
		MinExpiryHorizon:    time.Minute,
		ActivationThreshold: 2,
	})
	bets.SetClock(clock.Now)
	channels := service.NewChannelService(store, gw, locker, service.ChannelServiceConfig{
		Enabled:         true,
		ChallengePeriod: time.Hour,
		Timelock:        7 * 24 * time.Hour,
	})
	channels.SetClock(clock.Now)

	d := New(store, bets, channels, cache, Config{Shards: 4, QueueSize: 16})
	d.SetClock(clock.Now)

	return &fixture{store: store, gw: gw, clock: clock, bets: bets, channels: channels, d: d}
}

// pendingBet 创建赌约并返回部署交易与合约地址
func (f *fixture) pendingBet(t *testing.T, group string) (*model.Bet, string, string) {
	t.Helper()
	ctx := context.Background()
	bet, err := f.bets.CreateBet(ctx, service.CreateBetParams{
		CreatorID:   "creator",
		Description: "rain tomorrow",
		GroupID:     group,
		Amount:      decimal.NewFromInt(100),
		ExpiryTime:  f.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	f.bets.Wait()

	stored, err := f.bets.GetBet(ctx, bet.BetID)
	require.NoError(t, err)
	require.NotEmpty(t, stored.DeployTxRef)
	for _, dep := range f.gw.Deploys() {
		if dep.TxRef == stored.DeployTxRef {
			return stored, dep.TxRef, dep.Address
		}
	}
	t.Fatalf("bet %s was not deployed", bet.BetID)
	return nil, "", ""
}

func deployed(txHash, address string, block int64) model.BetDeployed {
	return model.BetDeployed{
		EventMeta:       model.EventMeta{TxHash: txHash, BlockNumber: block},
		ContractAddress: address,
	}
}

func joined(txHash, address, participant string, block int64) model.BetJoined {
	return model.BetJoined{
		EventMeta:       model.EventMeta{TxHash: txHash, BlockNumber: block},
		ContractAddress: address,
		Participant:     participant,
		Amount:          decimal.NewFromInt(100),
	}
}

// activeBet 部署确认并由两名参与者加入
func (f *fixture) activeBet(t *testing.T) (*model.Bet, string) {
	t.Helper()
	ctx := context.Background()
	bet, deployTx, addr := f.pendingBet(t, "")

	for i, e := range []model.Event{
		deployed(deployTx, addr, 10),
		joined("0xjoin-alice", addr, "alice", 11),
		joined("0xjoin-bob", addr, "bob", 12),
	} {
		_, err := f.d.Ingest(ctx, e)
		require.NoError(t, err, "event %d", i)
	}

	active, err := f.bets.GetBet(ctx, bet.BetID)
	require.NoError(t, err)
	require.Equal(t, model.BetStatusActive, active.Status)
	return active, addr
}

func TestIngest_BetDeployment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	bet, deployTx, addr := f.pendingBet(t, "")

	res, err := f.d.Ingest(ctx, deployed(deployTx, addr, 10))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, deployTx+":BET_DEPLOYED", res.Key)
	assert.Equal(t, "bet:"+bet.BetID, res.Subject)

	stored, err := f.bets.GetBet(ctx, bet.BetID)
	require.NoError(t, err)
	assert.Equal(t, addr, stored.ContractAddress)
	assert.Equal(t, model.BetStatusPending, stored.Status)

	tx, err := f.store.Transactions().GetByTxHash(ctx, deployTx)
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusConfirmed, tx.Status)
	assert.Equal(t, baseTime.UnixMilli(), tx.ProcessedAt)
}

func TestIngest_JoinRecordsConfirmedTransaction(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	bet, _ := f.activeBet(t)

	assert.Equal(t, []string{"alice", "bob"}, bet.Participants)
	assert.Equal(t, 3, f.store.ProcessedCount())

	tx, err := f.store.Transactions().GetByTxHash(ctx, "0xjoin-alice")
	require.NoError(t, err)
	assert.Equal(t, model.TxTypeBetJoin, tx.Type)
	assert.Equal(t, model.TxStatusConfirmed, tx.Status)
	assert.Equal(t, bet.BetID, tx.BetID)
	assert.True(t, decimal.NewFromInt(100).Equal(tx.Amount))
}

// 重复投递的结算事件不产生任何变化
func TestIngest_DuplicateResolutionIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	bet, addr := f.activeBet(t)

	result, err := f.bets.ResolveBet(ctx, bet.BetID, "alice", "creator")
	require.NoError(t, err)
	require.True(t, result.Pending)

	event := model.BetResolved{
		EventMeta:       model.EventMeta{TxHash: result.TxRef, BlockNumber: 20},
		ContractAddress: addr,
		Winner:          "alice",
	}

	res, err := f.d.Ingest(ctx, event)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	resolved, err := f.bets.GetBet(ctx, bet.BetID)
	require.NoError(t, err)
	assert.Equal(t, model.BetStatusResolved, resolved.Status)
	assert.Equal(t, "alice", resolved.Winner)
	processed := f.store.ProcessedCount()

	res, err = f.d.Ingest(ctx, event)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	again, err := f.bets.GetBet(ctx, bet.BetID)
	require.NoError(t, err)
	assert.Equal(t, resolved.Version, again.Version)
	assert.Equal(t, processed, f.store.ProcessedCount())

	tx, err := f.store.Transactions().GetByTxHash(ctx, result.TxRef)
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusConfirmed, tx.Status)
}

type recordingSettler struct {
	mu     sync.Mutex
	hashes []string
}

func (s *recordingSettler) OnTxSettled(_ context.Context, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes = append(s.hashes, txHash)
	return nil
}

func (s *recordingSettler) settled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.hashes...)
}

// 本地发起的交易确认后回调, 链上直接发起的交易与重复事件不回调
func TestIngest_SettlesLocallyInitiatedTransactions(t *testing.T) {
	f := newFixture(t, nil)
	settler := &recordingSettler{}
	f.d.SetTxSettler(settler)
	ctx := context.Background()
	_, deployTx, addr := f.pendingBet(t, "")

	_, err := f.d.Ingest(ctx, deployed(deployTx, addr, 10))
	require.NoError(t, err)
	_, err = f.d.Ingest(ctx, joined("0xjoin-alice", addr, "alice", 11))
	require.NoError(t, err)
	res, err := f.d.Ingest(ctx, deployed(deployTx, addr, 10))
	require.NoError(t, err)
	require.True(t, res.Duplicate)

	assert.Equal(t, []string{deployTx}, settler.settled())
}

func TestIngest_UnknownSubjectIsRetryable(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.d.Ingest(context.Background(), joined("0xorphan", "0xnowhere", "alice", 5))
	require.Error(t, err)
	assert.True(t, bizerrors.Is(err, bizerrors.ErrUnknownSubject))
	assert.True(t, bizerrors.IsRetryable(err))
	assert.Equal(t, 0, f.store.ProcessedCount(), "retryable events must not be marked")
}

func TestIngest_RejectedEventIsMarkedFailed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	bet, addr := f.activeBet(t)
	before := f.store.ProcessedCount()

	event := model.BetResolved{
		EventMeta:       model.EventMeta{TxHash: "0xbad-resolve", BlockNumber: 30},
		ContractAddress: addr,
		Winner:          "mallory",
	}
	_, err := f.d.Ingest(ctx, event)
	require.Error(t, err)
	assert.True(t, bizerrors.Is(err, bizerrors.ErrUnknownWinner))
	assert.Equal(t, before+1, f.store.ProcessedCount())

	tx, err := f.store.Transactions().GetByTxHash(ctx, "0xbad-resolve")
	require.NoError(t, err)
	assert.Equal(t, model.TxStatusFailed, tx.Status)
	assert.Equal(t, model.TxTypeBetResolve, tx.Type)
	assert.Equal(t, bet.BetID, tx.BetID)
	assert.Contains(t, tx.FailureReason, "UNKNOWN_WINNER")

	// 已拒绝的事件再次投递视为重复
	res, err := f.d.Ingest(ctx, event)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	stored, err := f.bets.GetBet(ctx, bet.BetID)
	require.NoError(t, err)
	assert.Equal(t, model.BetStatusActive, stored.Status)
}

func TestIngest_InvalidEvent(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.d.Ingest(context.Background(), joined("", "0xabc", "alice", 1))
	assert.True(t, bizerrors.Is(err, bizerrors.ErrInvalidEvent))

	_, err = f.d.Ingest(context.Background(), model.ParticipantLeft{EventMeta: model.EventMeta{TxHash: "bot-1"}})
	assert.True(t, bizerrors.Is(err, bizerrors.ErrInvalidEvent))
}

func TestIngestBatch_OrdersBySubject(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	bet, deployTx, addr := f.pendingBet(t, "")

	// 到达顺序与链上顺序相反, 加入事件依赖部署确认后的地址
	events := []model.Event{
		joined("0xjoin-bob", addr, "bob", 12),
		joined("0xjoin-alice", addr, "alice", 11),
		joined("0xstray", "0xunknown", "carol", 11),
		deployed(deployTx, addr, 10),
	}
	results := f.d.IngestBatch(ctx, events)
	require.Len(t, results, 4)

	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.True(t, bizerrors.Is(results[2].Err, bizerrors.ErrUnknownSubject))
	assert.NoError(t, results[3].Err)
	assert.Equal(t, "0xjoin-bob:BET_JOINED", results[0].Key)

	stored, err := f.bets.GetBet(ctx, bet.BetID)
	require.NoError(t, err)
	assert.Equal(t, model.BetStatusActive, stored.Status)
	assert.Equal(t, []string{"alice", "bob"}, stored.Participants)
}

func TestIngest_ParticipantLeft(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	bet, deployTx, addr := f.pendingBet(t, "group-1")

	_, err := f.d.Ingest(ctx, deployed(deployTx, addr, 10))
	require.NoError(t, err)
	_, err = f.d.Ingest(ctx, joined("0xjoin-alice", addr, "alice", 11))
	require.NoError(t, err)

	left := model.ParticipantLeft{
		EventMeta: model.EventMeta{TxHash: "bot-update-77"},
		GroupID:   "group-1",
		UserID:    "alice",
	}
	res, err := f.d.Ingest(ctx, left)
	require.NoError(t, err)
	assert.Equal(t, "group:group-1", res.Subject)

	stored, err := f.bets.GetBet(ctx, bet.BetID)
	require.NoError(t, err)
	assert.Empty(t, stored.Participants)
	assert.Equal(t, model.BetStatusPending, stored.Status)

	res, err = f.d.Ingest(ctx, left)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestIngest_DedupeCacheShortCircuits(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	cache := NewRedisDedupeCache(rdb, time.Hour)

	f := newFixture(t, cache)
	ctx := context.Background()
	bet, deployTx, addr := f.pendingBet(t, "")

	event := deployed(deployTx, addr, 10)
	_, err = f.d.Ingest(ctx, event)
	require.NoError(t, err)

	seen, err := cache.Seen(ctx, model.Identity(event))
	require.NoError(t, err)
	assert.True(t, seen)

	// 缓存命中时不再访问状态机
	join := joined("0xjoin-alice", addr, "alice", 11)
	require.NoError(t, cache.Mark(ctx, model.Identity(join)))
	res, err := f.d.Ingest(ctx, join)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	stored, err := f.bets.GetBet(ctx, bet.BetID)
	require.NoError(t, err)
	assert.Empty(t, stored.Participants)
}

func TestIngest_CacheUnavailableFallsBackToStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	mr.Close()

	f := newFixture(t, NewRedisDedupeCache(rdb, time.Hour))
	ctx := context.Background()
	_, deployTx, addr := f.pendingBet(t, "")

	_, err = f.d.Ingest(ctx, deployed(deployTx, addr, 10))
	require.NoError(t, err)

	res, err := f.d.Ingest(ctx, deployed(deployTx, addr, 10))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestDispatcher_StartStop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	type deployment struct {
		bet  *model.Bet
		tx   string
		addr string
	}
	var deployments []deployment
	for i := 0; i < 6; i++ {
		bet, tx, addr := f.pendingBet(t, fmt.Sprintf("group-%d", i))
		deployments = append(deployments, deployment{bet, tx, addr})
	}

	f.d.Start(ctx)

	var wg sync.WaitGroup
	errs := make([]error, len(deployments))
	for i, dep := range deployments {
		i, dep := i, dep
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.d.Ingest(ctx, deployed(dep.tx, dep.addr, int64(10+i)))
		}()
	}
	wg.Wait()
	f.d.Stop()

	for i, err := range errs {
		assert.NoError(t, err, "deployment %d", i)
	}
	assert.Equal(t, len(deployments), f.store.ProcessedCount())

	// 停止后回到同步处理
	res, err := f.d.Ingest(ctx, joined("0xjoin-late", deployments[0].addr, "alice", 50))
	require.NoError(t, err)
	assert.Equal(t, "bet:"+deployments[0].bet.BetID, res.Subject)

	f.d.Stop()
}

func TestShardOf_Stable(t *testing.T) {
	a := shardOf("0xabc", 8)
	assert.Equal(t, a, shardOf("0xabc", 8))
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 8)

	assert.Equal(t, routingKey(joined("0x1", "0xABC", "x", 1)), routingKey(joined("0x2", " 0xabc", "y", 2)))
}

// ---- channels ----

type channelParties struct {
	keyA, keyB   *ecdsa.PrivateKey
	addrA, addrB string
}

func newParties(t *testing.T) channelParties {
	t.Helper()
	keyA, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyB, err := crypto.GenerateKey()
	require.NoError(t, err)
	return channelParties{
		keyA:  keyA,
		keyB:  keyB,
		addrA: crypto.PubkeyToAddress(keyA.PublicKey).Hex(),
		addrB: crypto.PubkeyToAddress(keyB.PublicKey).Hex(),
	}
}

func (p channelParties) signed(t *testing.T, ch *model.PaymentChannel, a, b int64, seqno uint64) model.SignedState {
	t.Helper()
	digest, err := gateway.DigestFor(ch.ChannelAddress, decimal.NewFromInt(a), decimal.NewFromInt(b), seqno)
	require.NoError(t, err)
	sigA, err := gateway.SignDigest(digest, p.keyA)
	require.NoError(t, err)
	sigB, err := gateway.SignDigest(digest, p.keyB)
	require.NoError(t, err)
	return model.SignedState{
		BalanceA:   decimal.NewFromInt(a),
		BalanceB:   decimal.NewFromInt(b),
		Seqno:      seqno,
		SignatureA: sigA,
		SignatureB: sigB,
	}
}

// openChannel 通过部署确认事件开通通道
func (f *fixture) openChannel(t *testing.T, p channelParties) *model.PaymentChannel {
	t.Helper()
	ctx := context.Background()
	ch, err := f.channels.CreateChannel(ctx, service.CreateChannelParams{
		UserID:              "user-a",
		UserAddress:         p.addrA,
		CounterpartyAddress: p.addrB,
		InitialBalance:      decimal.NewFromInt(1000),
	})
	require.NoError(t, err)
	f.channels.Wait()

	stored, err := f.channels.GetChannel(ctx, ch.ChannelID)
	require.NoError(t, err)
	var addr string
	for _, dep := range f.gw.Deploys() {
		if dep.TxRef == stored.DeployTxRef {
			addr = dep.Address
		}
	}
	require.NotEmpty(t, addr)

	_, err = f.d.Ingest(ctx, model.ChannelDeployed{
		EventMeta:       model.EventMeta{TxHash: stored.DeployTxRef, BlockNumber: 100},
		ContractAddress: addr,
	})
	require.NoError(t, err)

	opened, err := f.channels.GetChannel(ctx, ch.ChannelID)
	require.NoError(t, err)
	require.Equal(t, model.ChannelStatusOpen, opened.Status)
	return opened
}

func TestIngest_ChannelCooperativeClose(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ch := f.openChannel(t, newParties(t))

	_, err := f.d.Ingest(ctx, model.ChannelClosed{
		EventMeta:       model.EventMeta{TxHash: "0xclose", BlockNumber: 120},
		ContractAddress: ch.ChannelAddress,
		Final:           model.FinalState{BalanceA: decimal.NewFromInt(400), BalanceB: decimal.NewFromInt(600), Seqno: 3},
		Cooperative:     true,
	})
	require.NoError(t, err)

	closed, err := f.channels.GetChannel(ctx, ch.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelStatusClosed, closed.Status)
	assert.True(t, decimal.NewFromInt(400).Equal(closed.CurrentBalanceA))
	assert.Equal(t, uint64(3), closed.FinalSeqno)

	tx, err := f.store.Transactions().GetByTxHash(ctx, "0xclose")
	require.NoError(t, err)
	assert.Equal(t, model.TxTypeChannelClose, tx.Type)
	assert.Equal(t, ch.ChannelID, tx.ChannelID)
}

// 挑战期内的超时关闭事件延后处理, 不标记为已处理
func TestIngest_TimeoutCloseDeferredUntilWindowEnds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := newParties(t)
	ch := f.openChannel(t, p)

	closing, err := f.channels.RequestUncooperativeClose(ctx, ch.ChannelID, p.addrA, p.signed(t, ch, 700, 300, 2))
	require.NoError(t, err)
	require.Equal(t, model.ChannelStatusClosing, closing.Status)
	before := f.store.ProcessedCount()

	event := model.ChannelClosed{
		EventMeta:       model.EventMeta{TxHash: "0xtimeout", BlockNumber: 200},
		ContractAddress: ch.ChannelAddress,
	}
	_, err = f.d.Ingest(ctx, event)
	require.Error(t, err)
	assert.True(t, bizerrors.Is(err, bizerrors.ErrChallengeWindowOpen))
	assert.Equal(t, before, f.store.ProcessedCount())

	f.clock.Advance(time.Hour + time.Second)
	_, err = f.d.Ingest(ctx, event)
	require.NoError(t, err)

	closed, err := f.channels.GetChannel(ctx, ch.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelStatusClosed, closed.Status)
	assert.True(t, decimal.NewFromInt(700).Equal(closed.CurrentBalanceA))
	assert.True(t, decimal.NewFromInt(300).Equal(closed.CurrentBalanceB))
	assert.Equal(t, uint64(2), closed.FinalSeqno)
}

func TestIngest_DisputeAdjudicated(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := newParties(t)
	ch := f.openChannel(t, p)

	_, err := f.channels.RequestUncooperativeClose(ctx, ch.ChannelID, p.addrA, p.signed(t, ch, 800, 200, 5))
	require.NoError(t, err)
	_, err = f.channels.FileDispute(ctx, ch.ChannelID, p.addrB, p.signed(t, ch, 300, 700, 7))
	require.NoError(t, err)

	_, err = f.d.Ingest(ctx, model.DisputeAdjudicated{
		EventMeta:       model.EventMeta{TxHash: "0xadjudicate", BlockNumber: 300},
		ContractAddress: ch.ChannelAddress,
		Resolution:      model.DisputeResolutionUpheld,
		Final:           model.FinalState{BalanceA: decimal.NewFromInt(300), BalanceB: decimal.NewFromInt(700), Seqno: 7},
	})
	require.NoError(t, err)

	closed, err := f.channels.GetChannel(ctx, ch.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelStatusClosed, closed.Status)
	assert.True(t, decimal.NewFromInt(700).Equal(closed.CurrentBalanceB))

	disputes, err := f.channels.ListDisputes(ctx, ch.ChannelID)
	require.NoError(t, err)
	require.Len(t, disputes, 1)
	assert.Equal(t, model.DisputeResolutionUpheld, disputes[0].Resolution)
}

// 裁决事件不带最终状态时, 驳回争议按原关闭请求结算
func TestIngest_DisputeOverruledWithoutFinalState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := newParties(t)
	ch := f.openChannel(t, p)

	_, err := f.channels.RequestUncooperativeClose(ctx, ch.ChannelID, p.addrA, p.signed(t, ch, 600, 400, 5))
	require.NoError(t, err)
	_, err = f.channels.FileDispute(ctx, ch.ChannelID, p.addrB, p.signed(t, ch, 300, 700, 7))
	require.NoError(t, err)

	_, err = f.d.Ingest(ctx, model.DisputeAdjudicated{
		EventMeta:       model.EventMeta{TxHash: "0xoverrule", BlockNumber: 300},
		ContractAddress: ch.ChannelAddress,
		Resolution:      model.DisputeResolutionOverruled,
	})
	require.NoError(t, err)

	closed, err := f.channels.GetChannel(ctx, ch.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelStatusClosed, closed.Status)
	assert.True(t, decimal.NewFromInt(600).Equal(closed.CurrentBalanceA))
	assert.True(t, decimal.NewFromInt(400).Equal(closed.CurrentBalanceB))
	assert.Equal(t, uint64(5), closed.FinalSeqno)
}
