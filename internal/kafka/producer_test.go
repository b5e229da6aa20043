package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
	bizerrors "github.com/eidos-exchange/eidos/eidos-bet/pkg/errors"
)

func headerValue(headers []sarama.RecordHeader, key string) string {
	for _, h := range headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestProducer_PublishBetChanged(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	p := NewProducerWithSyncProducer(sp, Topics{})

	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, TopicBetChanged, msg.Topic)
		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, "bet-1", string(key))

		value, err := msg.Value.Encode()
		require.NoError(t, err)
		var decoded BetChanged
		require.NoError(t, json.Unmarshal(value, &decoded))
		assert.Equal(t, "ACTIVE", decoded.Status)
		assert.Equal(t, []string{"alice"}, decoded.Participants)
		assert.True(t, decimal.NewFromInt(100).Equal(decoded.Amount))
		return nil
	})

	err := p.PublishBetChanged(context.Background(), &model.Bet{
		BetID:        "bet-1",
		Status:       model.BetStatusActive,
		Participants: []string{"alice"},
		Amount:       decimal.NewFromInt(100),
		Version:      3,
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestProducer_PublishChannelChanged(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	p := NewProducerWithSyncProducer(sp, Topics{ChannelChanged: "custom-channels"})

	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "custom-channels", msg.Topic)
		value, err := msg.Value.Encode()
		require.NoError(t, err)
		var decoded ChannelChanged
		require.NoError(t, json.Unmarshal(value, &decoded))
		assert.Equal(t, "CLOSING", decoded.Status)
		assert.Equal(t, "UNCOOPERATIVE", decoded.CloseKind)
		assert.Equal(t, uint64(5), decoded.Seqno)
		assert.True(t, decimal.NewFromInt(2).Equal(decoded.Transacted))
		return nil
	})

	err := p.PublishChannelChanged(context.Background(), &model.PaymentChannel{
		ChannelID:        "ch-1",
		Status:           model.ChannelStatusClosing,
		Seqno:            5,
		CloseRequestedAt: 1,
		CloseKind:        model.CloseKindUncooperative,
		InitialBalance:   decimal.NewFromInt(3),
		CurrentBalanceA:  decimal.NewFromInt(1),
		CurrentBalanceB:  decimal.NewFromInt(2),
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestProducer_SendDeadLetter(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	p := NewProducerWithSyncProducer(sp, Topics{})

	src := &sarama.ConsumerMessage{
		Topic:     TopicChainEvents,
		Partition: 2,
		Offset:    41,
		Key:       []byte("0xabc"),
		Value:     []byte(`{"type":"BET_JOINED"}`),
	}
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, TopicDeadLetter, msg.Topic)
		value, err := msg.Value.Encode()
		require.NoError(t, err)
		assert.Equal(t, src.Value, value)
		assert.Equal(t, "UNKNOWN_SUBJECT", headerValue(msg.Headers, HeaderErrorCode))
		assert.Equal(t, TopicChainEvents, headerValue(msg.Headers, HeaderSourceTopic))
		assert.Equal(t, "2", headerValue(msg.Headers, HeaderSourcePartition))
		assert.Equal(t, "41", headerValue(msg.Headers, HeaderSourceOffset))
		return nil
	})

	require.NoError(t, p.SendDeadLetter(context.Background(), src, bizerrors.ErrUnknownSubject))
	require.NoError(t, p.Close())
}

func TestProducer_SendFailureAndClose(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	p := NewProducerWithSyncProducer(sp, Topics{})

	boom := errors.New("broker down")
	sp.ExpectSendMessageAndFail(boom)
	err := p.PublishBetChanged(context.Background(), &model.Bet{BetID: "bet-1"})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.PublishBetChanged(context.Background(), &model.Bet{BetID: "bet-1"}), ErrProducerClosed)
}
