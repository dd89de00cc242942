package solana

import (
	"context"
	"testing"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStubRPC_SignaturePaging(t *testing.T) {
	s := NewStubRPCClient()
	for _, sig := range []Signature{"s1", "s2", "s3"} {
		s.AddTransaction("leader", TransactionDetail{Signature: sig})
	}

	page, err := s.GetSignaturesForAddress(context.Background(), "leader", 2, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, Signature("s3"), page[0].Signature, "newest first")

	rest, err := s.GetSignaturesForAddress(context.Background(), "leader", 10, page[1].Signature)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, Signature("s1"), rest[0].Signature)
}

func TestStubRPC_SendAndConfirm(t *testing.T) {
	s := NewStubRPCClient()
	s.QueueSendErrors(domain.E(domain.KindTransientNetwork, "send", ErrBlockhashNotFound))

	_, err := s.SendTransaction(context.Background(), "tx")
	assert.ErrorIs(t, err, ErrBlockhashNotFound)

	sig, err := s.Broadcast(context.Background(), "tx")
	require.NoError(t, err)

	st, err := s.ConfirmTransaction(context.Background(), sig, time.Second)
	require.NoError(t, err)
	assert.True(t, st.Confirmed())
	assert.Len(t, s.Sent(), 2)
}

func TestStubRPC_FailNext(t *testing.T) {
	s := NewStubRPCClient()
	s.SetFailNext(nil)
	assert.Error(t, s.Health(context.Background()))
	assert.NoError(t, s.Health(context.Background()))
}

func TestStubRPC_ConfirmUnknown(t *testing.T) {
	s := NewStubRPCClient()
	_, err := s.ConfirmTransaction(context.Background(), "nope", time.Second)
	assert.Equal(t, domain.KindSignatureUnknown, domain.KindOf(err))
}
