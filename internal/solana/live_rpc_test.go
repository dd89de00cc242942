package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rpcResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result})
}

func rpcErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"error":   map[string]any{"code": code, "message": msg},
	})
}

func newTestRPCServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *LiveRPCClient) {
	t.Helper()
	server := httptest.NewServer(handler)
	client := NewLiveRPCClient(RPCConfig{
		Endpoint:        server.URL,
		Timeout:         5 * time.Second,
		MaxRetries:      1,
		RateLimitRPS:    100,
		ConfirmInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func TestLiveRPC_Health(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(w, "ok")
	})

	require.NoError(t, client.Health(context.Background()))
	stats := client.Stats()
	require.Len(t, stats.Endpoints, 1)
	assert.Equal(t, int64(1), stats.Endpoints[0].RequestCount)
}

func TestLiveRPC_GetBalance(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(w, map[string]any{"value": 5_000_000_000})
	})

	bal, err := client.GetBalance(context.Background(), Pubkey("wallet"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000_000), bal)
	assert.Equal(t, "5", LamportsToSOL(bal).String())
}

func TestLiveRPC_GetTokenInfo(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(w, map[string]any{
			"value": map[string]any{
				"data": map[string]any{
					"parsed": map[string]any{
						"info": map[string]any{
							"decimals":        6,
							"supply":          "1000000000000",
							"mintAuthority":   "SomeAuthority",
							"freezeAuthority": nil,
						},
					},
				},
			},
		})
	})

	info, err := client.GetTokenInfo(context.Background(), Pubkey("mint"))
	require.NoError(t, err)
	assert.Equal(t, uint8(6), info.Decimals)
	assert.False(t, info.IsMintRenounced())
	assert.True(t, info.IsFreezeRenounced())
}

func TestLiveRPC_GetTokenInfo_NotFound(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(w, map[string]any{"value": nil})
	})

	_, err := client.GetTokenInfo(context.Background(), Pubkey("mint"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLiveRPC_GetTopHolders(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)

		if req.Method == "getTokenLargestAccounts" {
			rpcResult(w, map[string]any{
				"value": []map[string]any{
					{"address": "holder1", "amount": "500000"},
					{"address": "holder2", "amount": "300000"},
				},
			})
			return
		}
		rpcResult(w, map[string]any{
			"value": map[string]any{
				"data": map[string]any{
					"parsed": map[string]any{"info": map[string]any{"decimals": 9, "supply": "1000000"}},
				},
			},
		})
	})

	holders, err := client.GetTopHolders(context.Background(), Pubkey("mint"), 5)
	require.NoError(t, err)
	require.Len(t, holders, 2)
	assert.Equal(t, Pubkey("holder1"), holders[0].Address)
	assert.InDelta(t, 50.0, holders[0].Percentage, 1e-9)
}

func TestLiveRPC_GetSignaturesForAddress(t *testing.T) {
	var gotParams []any
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotParams = req.Params
		rpcResult(w, []map[string]any{
			{"signature": "sig2", "slot": 11, "blockTime": 1700000010, "err": nil},
			{"signature": "sig1", "slot": 10, "blockTime": nil, "err": map[string]any{"InstructionError": []any{0, "x"}}},
		})
	})

	sigs, err := client.GetSignaturesForAddress(context.Background(), Pubkey("leader"), 20, Signature("sig3"))
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.Equal(t, Signature("sig2"), sigs[0].Signature)
	assert.False(t, sigs[0].Failed)
	assert.True(t, sigs[1].Failed)
	assert.True(t, sigs[1].BlockTime.IsZero())

	opts := gotParams[1].(map[string]any)
	assert.Equal(t, "sig3", opts["before"])
	assert.EqualValues(t, 20, opts["limit"])
}

func TestLiveRPC_GetTransaction_V0WithLookupTables(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		opts := req.Params[1].(map[string]any)
		assert.EqualValues(t, 0, opts["maxSupportedTransactionVersion"])

		rpcResult(w, map[string]any{
			"slot":      123,
			"blockTime": 1700000000,
			"meta": map[string]any{
				"err":          nil,
				"preBalances":  []uint64{2_000_000_000, 0, 0},
				"postBalances": []uint64{1_950_000_000, 0, 0},
				"preTokenBalances": []map[string]any{
					{"accountIndex": 2, "mint": "MintT", "owner": "leader", "uiTokenAmount": map[string]any{"amount": "0", "decimals": 6}},
				},
				"postTokenBalances": []map[string]any{
					{"accountIndex": 2, "mint": "MintT", "owner": "leader", "uiTokenAmount": map[string]any{"amount": "100000000", "decimals": 6}},
				},
				"loadedAddresses": map[string]any{"writable": []string{"lut-w"}, "readonly": []string{"lut-r"}},
			},
			"transaction": map[string]any{
				"message": map[string]any{"accountKeys": []string{"leader", "program"}},
			},
		})
	})

	tx, err := client.GetTransaction(context.Background(), Signature("sig"))
	require.NoError(t, err)
	assert.Equal(t, []Pubkey{"leader", "program", "lut-w", "lut-r"}, tx.AccountKeys)
	assert.Equal(t, int64(-50_000_000), tx.SOLDelta("leader"))
	assert.Equal(t, map[Pubkey]int64{"MintT": 100_000_000}, tx.TokenDeltas("leader"))
}

func TestLiveRPC_GetTransaction_Null(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(w, nil)
	})

	_, err := client.GetTransaction(context.Background(), Signature("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLiveRPC_SendTransaction_Options(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		opts := req.Params[1].(map[string]any)
		assert.Equal(t, false, opts["skipPreflight"])
		assert.EqualValues(t, 0, opts["maxRetries"])
		assert.Equal(t, "base64", opts["encoding"])
		rpcResult(w, "5VERv8NMvzbJ")
	})

	sig, err := client.SendTransaction(context.Background(), "base64-tx")
	require.NoError(t, err)
	assert.Equal(t, Signature("5VERv8NMvzbJ"), sig)
}

func TestLiveRPC_GetSignatureStatuses(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(w, map[string]any{
			"value": []any{
				map[string]any{"slot": 5, "confirmationStatus": "confirmed", "err": nil},
				nil,
				map[string]any{"slot": 6, "confirmationStatus": "confirmed", "err": map[string]any{"InstructionError": []any{2, map[string]any{"Custom": 6001}}}},
			},
		})
	})

	st, err := client.GetSignatureStatuses(context.Background(), []Signature{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, st, 3)
	assert.True(t, st[0].Confirmed())
	assert.False(t, st[1].Found)
	assert.True(t, st[2].Failed())
}

func TestLiveRPC_RetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("internal error"))
			return
		}
		rpcResult(w, "ok")
	})

	require.NoError(t, client.Health(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestLiveRPC_RPCErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		code int
		msg  string
		kind domain.Kind
		is   error
	}{
		{"blockhash", -32002, "Transaction simulation failed: Blockhash not found", domain.KindTransientNetwork, ErrBlockhashNotFound},
		{"node behind", -32005, "Node is behind by 42 slots", domain.KindTransientNetwork, ErrNodeBehind},
		{"slippage", -32002, "custom program error: 0x1771", domain.KindSlippageExceeded, nil},
		{"funds", -32002, "Attempt to debit an account but found no record of a prior credit. insufficient funds", domain.KindInsufficientFunds, nil},
		{"other", -32600, "Invalid request", domain.KindUnknown, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
				rpcErr(w, tt.code, tt.msg)
			})
			_, err := client.SendTransaction(context.Background(), "tx")
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestLiveRPC_FailoverToFallback(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rpcErr(w, -32005, "Node is behind by 100 slots")
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rpcResult(w, map[string]any{"value": 42})
	}))
	defer fallback.Close()

	client := NewLiveRPCClient(RPCConfig{
		Endpoint:     primary.URL,
		Fallbacks:    []string{fallback.URL},
		Timeout:      time.Second,
		RateLimitRPS: 100,
	})
	defer client.Close()

	bal, err := client.GetBalance(context.Background(), Pubkey("w"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), bal)
}

func TestLiveRPC_Broadcast_FirstSuccessWins(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackCalls.Add(1)
		rpcResult(w, "sigX")
	}))
	defer fallback.Close()

	client := NewLiveRPCClient(RPCConfig{
		Endpoint:     primary.URL,
		Fallbacks:    []string{fallback.URL},
		Timeout:      time.Second,
		RateLimitRPS: 100,
		FanOut:       5,
	})
	defer client.Close()

	sig, err := client.Broadcast(context.Background(), "tx")
	require.NoError(t, err)
	assert.Equal(t, Signature("sigX"), sig)
	assert.Equal(t, int32(1), fallbackCalls.Load())
}

func TestLiveRPC_Broadcast_PrefersExecutionError(t *testing.T) {
	slip := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rpcErr(w, -32002, "custom program error: 0x1771")
	}))
	defer slip.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	client := NewLiveRPCClient(RPCConfig{
		Endpoint:     down.URL,
		Fallbacks:    []string{slip.URL},
		Timeout:      time.Second,
		RateLimitRPS: 100,
		FanOut:       1,
	})
	defer client.Close()

	_, err := client.Broadcast(context.Background(), "tx")
	assert.Equal(t, domain.KindSlippageExceeded, domain.KindOf(err))
}

func TestLiveRPC_ConfirmTransaction(t *testing.T) {
	var polls atomic.Int32
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			rpcResult(w, map[string]any{"value": []any{nil}})
			return
		}
		rpcResult(w, map[string]any{"value": []any{map[string]any{"slot": 9, "confirmationStatus": "confirmed", "err": nil}}})
	})

	st, err := client.ConfirmTransaction(context.Background(), Signature("s"), 2*time.Second)
	require.NoError(t, err)
	assert.True(t, st.Confirmed())
	assert.Equal(t, uint64(9), st.Slot)
}

func TestLiveRPC_ConfirmTransaction_Timeout(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(w, map[string]any{"value": []any{nil}})
	})

	_, err := client.ConfirmTransaction(context.Background(), Signature("s"), 100*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, domain.KindSignatureUnknown, domain.KindOf(err))
}

func TestLiveRPC_ContextCancellation(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	assert.Error(t, client.Health(ctx))
}

func TestLiveRPC_RecentPrioritizationFees(t *testing.T) {
	_, client := newTestRPCServer(t, func(w http.ResponseWriter, r *http.Request) {
		rpcResult(w, []map[string]any{
			{"slot": 1, "prioritizationFee": 100},
			{"slot": 2, "prioritizationFee": 0},
		})
	})

	fees, err := client.RecentPrioritizationFees(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{100, 0}, fees)
}
