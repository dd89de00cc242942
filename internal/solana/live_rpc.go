package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Live RPC Client - real Solana JSON-RPC over a primary and fallback endpoints
// ---------------------------------------------------------------------------

// LiveRPCClient connects to real Solana RPC endpoints. Reads go to the
// primary and fail over to fallbacks when it is unhealthy.
type LiveRPCClient struct {
	config    RPCConfig
	primary   *Endpoint
	fallbacks []*Endpoint
}

// NewLiveRPCClient creates a live Solana RPC client.
func NewLiveRPCClient(config RPCConfig) *LiveRPCClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 10
	}
	if config.ConfirmInterval == 0 {
		config.ConfirmInterval = 500 * time.Millisecond
	}

	mk := func(url string) *Endpoint {
		return NewEndpoint(EndpointConfig{
			URL:          url,
			RateLimitRPS: config.RateLimitRPS,
			Timeout:      config.Timeout,
			MaxRetries:   config.MaxRetries,
		})
	}

	c := &LiveRPCClient{config: config, primary: mk(config.Endpoint)}
	for _, url := range config.Fallbacks {
		if url == "" || url == config.Endpoint {
			continue
		}
		c.fallbacks = append(c.fallbacks, mk(url))
	}
	return c
}

// Close shuts down the RPC client.
func (c *LiveRPCClient) Close() {
	c.primary.Close()
	for _, e := range c.fallbacks {
		e.Close()
	}
}

// Endpoints returns the primary followed by the fallbacks.
func (c *LiveRPCClient) Endpoints() []*Endpoint {
	return append([]*Endpoint{c.primary}, c.fallbacks...)
}

// call tries the primary endpoint, then each fallback, while the failure is
// one a different node could avoid.
func (c *LiveRPCClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	var lastErr error
	for _, e := range c.Endpoints() {
		result, err := e.Call(ctx, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil || !failoverable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func failoverable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrNodeBehind) {
		return true
	}
	switch domain.KindOf(err) {
	case domain.KindTransientNetwork, domain.KindRateLimited:
		return !errors.Is(err, ErrBlockhashNotFound)
	}
	return false
}

// ---------------------------------------------------------------------------
// RPCClient interface implementation
// ---------------------------------------------------------------------------

// GetBalance returns the lamport balance of an account.
func (c *LiveRPCClient) GetBalance(ctx context.Context, account Pubkey) (uint64, error) {
	result, err := c.call(ctx, "getBalance", []any{string(account), map[string]any{"commitment": "confirmed"}})
	if err != nil {
		return 0, err
	}
	var resp struct {
		Value uint64 `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return 0, fmt.Errorf("rpc: parse balance: %w", err)
	}
	return resp.Value, nil
}

// GetSignaturesForAddress lists recent signatures for address, newest first.
func (c *LiveRPCClient) GetSignaturesForAddress(ctx context.Context, address Pubkey, limit int, before Signature) ([]SignatureInfo, error) {
	opts := map[string]any{"limit": limit, "commitment": "confirmed"}
	if before != "" {
		opts["before"] = string(before)
	}
	result, err := c.call(ctx, "getSignaturesForAddress", []any{string(address), opts})
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Signature string `json:"signature"`
		Slot      uint64 `json:"slot"`
		BlockTime *int64 `json:"blockTime"`
		Err       any    `json:"err"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("rpc: parse signatures: %w", err)
	}

	out := make([]SignatureInfo, 0, len(raw))
	for _, r := range raw {
		si := SignatureInfo{Signature: Signature(r.Signature), Slot: r.Slot, Failed: r.Err != nil}
		if r.BlockTime != nil {
			si.BlockTime = time.Unix(*r.BlockTime, 0)
		}
		out = append(out, si)
	}
	return out, nil
}

type rawTokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount   string `json:"amount"`
		Decimals uint8  `json:"decimals"`
	} `json:"uiTokenAmount"`
}

func convertTokenBalances(raw []rawTokenBalance) []TokenBalance {
	out := make([]TokenBalance, 0, len(raw))
	for _, r := range raw {
		out = append(out, TokenBalance{
			AccountIndex: r.AccountIndex,
			Mint:         Pubkey(r.Mint),
			Owner:        Pubkey(r.Owner),
			Amount:       parseRawAmount(r.UITokenAmount.Amount),
			Decimals:     r.UITokenAmount.Decimals,
		})
	}
	return out
}

// GetTransaction fetches a transaction with v0 support. Account keys include
// addresses loaded from lookup tables, in the runtime's order.
func (c *LiveRPCClient) GetTransaction(ctx context.Context, sig Signature) (*TransactionDetail, error) {
	result, err := c.call(ctx, "getTransaction", []any{
		string(sig),
		map[string]any{
			"encoding":                       "json",
			"commitment":                     "confirmed",
			"maxSupportedTransactionVersion": 0,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, fmt.Errorf("rpc: getTransaction %s: %w", sig, ErrNotFound)
	}

	var raw struct {
		Slot      uint64 `json:"slot"`
		BlockTime *int64 `json:"blockTime"`
		Meta      *struct {
			Err               any               `json:"err"`
			PreBalances       []uint64          `json:"preBalances"`
			PostBalances      []uint64          `json:"postBalances"`
			PreTokenBalances  []rawTokenBalance `json:"preTokenBalances"`
			PostTokenBalances []rawTokenBalance `json:"postTokenBalances"`
			LoadedAddresses   struct {
				Writable []string `json:"writable"`
				Readonly []string `json:"readonly"`
			} `json:"loadedAddresses"`
		} `json:"meta"`
		Transaction struct {
			Message struct {
				AccountKeys []string `json:"accountKeys"`
			} `json:"message"`
		} `json:"transaction"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("rpc: parse transaction: %w", err)
	}

	tx := &TransactionDetail{Signature: sig, Slot: raw.Slot}
	if raw.BlockTime != nil {
		tx.BlockTime = time.Unix(*raw.BlockTime, 0)
	}
	keys := raw.Transaction.Message.AccountKeys
	if raw.Meta != nil {
		keys = append(keys, raw.Meta.LoadedAddresses.Writable...)
		keys = append(keys, raw.Meta.LoadedAddresses.Readonly...)
		tx.Failed = raw.Meta.Err != nil
		tx.PreBalances = raw.Meta.PreBalances
		tx.PostBalances = raw.Meta.PostBalances
		tx.PreTokenBalances = convertTokenBalances(raw.Meta.PreTokenBalances)
		tx.PostTokenBalances = convertTokenBalances(raw.Meta.PostTokenBalances)
	}
	for _, k := range keys {
		tx.AccountKeys = append(tx.AccountKeys, Pubkey(k))
	}
	return tx, nil
}

// GetLatestBlockhash returns a recent blockhash at confirmed commitment.
func (c *LiveRPCClient) GetLatestBlockhash(ctx context.Context) (*Blockhash, error) {
	result, err := c.call(ctx, "getLatestBlockhash", []any{map[string]any{"commitment": "confirmed"}})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("rpc: parse blockhash: %w", err)
	}
	return &Blockhash{Hash: resp.Value.Blockhash, LastValidBlockHeight: resp.Value.LastValidBlockHeight}, nil
}

// GetTokenInfo fetches mint account data via getAccountInfo (jsonParsed).
func (c *LiveRPCClient) GetTokenInfo(ctx context.Context, mint Pubkey) (*TokenInfo, error) {
	result, err := c.call(ctx, "getAccountInfo", []any{
		string(mint),
		map[string]any{"encoding": "jsonParsed"},
	})
	if err != nil {
		return nil, err
	}

	var accountResp struct {
		Value *struct {
			Data struct {
				Parsed struct {
					Info struct {
						Decimals        uint8  `json:"decimals"`
						Supply          string `json:"supply"`
						MintAuthority   string `json:"mintAuthority"`
						FreezeAuthority string `json:"freezeAuthority"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"value"`
	}

	if err := json.Unmarshal(result, &accountResp); err != nil {
		return nil, fmt.Errorf("rpc: parse token info: %w", err)
	}
	if accountResp.Value == nil {
		return nil, fmt.Errorf("rpc: token %s: %w", mint, ErrNotFound)
	}

	info := accountResp.Value.Data.Parsed.Info
	supply, _ := decimal.NewFromString(info.Supply)

	return &TokenInfo{
		Mint:            mint,
		Decimals:        info.Decimals,
		Supply:          supply,
		MintAuthority:   Pubkey(info.MintAuthority),
		FreezeAuthority: Pubkey(info.FreezeAuthority),
	}, nil
}

// GetTopHolders returns the largest token accounts for a mint with their
// share of supply.
func (c *LiveRPCClient) GetTopHolders(ctx context.Context, mint Pubkey, limit int) ([]HolderInfo, error) {
	result, err := c.call(ctx, "getTokenLargestAccounts", []any{string(mint)})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value []struct {
			Address string `json:"address"`
			Amount  string `json:"amount"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("rpc: parse holders: %w", err)
	}

	totalSupply := decimal.Zero
	if info, err := c.GetTokenInfo(ctx, mint); err == nil && info.Supply.IsPositive() {
		totalSupply = info.Supply
	}

	holders := make([]HolderInfo, 0, limit)
	for i, h := range resp.Value {
		if i >= limit {
			break
		}
		balance, _ := decimal.NewFromString(h.Amount)
		pct := 0.0
		if totalSupply.IsPositive() {
			pct, _ = balance.Div(totalSupply).Mul(decimal.NewFromInt(100)).Float64()
		}
		holders = append(holders, HolderInfo{Address: Pubkey(h.Address), Balance: balance, Percentage: pct})
	}
	return holders, nil
}

// SendTransaction submits a signed transaction to the primary endpoint.
func (c *LiveRPCClient) SendTransaction(ctx context.Context, txBase64 string) (Signature, error) {
	return sendVia(ctx, c.primary, txBase64)
}

// sendVia submits with preflight enabled and node-side retries disabled:
// the execution engine owns resubmission.
func sendVia(ctx context.Context, e *Endpoint, txBase64 string) (Signature, error) {
	result, err := e.Call(ctx, "sendTransaction", []any{
		txBase64,
		map[string]any{
			"encoding":            "base64",
			"skipPreflight":       false,
			"preflightCommitment": "confirmed",
			"maxRetries":          0,
		},
	})
	if err != nil {
		return "", err
	}
	var sig string
	if err := json.Unmarshal(result, &sig); err != nil {
		return "", fmt.Errorf("rpc: parse signature: %w", err)
	}
	return Signature(sig), nil
}

// GetSignatureStatuses queries statuses with transaction history search.
func (c *LiveRPCClient) GetSignatureStatuses(ctx context.Context, sigs []Signature) ([]SignatureStatus, error) {
	return statusesVia(ctx, c.call, sigs)
}

type callFunc func(ctx context.Context, method string, params []any) (json.RawMessage, error)

func statusesVia(ctx context.Context, call callFunc, sigs []Signature) ([]SignatureStatus, error) {
	strs := make([]string, len(sigs))
	for i, s := range sigs {
		strs[i] = string(s)
	}
	result, err := call(ctx, "getSignatureStatuses", []any{strs, map[string]any{"searchTransactionHistory": true}})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value []*struct {
			Slot               uint64 `json:"slot"`
			ConfirmationStatus string `json:"confirmationStatus"`
			Err                any    `json:"err"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("rpc: parse status: %w", err)
	}

	out := make([]SignatureStatus, len(sigs))
	for i, sig := range sigs {
		out[i] = SignatureStatus{Signature: sig}
		if i >= len(resp.Value) || resp.Value[i] == nil {
			continue
		}
		v := resp.Value[i]
		out[i].Found = true
		out[i].Slot = v.Slot
		out[i].ConfirmationStatus = v.ConfirmationStatus
		if v.Err != nil {
			b, _ := json.Marshal(v.Err)
			out[i].Err = string(b)
		}
	}
	return out, nil
}

// Health checks the primary endpoint.
func (c *LiveRPCClient) Health(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.primary.Call(healthCtx, "getHealth", nil)
	return err
}

// RPCStats returns per-endpoint statistics.
type RPCStats struct {
	Endpoints []EndpointStats `json:"endpoints"`
}

func (c *LiveRPCClient) Stats() RPCStats {
	eps := c.Endpoints()
	stats := RPCStats{Endpoints: make([]EndpointStats, 0, len(eps))}
	for _, e := range eps {
		stats.Endpoints = append(stats.Endpoints, e.Stats())
	}
	return stats
}
