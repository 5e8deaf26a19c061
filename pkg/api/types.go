package api

import "github.com/uhyunpark/hypersettle/pkg/events"

// API request/response types for REST endpoints and WebSocket messages.
// Integers are decimal strings, addresses and hashes are 0x hex.

// ==============================
// REST Response Types
// ==============================

// ExecuteResponse is returned by POST /api/v1/execute
type ExecuteResponse struct {
	TakerOrderHash string                 `json:"takerOrderHash"`
	TakerFilled    string                 `json:"takerFilled"`
	ExecutionPrice string                 `json:"executionPrice"`
	Legs           []events.ExecutionData `json:"legs"`
}

// CancelResponse is returned by POST /api/v1/cancel
type CancelResponse struct {
	OrderHash string `json:"orderHash"`
}

type OrderHashResponse struct {
	OrderHash string `json:"orderHash"`
}

// FillInfo is the cumulative filled quantity of one order
type FillInfo struct {
	OrderHash string `json:"orderHash"`
	Filled    string `json:"filled"`
}

type PriceInfo struct {
	LastExecutionPrice string `json:"lastExecutionPrice"`
}

// DomainInfo describes the EIP-712 domain clients must sign under
type DomainInfo struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           string `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
	Separator         string `json:"separator"`
}

// AssetInfo describes one side of the pair
type AssetInfo struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

type AssetsInfo struct {
	Base    AssetInfo `json:"base"`
	Quote   AssetInfo `json:"quote"`
	Spender string    `json:"spender"` // allowance holders must approve
}

// BalanceInfo is an account's balance and allowance towards the settlement spender
type BalanceInfo struct {
	Asset              string `json:"asset"`
	Address            string `json:"address"`
	Balance            string `json:"balance"`          // smallest units
	BalanceFormatted   string `json:"balanceFormatted"` // human units
	Allowance          string `json:"allowance"`
	AllowanceFormatted string `json:"allowanceFormatted"`
}

// ErrorResponse is returned for all errors. Error is a stable kind
// ("OrderExpired", "InvalidPayload", ...), Message the detail.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Types
// ==============================

// WSMessage is pushed to subscribed clients
type WSMessage struct {
	Type    string         `json:"type"`           // "execution" | "cancellation"
	Channel string         `json:"channel"`        // channel that matched the subscription
	Source  string         `json:"source"`         // "local" | "gossip"
	Peer    string         `json:"peer,omitempty"` // authoring node for gossip; not verified against the ledger
	Data    events.Message `json:"data"`
}

// WSSubscribeRequest is sent by clients:
// {"op":"subscribe","channels":["executions","account:0x..."]}
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"`
}

const (
	SourceLocal  = "local"
	SourceGossip = "gossip"

	ChannelExecutions    = "executions"
	ChannelCancellations = "cancellations"
	channelAccountPrefix = "account:"
)
