package models

import "time"

// MarketChannel identifies one of the market hub data streams.
type MarketChannel string

const (
	ChannelQuote MarketChannel = "quote"
	ChannelTrade MarketChannel = "trade"
	ChannelDepth MarketChannel = "depth"
)

// MarketRecord is one raw market data payload as received from the hub.
// The payload is stored verbatim; interpreting its shape is the consumer's
// concern because the wire format has varied across broker versions.
type MarketRecord struct {
	Channel    MarketChannel
	ContractID string
	Payload    []byte
	ReceivedAt time.Time
}

// Bar is one OHLCV bar from the history endpoint.
type Bar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    int64     `json:"v"`
}

// Account is a trading account as returned by the account search.
type Account struct {
	ID        int     `json:"id"`
	Name      string  `json:"name"`
	Balance   float64 `json:"balance"`
	CanTrade  bool    `json:"canTrade"`
	IsVisible bool    `json:"isVisible"`
}

// Contract is a tradable instrument as returned by the contract search.
type Contract struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	TickSize       float64 `json:"tickSize"`
	TickValue      float64 `json:"tickValue"`
	ActiveContract bool    `json:"activeContract"`
}

// Position is an open position as returned by the position search.
type Position struct {
	ID           int64   `json:"id"`
	AccountID    int     `json:"accountId"`
	ContractID   string  `json:"contractId"`
	Type         int     `json:"type"`
	Size         int     `json:"size"`
	AveragePrice float64 `json:"averagePrice"`
}

// Trade is one executed trade as returned by the trade search.
type Trade struct {
	ID         int64   `json:"id"`
	AccountID  int     `json:"accountId"`
	ContractID string  `json:"contractId"`
	Price      float64 `json:"price"`
	Fees       float64 `json:"fees"`
	Side       Side    `json:"side"`
	Size       int     `json:"size"`
	Voided     bool    `json:"voided"`
	OrderID    int64   `json:"orderId"`
}
