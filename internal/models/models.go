// Package models provides domain models for the trading application.
package models

import (
	"time"
)

// Exchange represents an exchange segment.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // NIFTY options
	BFO Exchange = "BFO" // SENSEX options
)

// Index represents a tradeable index underlying.
type Index string

const (
	IndexNifty  Index = "NIFTY"
	IndexSensex Index = "SENSEX"
)

// OptionsExchange returns the derivatives segment for the index.
func (i Index) OptionsExchange() Exchange {
	if i == IndexSensex {
		return BFO
	}
	return NFO
}

// StrikeStep returns the strike interval for the index.
func (i Index) StrikeStep() int {
	if i == IndexSensex {
		return 100
	}
	return 50
}

// LotSize returns the contract lot size for the index.
func (i Index) LotSize() int {
	if i == IndexSensex {
		return 20
	}
	return 75
}

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the closing side for this side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStopLoss  OrderType = "STOPLOSS_LIMIT"
	OrderTypeStopLossM OrderType = "STOPLOSS_MARKET"
)

// OptionType represents call or put.
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// Tick represents real-time market data for one instrument.
// Ticks are immutable once produced by the feed.
type Tick struct {
	Token     string
	Symbol    string
	LTP       float64
	BidPrice  float64
	AskPrice  float64
	Volume    int64
	Timestamp time.Time
}

// Candle represents OHLCV data for a time period.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// OptionContract identifies a single option instrument resolved from the
// scrip master.
type OptionContract struct {
	Symbol     string // tradingsymbol, e.g. NIFTY27NOV2522300CE
	Token      string // symboltoken used by the feed and order APIs
	Index      Index
	Strike     int
	OptionType OptionType
	Expiry     time.Time
	Exchange   Exchange
	LotSize    int
}
