// Package clientid generates and parses the client order IDs the grid engine
// stamps on every order it submits, so a fill or cancel event can be resolved
// back to the price/side that produced it without a venue round-trip.
package clientid

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	idMu    sync.Mutex
	lastSec int64
	idSeq   int
)

func scaledPriceInt(price decimal.Decimal, priceDecimals int) int64 {
	return price.Mul(decimal.NewFromInt(10).Pow(decimal.NewFromInt(int64(priceDecimals)))).Round(0).IntPart()
}

func sideCode(side string) string {
	if side == "SELL" {
		return "S"
	}
	return "B"
}

// GenerateCompactOrderID produces a time-sequenced client order ID: it is
// unique across calls within the same process but carries no information
// about which strategy or grid instance produced it.
//
// Format: {price_int}_{side}_{unixSeconds}{seq:03d}
func GenerateCompactOrderID(price decimal.Decimal, side string, priceDecimals int) string {
	idMu.Lock()
	defer idMu.Unlock()

	now := time.Now().Unix()
	if now != lastSec {
		lastSec = now
		idSeq = 0
	}
	idSeq++

	return fmt.Sprintf("%d_%s_%d%03d", scaledPriceInt(price, priceDecimals), sideCode(side), now, idSeq)
}

// GenerateDeterministicOrderID produces a client order ID that depends only
// on the grid identity, price and side, so the same logical order always
// maps to the same ID (used to detect duplicate re-submission after a crash
// or reconciliation pass, rather than a fresh time-sequenced ID each time).
//
// Format: {strategyID}_{price_int}_{side}
func GenerateDeterministicOrderID(strategyID string, price decimal.Decimal, side string, priceDecimals int) string {
	return fmt.Sprintf("%s_%d_%s", strategyID, scaledPriceInt(price, priceDecimals), sideCode(side))
}

// AddBrokerPrefix prepends broker-specific prefixes exchanges use for
// commission/rebate attribution, truncating to stay within the venue's
// client order ID length limit. Truncation drops leading characters of
// clientOID, so the prefix and the trailing price/side fields survive.
func AddBrokerPrefix(exchangeName, clientOID string) string {
	switch strings.ToLower(exchangeName) {
	case "binance":
		prefix := "x-zdfVM8vY"
		return prefix + truncateID(clientOID, 36-len(prefix))
	case "gate":
		prefix := "t-"
		return prefix + truncateID(clientOID, 30-len(prefix))
	default:
		return clientOID
	}
}

func truncateID(id string, maxLen int) string {
	if len(id) > maxLen {
		return id[len(id)-maxLen:]
	}
	return id
}

// ParseCompactOrderID reconstructs price and side from a client order ID
// produced by either GenerateCompactOrderID or GenerateDeterministicOrderID,
// stripping any broker prefix first.
func ParseCompactOrderID(clientOID string, priceDecimals int) (decimal.Decimal, string, bool) {
	oid := clientOID
	oid = strings.TrimPrefix(oid, "x-zdfVM8vY")
	oid = strings.TrimPrefix(oid, "t-")

	parts := strings.Split(oid, "_")
	if len(parts) != 3 {
		return decimal.Zero, "", false
	}

	priceInt, err := decimal.NewFromString(parts[1])
	if err != nil {
		// Compact form has the price in position 0 instead of 1.
		priceInt, err = decimal.NewFromString(parts[0])
		if err != nil {
			return decimal.Zero, "", false
		}
		price := priceInt.Div(decimal.NewFromInt(10).Pow(decimal.NewFromInt(int64(priceDecimals))))
		side := "BUY"
		if parts[1] == "S" {
			side = "SELL"
		}
		return price, side, true
	}

	price := priceInt.Div(decimal.NewFromInt(10).Pow(decimal.NewFromInt(int64(priceDecimals))))
	side := "BUY"
	if parts[2] == "S" {
		side = "SELL"
	}
	return price, side, true
}
