package storage

import (
	"fmt"

	"github.com/uhyunpark/advinvest/pkg/tape"
)

// Key schema for Pebble storage
//
//   gameseq                                   → last issued game id
//   game:<id>                                 → GameRecord
//   mem:<memberID>                            → Member (profile + wallet points)
//   whist:<memberID>:<timestamp>:<id>         → WalletEntry
//   trade:<memberID>:<symbol>:<timestamp>:<id> → TradeRecord
//   tape:<dataType>:<symbol>                  → tape.AdvStock
//
// Numeric parts are zero-padded (20 digits) for lexicographic sorting.

const (
	prefixGame   = "game:"
	prefixMember = "mem:"
	prefixWallet = "whist:"
	prefixTrade  = "trade:"
	prefixTape   = "tape:"
)

func gameSeqKey() []byte { return []byte("gameseq") }

// gameKey returns the key for a game record
// Format: "game:{id}"
func gameKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixGame, id))
}

func gamePrefix() []byte { return []byte(prefixGame) }

// memberKey returns the key for a member
// Format: "mem:{memberID}"
func memberKey(memberID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixMember, memberID))
}

// walletEntryKey returns the key for a wallet history entry
// Format: "whist:{memberID}:{timestamp}:{id}"
func walletEntryKey(memberID, timestamp int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d:%s", prefixWallet, memberID, timestamp, id))
}

func walletEntryPrefix(memberID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:", prefixWallet, memberID))
}

// tradeKey returns the key for a trade record
// Format: "trade:{memberID}:{symbol}:{timestamp}:{id}"
func tradeKey(memberID int64, symbol string, timestamp int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s:%020d:%s", prefixTrade, memberID, symbol, timestamp, id))
}

// tradeSymbolPrefix returns the prefix for one member's trades of a symbol
// Format: "trade:{memberID}:{symbol}:"
func tradeSymbolPrefix(memberID int64, symbol string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s:", prefixTrade, memberID, symbol))
}

// tradeMemberPrefix returns the prefix for all trades of a member
// Format: "trade:{memberID}:"
func tradeMemberPrefix(memberID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:", prefixTrade, memberID))
}

// tapeKey returns the key for a tape series
// Format: "tape:{dataType}:{symbol}"
func tapeKey(dataType tape.DataType, symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixTape, dataType, symbol))
}

func tapePrefix() []byte { return []byte(prefixTape) }

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
