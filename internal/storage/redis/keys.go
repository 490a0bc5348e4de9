package redis

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"holder-analytics/internal/domain"
)

// Key layout, all under the client prefix:
//
//	account:<addr>          hash   balance, updated_at
//	accounts                set    every stored address
//	holders                 set    addresses with a positive balance
//	counter                 string holder count
//	snapshot:<day>          hash   day_close, count
//	snapshots               zset   day open, scored by day open
//	bucket:<addr>:<day>     hash   day_close, inflow, outflow, volume
//	transfer:<hash>:<log>   hash   sender, recipient, amount, block, ts
//	links:<addr>            hash   "<hash>:<log>:<role>" -> "<ts>:<amount>"
//	checkpoint              hash   block, tx_index, log_index, tx_hash
type keys struct {
	prefix string
}

func (k keys) account(addr common.Address) string { return k.prefix + "account:" + addr.Hex() }
func (k keys) accounts() string                   { return k.prefix + "accounts" }
func (k keys) holders() string                    { return k.prefix + "holders" }
func (k keys) counter() string                    { return k.prefix + "counter" }
func (k keys) snapshot(day uint64) string         { return fmt.Sprintf("%ssnapshot:%d", k.prefix, day) }
func (k keys) snapshots() string                  { return k.prefix + "snapshots" }
func (k keys) links(addr common.Address) string   { return k.prefix + "links:" + addr.Hex() }
func (k keys) checkpoint() string                 { return k.prefix + "checkpoint" }

func (k keys) bucket(key domain.DailyAccountBucketKey) string {
	return fmt.Sprintf("%sbucket:%s:%d", k.prefix, key.Account.Hex(), key.DayOpen)
}

func (k keys) transfer(id domain.TransferID) string {
	return fmt.Sprintf("%stransfer:%s:%d", k.prefix, id.TxHash.Hex(), id.LogIndex)
}

func linkField(key domain.AccountLinkKey) string {
	return fmt.Sprintf("%s:%d:%s", key.Transfer.TxHash.Hex(), key.Transfer.LogIndex, key.Role)
}
