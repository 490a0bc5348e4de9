package domain

import "math/big"

// DailyTransferStats summarizes the transfers of one UTC day.
type DailyTransferStats struct {
	DayOpen   uint64
	Transfers uint64
	Volume    *big.Int
}
