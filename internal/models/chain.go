package models

import (
	"time"
)

// DefaultChainKey is the chain the writer advances unless configured otherwise.
const DefaultChainKey = "head"

// ChainHead is the authoritative pointer to the last committed record of a chain.
// TX and CID are nil at genesis; Seq is 0 at genesis and never decreases.
type ChainHead struct {
	Key       string    `json:"key" db:"key"`
	TX        *string   `json:"tx" db:"tx"`
	CID       *string   `json:"cid" db:"cid"`
	Seq       int64     `json:"seq" db:"seq"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// GenesisHead returns the head of a chain that has no records yet.
func GenesisHead(key string) *ChainHead {
	return &ChainHead{Key: key, Seq: 0}
}

// IsGenesis returns true if no record has ever been committed to this chain.
func (h *ChainHead) IsGenesis() bool {
	return h.TX == nil && h.Seq == 0
}

// TXString returns the head transaction id or empty string at genesis.
func (h *ChainHead) TXString() string {
	if h.TX != nil {
		return *h.TX
	}
	return ""
}
