// Package service implements the write pipeline: balance gating, batch
// processing, upload, finalization and seeding verification.
package service

import (
	"context"
	"math/big"

	"github.com/Arke-Institute/attestation/internal/alert"
	"github.com/Arke-Institute/attestation/internal/arweave"
)

// Gateway is the slice of the network client the pipeline uses.
type Gateway interface {
	TxAnchor(ctx context.Context) (string, error)
	Price(ctx context.Context, numBytes int) (string, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	SubmitTransaction(ctx context.Context, tx *arweave.Transaction) error
	TransactionStatus(ctx context.Context, id string) (*arweave.TxStatus, error)
	SubmitItem(ctx context.Context, raw []byte) error
}

var _ Gateway = (*arweave.Client)(nil)

// Alerter delivers operational alerts.
type Alerter interface {
	Send(ctx context.Context, al alert.Alert)
}

var _ Alerter = (*alert.Alerter)(nil)
