package payout

import (
	"context"
	"errors"

	"github.com/AfshinJalili/contentex/services/settlement/internal/chain"
	"github.com/shopspring/decimal"
)

// recordTransfer persists a signed transfer in place of prevRef before it
// is broadcast.
type recordTransfer func(ctx context.Context, prevRef string, t chain.Transfer) error

func storedTransfer(txRef string, raw []byte) chain.Transfer {
	if txRef == "" || len(raw) == 0 {
		return chain.Transfer{}
	}
	return chain.Transfer{TxRef: txRef, Raw: raw}
}

// transferOnce pays amount to payee under the retry policy without ever
// paying twice. A stored transfer is only resent; a new one is signed when
// none is stored or the stored one can no longer execute, and it is
// recorded before its broadcast.
func (o *Orchestrator) transferOnce(ctx context.Context, op string, treasury Treasury, payee string, amount decimal.Decimal, stored chain.Transfer, record recordTransfer) (string, error) {
	pending := stored
	return call(ctx, o, op, func(ctx context.Context) (string, error) {
		prevRef := ""
		if pending.TxRef != "" {
			err := treasury.Resend(ctx, pending)
			if err == nil {
				return pending.TxRef, nil
			}
			if !errors.Is(err, chain.ErrTransferDropped) {
				return "", err
			}
			o.logger.Warn("stored transfer dropped, signing a new one", "op", op, "payee_id", payee, "tx_ref", pending.TxRef, "error", err)
			prevRef = pending.TxRef
		}
		t, err := treasury.TransferNative(ctx, payee, amount, func(ctx context.Context, t chain.Transfer) error {
			return record(ctx, prevRef, t)
		})
		if t.TxRef != "" {
			pending = t
		}
		if err != nil {
			return "", err
		}
		return t.TxRef, nil
	})
}
