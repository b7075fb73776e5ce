// Package txbuilder constructs unsigned Stellar payment envelopes.
package txbuilder

import (
	"context"
	"fmt"
	"time"

	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/ledger"
	"github.com/lumenpay/lumenpay/internal/retry"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
)

// MaxMemoBytes is the ledger limit for text memos.
const MaxMemoBytes = 28

const defaultTxTimeout = 5 * time.Minute

type AssetResolver interface {
	Resolve(code string) (model.Asset, bool)
}

type AccountLoader interface {
	LoadAccount(ctx context.Context, address string) (*ledger.Account, error)
}

type Request struct {
	Source      string
	Destination string
	Amount      string
	AssetCode   string
	Memo        *string
}

// Metadata is what a client shows the user before signing.
type Metadata struct {
	Network  model.Network
	Fee      model.Amount
	Amount   model.Amount
	Asset    model.Asset
	Sequence int64
	Hash     string
	// ExpiresAt is the upper time bound of the envelope.
	ExpiresAt time.Time
}

type Result struct {
	Envelope string
	Metadata Metadata
}

type Builder struct {
	loader    AccountLoader
	assets    AssetResolver
	network   model.Network
	policy    retry.Policy
	txTimeout time.Duration
	now       func() time.Time
}

type Option func(*Builder)

func WithRetryPolicy(p retry.Policy) Option {
	return func(b *Builder) { b.policy = p }
}

func WithTxTimeout(d time.Duration) Option {
	return func(b *Builder) { b.txTimeout = d }
}

func New(loader AccountLoader, assets AssetResolver, network model.Network, opts ...Option) *Builder {
	b := &Builder{
		loader:    loader,
		assets:    assets,
		network:   network,
		policy:    retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, AttemptTimeout: 30 * time.Second},
		txTimeout: defaultTxTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Validated is a request that passed the input checks.
type Validated struct {
	Source      string
	Destination string
	Amount      model.Amount
	Asset       model.Asset
	Memo        *string
}

// Validate checks req without touching the ledger.
func (b *Builder) Validate(req Request) (*Validated, error) {
	if !strkey.IsValidEd25519PublicKey(req.Source) {
		return nil, invalid("source", "not a valid account address")
	}
	if !strkey.IsValidEd25519PublicKey(req.Destination) {
		return nil, invalid("destination", "not a valid account address")
	}
	if req.Source == req.Destination {
		return nil, invalid("destination", "must differ from source")
	}

	amt, err := model.ParseAmount(req.Amount)
	if err != nil {
		return nil, invalid("amount", "%v", err)
	}

	asset, ok := b.assets.Resolve(req.AssetCode)
	if !ok {
		return nil, invalid("asset", "unknown asset %q", req.AssetCode)
	}

	var memo *string
	if req.Memo != nil && *req.Memo != "" {
		if len(*req.Memo) > MaxMemoBytes {
			return nil, invalid("memo", "longer than %d bytes", MaxMemoBytes)
		}
		memo = model.Ptr(*req.Memo)
	}

	return &Validated{
		Source:      req.Source,
		Destination: req.Destination,
		Amount:      amt,
		Asset:       asset,
		Memo:        memo,
	}, nil
}

// Build validates req, loads the source account sequence and returns the
// unsigned envelope. Nothing is persisted.
func (b *Builder) Build(ctx context.Context, req Request) (*Result, error) {
	v, err := b.Validate(req)
	if err != nil {
		return nil, err
	}
	return b.BuildValidated(ctx, v)
}

func (b *Builder) BuildValidated(ctx context.Context, v *Validated) (*Result, error) {
	acct, err := b.loadAccount(ctx, v.Source)
	if err != nil {
		return nil, err
	}

	fee := model.Amount(txnbuild.MinBaseFee)
	if err := checkBalance(acct, v.Asset, v.Amount, fee); err != nil {
		return nil, err
	}

	var memo txnbuild.Memo
	if v.Memo != nil {
		memo = txnbuild.MemoText(*v.Memo)
	}

	expiresAt := b.now().Add(b.txTimeout).UTC()
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &txnbuild.SimpleAccount{AccountID: v.Source, Sequence: acct.Sequence},
		IncrementSequenceNum: true,
		Operations: []txnbuild.Operation{&txnbuild.Payment{
			Destination: v.Destination,
			Amount:      v.Amount.String(),
			Asset:       toTxnAsset(v.Asset),
		}},
		BaseFee: txnbuild.MinBaseFee,
		Memo:    memo,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimebounds(0, expiresAt.Unix()),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	envelope, err := tx.Base64()
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	hash, err := tx.HashHex(b.network.Passphrase())
	if err != nil {
		return nil, fmt.Errorf("hash transaction: %w", err)
	}

	return &Result{
		Envelope: envelope,
		Metadata: Metadata{
			Network:   b.network,
			Fee:       fee,
			Amount:    v.Amount,
			Asset:     v.Asset,
			Sequence:  tx.SequenceNumber(),
			Hash:      hash,
			ExpiresAt: time.Unix(expiresAt.Unix(), 0).UTC(),
		},
	}, nil
}

func (b *Builder) loadAccount(ctx context.Context, address string) (*ledger.Account, error) {
	var acct *ledger.Account
	err := retry.Do(ctx, b.policy, func(ctx context.Context) error {
		var err error
		acct, err = b.loader.LoadAccount(ctx, address)
		return err
	})
	if err != nil {
		return nil, &AccountLoadError{Address: address, Err: err}
	}
	return acct, nil
}

func checkBalance(acct *ledger.Account, asset model.Asset, amt, fee model.Amount) error {
	held, ok := acct.BalanceOf(asset)
	if !ok {
		return invalid("asset", "source account holds no %s trustline", asset.Code)
	}
	// Compared by subtraction so amounts near the int64 limit cannot wrap.
	if asset.IsNative() {
		if held < fee {
			return invalid("amount", "insufficient %s balance", asset.Code)
		}
		held -= fee
	}
	if held < amt {
		return invalid("amount", "insufficient %s balance", asset.Code)
	}
	return nil
}

func toTxnAsset(a model.Asset) txnbuild.Asset {
	if a.IsNative() {
		return txnbuild.NativeAsset{}
	}
	return txnbuild.CreditAsset{Code: a.Code, Issuer: a.Issuer}
}
