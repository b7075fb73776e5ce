// Package memstore is an in-process implementation of the store contracts
// for tests and single-instance local runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/store"
)

type Store struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*model.PaymentRecord
	byHash   map[string]uuid.UUID
	byIssued map[string]uuid.UUID // latest pending record per issued hash
	cursors  map[string]*model.IndexerCursor
	wallets  map[walletKey]*model.Wallet
	contacts map[contactKey]*model.Contact
	now      func() time.Time
}

type walletKey struct {
	network model.Network
	address string
}

type contactKey struct {
	owner   string
	contact string
}

func New() *Store {
	return &Store{
		payments: make(map[uuid.UUID]*model.PaymentRecord),
		byHash:   make(map[string]uuid.UUID),
		byIssued: make(map[string]uuid.UUID),
		cursors:  make(map[string]*model.IndexerCursor),
		wallets:  make(map[walletKey]*model.Wallet),
		contacts: make(map[contactKey]*model.Contact),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Payments() *PaymentRepo { return &PaymentRepo{s: s} }
func (s *Store) Cursors() *CursorRepo   { return &CursorRepo{s: s} }
func (s *Store) Wallets() *WalletRepo   { return &WalletRepo{s: s} }
func (s *Store) Contacts() *ContactRepo { return &ContactRepo{s: s} }

// ---------- payments ----------

type PaymentRepo struct{ s *Store }

var _ store.PaymentRepository = (*PaymentRepo)(nil)

func (s *Store) insertLocked(d *model.PaymentDraft) (*model.PaymentRecord, error) {
	if d.TxHash != nil {
		if _, ok := s.byHash[*d.TxHash]; ok {
			return nil, store.ErrDuplicateLedgerEvent
		}
	}
	if d.IssuedHash != nil && d.Status == model.StatusPending {
		if id, ok := s.byIssued[*d.IssuedHash]; ok && s.payments[id].Status == model.StatusPending {
			return nil, store.ErrDuplicateLedgerEvent
		}
	}
	now := s.now()
	rec := &model.PaymentRecord{
		ID:              uuid.New(),
		SenderAddress:   d.SenderAddress,
		ReceiverAddress: d.ReceiverAddress,
		Amount:          d.Amount,
		Asset:           d.Asset,
		Fee:             d.Fee,
		Memo:            d.Memo,
		TxHash:          d.TxHash,
		IssuedHash:      d.IssuedHash,
		EnvelopeXDR:     d.EnvelopeXDR,
		Network:         d.Network,
		Status:          d.Status,
		Direction:       d.Direction,
		Origin:          d.Origin,
		LedgerSequence:  d.LedgerSequence,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if d.Status.IsConfirmed() {
		rec.ConfirmedAt = model.Ptr(now)
		if d.ConfirmedAt != nil {
			rec.ConfirmedAt = model.Ptr(*d.ConfirmedAt)
		}
	}
	rec = rec.Clone()
	s.payments[rec.ID] = rec
	if rec.TxHash != nil {
		s.byHash[*rec.TxHash] = rec.ID
	}
	if rec.IssuedHash != nil && rec.Status == model.StatusPending {
		s.byIssued[*rec.IssuedHash] = rec.ID
	}
	return rec.Clone(), nil
}

func (r *PaymentRepo) Create(_ context.Context, d *model.PaymentDraft) (*model.PaymentRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.insertLocked(d)
}

func (r *PaymentRepo) Get(_ context.Context, id uuid.UUID) (*model.PaymentRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *PaymentRepo) Transition(_ context.Context, id uuid.UUID, expected, next model.Status, f model.TransitionFields) (*model.PaymentRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.transitionLocked(id, expected, next, f)
}

func (s *Store) transitionLocked(id uuid.UUID, expected, next model.Status, f model.TransitionFields) (*model.PaymentRecord, error) {
	rec, ok := s.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if rec.Status != expected {
		return nil, &store.ConflictError{ID: id, Expected: expected, Actual: rec.Status}
	}
	if f.TxHash != nil && (rec.TxHash == nil || *rec.TxHash != *f.TxHash) {
		if owner, taken := s.byHash[*f.TxHash]; taken && owner != id {
			return nil, store.ErrDuplicateLedgerEvent
		}
	}

	now := s.now()
	rec.Status = next
	if f.TxHash != nil {
		if rec.TxHash != nil {
			delete(s.byHash, *rec.TxHash)
		}
		rec.TxHash = model.Ptr(*f.TxHash)
		s.byHash[*f.TxHash] = id
	}
	if f.ErrorCode != nil {
		rec.ErrorCode = model.Ptr(*f.ErrorCode)
	}
	if f.ErrorMessage != nil {
		rec.ErrorMessage = model.Ptr(*f.ErrorMessage)
	}
	if f.Fee != nil {
		rec.Fee = *f.Fee
	}
	if f.LedgerSequence != nil {
		rec.LedgerSequence = model.Ptr(*f.LedgerSequence)
	}
	if f.ClearEnvelope {
		rec.EnvelopeXDR = nil
	}
	if f.MarkSubmitted && rec.SubmittedAt == nil {
		rec.SubmittedAt = model.Ptr(now)
	}
	if next.IsConfirmed() && rec.ConfirmedAt == nil {
		rec.ConfirmedAt = model.Ptr(now)
	}
	rec.UpdatedAt = now
	return rec.Clone(), nil
}

func (r *PaymentRepo) FindByTxHash(_ context.Context, txHash string) (*model.PaymentRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.byHash[txHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r.s.payments[id].Clone(), nil
}

func (r *PaymentRepo) ListByStatus(_ context.Context, status model.Status, limit int) ([]*model.PaymentRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*model.PaymentRecord
	for _, rec := range r.s.payments {
		if rec.Status == status {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := orderTime(out[i]), orderTime(out[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func orderTime(r *model.PaymentRecord) time.Time {
	if r.SubmittedAt != nil {
		return *r.SubmittedAt
	}
	return r.CreatedAt
}

func (r *PaymentRepo) SumOutgoingSince(_ context.Context, sender string, asset model.Asset, since time.Time) (model.Amount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var total model.Amount
	for _, rec := range r.s.payments {
		if rec.SenderAddress != sender || rec.CreatedAt.Before(since) {
			continue
		}
		if rec.Status == model.StatusFailed || rec.Status == model.StatusCancelled {
			continue
		}
		if rec.Asset.String() != asset.String() {
			continue
		}
		total += rec.Amount
	}
	return total, nil
}

// ---------- cursors ----------

type CursorRepo struct{ s *Store }

var _ store.CursorRepository = (*CursorRepo)(nil)

func (r *CursorRepo) Get(_ context.Context, source string) (*model.IndexerCursor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.cursors[source]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *CursorRepo) InitIfAbsent(_ context.Context, initial model.CursorAdvance) (*model.IndexerCursor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.cursors[initial.Source]
	if !ok {
		now := r.s.now()
		c = &model.IndexerCursor{
			Source:         initial.Source,
			Network:        initial.Network,
			CursorValue:    initial.CursorValue,
			CursorSequence: initial.CursorSequence,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		r.s.cursors[initial.Source] = c
	}
	cp := *c
	return &cp, nil
}

func (r *CursorRepo) ApplyIndexedBatch(_ context.Context, drafts []*model.PaymentDraft, advance model.CursorAdvance) (store.BatchResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var res store.BatchResult
	for _, d := range drafts {
		if resolved, ok, err := r.s.resolveIssuedLocked(d); err != nil {
			return store.BatchResult{}, err
		} else if ok {
			res.Resolved = append(res.Resolved, resolved)
			continue
		}
		rec, err := r.s.insertLocked(d)
		if err == store.ErrDuplicateLedgerEvent {
			res.Duplicates++
			continue
		}
		if err != nil {
			return store.BatchResult{}, err
		}
		res.Inserted = append(res.Inserted, rec)
	}

	c, ok := r.s.cursors[advance.Source]
	if ok && c.Network == advance.Network && c.CursorSequence <= advance.CursorSequence {
		c.CursorValue = advance.CursorValue
		c.CursorSequence = advance.CursorSequence
		c.ItemsProcessed += advance.ItemsProcessed
		c.UpdatedAt = r.s.now()
		res.CursorAdvanced = true
	}
	return res, nil
}

// resolveIssuedLocked completes a pending record whose issued envelope is
// the discovered transaction. ok is false when no such record is pending.
func (s *Store) resolveIssuedLocked(d *model.PaymentDraft) (*model.PaymentRecord, bool, error) {
	if d.TxHash == nil {
		return nil, false, nil
	}
	if _, taken := s.byHash[*d.TxHash]; taken {
		return nil, false, nil
	}
	id, found := s.byIssued[*d.TxHash]
	if !found || s.payments[id].Status != model.StatusPending {
		return nil, false, nil
	}
	if _, err := s.transitionLocked(id, model.StatusPending, model.StatusProcessing, model.TransitionFields{
		TxHash:        d.TxHash,
		ClearEnvelope: true,
		MarkSubmitted: true,
	}); err != nil {
		return nil, false, err
	}
	rec, err := s.transitionLocked(id, model.StatusProcessing, model.StatusSuccess, model.TransitionFields{
		Fee:            model.Ptr(d.Fee),
		LedgerSequence: d.LedgerSequence,
	})
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// ---------- wallets ----------

type WalletRepo struct{ s *Store }

var _ store.WalletRepository = (*WalletRepo)(nil)

func (r *WalletRepo) GetActive(_ context.Context, network model.Network) ([]model.Wallet, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Wallet
	for k, w := range r.s.wallets {
		if k.network == network && w.IsActive {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (r *WalletRepo) FindByAddress(_ context.Context, network model.Network, address string) (*model.Wallet, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.wallets[walletKey{network: network, address: address}]
	if !ok || !w.IsActive {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (r *WalletRepo) Upsert(_ context.Context, w *model.Wallet) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now()
	key := walletKey{network: w.Network, address: w.Address}
	if existing, ok := r.s.wallets[key]; ok {
		w.ID = existing.ID
		w.CreatedAt = existing.CreatedAt
	} else {
		if w.ID == uuid.Nil {
			w.ID = uuid.New()
		}
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	cp := *w
	r.s.wallets[key] = &cp
	return nil
}

// ---------- contacts ----------

type ContactRepo struct{ s *Store }

var _ store.ContactRepository = (*ContactRepo)(nil)

func (r *ContactRepo) RecordPayment(_ context.Context, owner, contact string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := contactKey{owner: owner, contact: contact}
	c, ok := r.s.contacts[key]
	if !ok {
		c = &model.Contact{OwnerAddress: owner, ContactAddress: contact}
		r.s.contacts[key] = c
	}
	c.PaymentCount++
	if at.After(c.LastPaidAt) {
		c.LastPaidAt = at
	}
	return nil
}

func (r *ContactRepo) ListByOwner(_ context.Context, owner string, limit int) ([]model.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Contact
	for k, c := range r.s.contacts {
		if k.owner == owner {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastPaidAt.After(out[j].LastPaidAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
