package main

import (
	"context"

	"github.com/mickamy/fes"
	"github.com/mickamy/fes/command"
)

type accountBackend interface {
	fes.EventStore
	fes.Ingestor
	fes.SnapshotStore[[]byte]
}

// AccountRepository loads and saves Account aggregates on top of a FES
// Orchestrator backed by the given store.
type AccountRepository struct {
	store accountBackend
}

// NewAccountRepository creates a repository backed by the given store.
func NewAccountRepository(store accountBackend) *AccountRepository {
	return &AccountRepository{store: store}
}

func accountIdentity(id string) fes.Identity {
	return fes.Identity{EntityType: "Account", Name: id, Version: 1}
}

func accountStream(id string) fes.StreamID {
	return fes.StreamID("Account:" + id)
}

// accountTag scopes an event's tag to a single account so that a
// subscription predicate for one account never matches another
// account's events in the same store.
func accountTag(id string) string {
	return "account:" + id
}

// Load rehydrates an Account by its ID: present offsets, any eligible
// local snapshot, and the event history since are all resolved by
// fes.Initialize; this repository only has to shape the result into a
// command.Base-backed aggregate.
func (r *AccountRepository) Load(ctx context.Context, id string) (*Account, error) {
	present, err := r.store.Present(ctx)
	if err != nil {
		return nil, err
	}

	orch, err := fes.Initialize[[]byte](
		ctx,
		accountIdentity(id),
		foldAccount,
		nil,
		AccountState{},
		fes.JSONStateCodec[AccountState](),
		r.store,
		r.store,
		present,
		fes.WithSubscription[[]byte](func(e fes.Event) bool { return e.Tags.Has(accountTag(id)) }),
	)
	if err != nil {
		return nil, err
	}

	state, _, err := orch.CurrentState(ctx)
	if err != nil {
		return nil, err
	}

	var a Account
	stream := accountStream(id)
	a.Init(stream, present.Get(stream), state.(AccountState), foldAccount)
	return &a, nil
}

// Save persists the aggregate's pending events with optimistic
// concurrency. The pending buffer is cleared by Flush before the
// append, whether or not the append succeeds.
func (r *AccountRepository) Save(ctx context.Context, a *Account, md fes.Metadata) error {
	evs, expected := a.Flush()
	if len(evs) == 0 {
		return nil
	}
	_, err := r.store.Append(ctx, a.Stream(), expected, evs, md)
	return err
}

var _ command.Handler = (*Account)(nil)
