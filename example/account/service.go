package main

import (
	"context"

	"github.com/mickamy/fes"
)

// AccountService orchestrates command handling using repository + store.
type AccountService struct {
	repo *AccountRepository
}

// NewAccountService wires a repository to the given store.
func NewAccountService(store accountBackend) *AccountService {
	return &AccountService{repo: NewAccountRepository(store)}
}

// Handle executes a command end-to-end: load, apply domain logic,
// append resulting events.
func (s *AccountService) Handle(ctx context.Context, cmd any, md fes.Metadata) error {
	id := extractAccountID(cmd)
	acc, err := s.repo.Load(ctx, id)
	if err != nil {
		return err
	}

	if err := acc.Handle(cmd); err != nil {
		return err
	}

	return s.repo.Save(ctx, acc, md)
}

// extractAccountID is a tiny helper for this sample. In a real app,
// consider a command interface exposing AggregateID().
func extractAccountID(cmd any) string {
	switch c := cmd.(type) {
	case OpenAccountCommand:
		return c.AccountID
	case DepositCommand:
		return c.AccountID
	default:
		return ""
	}
}
