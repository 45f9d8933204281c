package main

import (
	"fmt"

	"github.com/mickamy/fes"
	"github.com/mickamy/fes/command"
)

// AccountState is the materialized state the FES folds Account events
// into. It is the type StateCodec (de)serializes for local snapshots.
type AccountState struct {
	ID      string `json:"id"`
	Owner   string `json:"owner"`
	Balance int64  `json:"balance"`
	Opened  bool   `json:"opened"`
}

// foldAccount is Account's FoldFunc: pure, deterministic, and the only
// place that knows how each event type changes the state.
func foldAccount(state any, e fes.Event) any {
	s, _ := state.(AccountState)
	switch ev := e.Payload.(type) {
	case AccountOpened:
		s.ID = ev.AccountID
		s.Owner = ev.Owner
		s.Balance = ev.Initial
		s.Opened = true
	case MoneyDeposited:
		s.Balance += ev.Amount
	}
	return s
}

// Account is the command-handling aggregate root: domain rules live
// here, while state derivation lives in foldAccount.
type Account struct {
	command.Base[AccountState]
}

// Handle routes a command to domain logic and raises the resulting
// event, if any.
func (a *Account) Handle(cmd any) error {
	state := a.State()
	switch c := cmd.(type) {
	case OpenAccountCommand:
		if state.Opened {
			return fmt.Errorf("account already opened")
		}
		if c.AccountID == "" {
			return fmt.Errorf("empty account id")
		}
		if c.Initial < 0 {
			return fmt.Errorf("initial balance cannot be negative")
		}
		a.Raise(AccountOpened{AccountID: c.AccountID, Owner: c.Owner, Initial: c.Initial}, fes.NewTagSet(accountTag(c.AccountID)))
		return nil

	case DepositCommand:
		if !state.Opened {
			return fmt.Errorf("account not opened")
		}
		if c.Amount <= 0 {
			return fmt.Errorf("invalid deposit amount")
		}
		a.Raise(MoneyDeposited{Amount: c.Amount}, fes.NewTagSet(accountTag(c.AccountID)))
		return nil
	}

	return fmt.Errorf("unknown command type %T", cmd)
}
