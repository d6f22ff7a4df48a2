package payout

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// InstructionStatus is a PSP-side settlement state.
type InstructionStatus string

// PSP-side states.
const (
	StatusPending InstructionStatus = "pending"
	StatusSettled InstructionStatus = "settled"
	StatusFailed  InstructionStatus = "failed"
)

// Submission is the provider-facing view of one instruction.
type Submission struct {
	InstructionID   uuid.UUID
	Tenant          string
	MerchantAccount string
	Direction       string
	AmountCents     int64
	Currency        string
}

// StatusResult carries the provider's view of a submitted instruction.
type StatusResult struct {
	Status InstructionStatus
	Reason string
}

// PSP is the payment service provider contract. Submit must be idempotent
// per instruction id; Status is polled until a terminal state.
type PSP interface {
	Name() string
	Submit(ctx context.Context, s Submission) (pspRef string, err error)
	Status(ctx context.Context, pspRef string) (StatusResult, error)
}

// Sandbox is an in-memory provider for development and tests. Every
// submission settles on the first status poll unless the merchant account
// was marked failing.
type Sandbox struct {
	mu      sync.Mutex
	refs    map[string]Submission
	byInstr map[uuid.UUID]string
	failing map[string]string
}

// NewSandbox builds an empty sandbox provider.
func NewSandbox() *Sandbox {
	return &Sandbox{
		refs:    make(map[string]Submission),
		byInstr: make(map[uuid.UUID]string),
		failing: make(map[string]string),
	}
}

// Name identifies the provider in config and logs.
func (s *Sandbox) Name() string { return "sandbox" }

// FailAccount makes future status polls for the merchant account report a
// failed settlement with the given reason.
func (s *Sandbox) FailAccount(account, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[account] = reason
}

// RecoverAccount clears a previously injected failure.
func (s *Sandbox) RecoverAccount(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failing, account)
}

// Submit registers the submission and returns a stable reference. Repeat
// submissions of the same instruction return the original reference.
func (s *Sandbox) Submit(_ context.Context, sub Submission) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok := s.byInstr[sub.InstructionID]; ok {
		return ref, nil
	}
	ref := "sandbox-" + uuid.NewString()
	s.refs[ref] = sub
	s.byInstr[sub.InstructionID] = ref
	return ref, nil
}

// Status reports settled for every known reference, or failed when the
// merchant account carries an injected failure.
func (s *Sandbox) Status(_ context.Context, pspRef string) (StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.refs[pspRef]
	if !ok {
		return StatusResult{}, fmt.Errorf("unknown psp reference %q", pspRef)
	}
	if reason, failed := s.failing[sub.MerchantAccount]; failed {
		return StatusResult{Status: StatusFailed, Reason: reason}, nil
	}
	return StatusResult{Status: StatusSettled}, nil
}
