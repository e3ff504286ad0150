package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition      = errors.New("invalid contract state transition")
	ErrUnauthorizedActor      = errors.New("actor not permitted for this transition")
	ErrPreconditionFailed     = errors.New("transition precondition failed")
	ErrConcurrentModification = errors.New("contract modified concurrently, re-read and retry")
	ErrMilestoneUnsupported   = errors.New("milestone payment trigger is not supported")
)

type edge struct {
	from ContractState
	to   ContractState
}

type transitionRule struct {
	// roles allowed to drive the edge. Empty means either contract party.
	roles []Role
	// precondition, if set, must pass before the edge is taken.
	precondition func(c Contract) error
}

var transitionRules = map[edge]transitionRule{
	{StateDraft, StateProposed}:    {roles: []Role{RoleSeeker}},
	{StateDraft, StateRejected}:    {roles: []Role{RoleSeeker}},
	{StateProposed, StateSigned}:   {precondition: requireBothSignatures},
	{StateProposed, StateRejected}: {},
	{StateSigned, StateExecuting}:  {roles: []Role{RoleWorker}},
	{StateExecuting, StateCompleted}: {roles: []Role{RoleSeeker}},
	{StateExecuting, StateDisputed}:  {},
	{StateDisputed, StateResolved}:  {roles: []Role{RoleArbiter}},
	{StateDisputed, StateCompleted}: {roles: []Role{RoleArbiter}},
	{StateDisputed, StateRejected}:  {roles: []Role{RoleArbiter}},
}

func requireBothSignatures(c Contract) error {
	if !c.FullySigned() {
		return fmt.Errorf("%w: both signatures required before signing completes", ErrPreconditionFailed)
	}
	return nil
}

// ValidTargets lists the states reachable from the given state.
func ValidTargets(from ContractState) []ContractState {
	var out []ContractState
	for e := range transitionRules {
		if e.from == from {
			out = append(out, e.to)
		}
	}
	return out
}

// ValidateTransition checks a requested edge against the transition table
// without applying it. Callers persist the new state with a compare-and-swap
// on the contract's row version after validation passes.
func ValidateTransition(c Contract, target ContractState, actor Actor) error {
	rule, ok := transitionRules[edge{c.State, target}]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, target)
	}
	if err := checkActor(c, rule, actor); err != nil {
		return err
	}
	if rule.precondition != nil {
		if err := rule.precondition(c); err != nil {
			return err
		}
	}
	return nil
}

func checkActor(c Contract, rule transitionRule, actor Actor) error {
	if actor.Role == RoleArbiter {
		// Arbiters drive only the edges that name them.
		for _, r := range rule.roles {
			if r == RoleArbiter {
				return nil
			}
		}
		return fmt.Errorf("%w: arbiter may only resolve disputes", ErrUnauthorizedActor)
	}
	role, isParty := c.RoleOf(actor.AgentID)
	if !isParty {
		return fmt.Errorf("%w: agent %s is not a party to this contract", ErrUnauthorizedActor, actor.AgentID)
	}
	if len(rule.roles) == 0 {
		return nil
	}
	for _, r := range rule.roles {
		if r == role {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not drive this transition", ErrUnauthorizedActor, role)
}
