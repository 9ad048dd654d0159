package credit

// =============================================================================
// NEGATIVE BALANCE POLICY
// =============================================================================

// Allowance decides whether a wallet may go below zero.
type Allowance func(subject Subject, creditType string) bool

// Allow returns a constant allowance.
func Allow(v bool) Allowance {
	return func(Subject, string) bool { return v }
}

// NegativeBalancePolicy is injected into the ledger at construction.
// PerType entries override Global for their credit type.
type NegativeBalancePolicy struct {
	Global  Allowance
	PerType map[string]Allowance
}

// Allows reports whether subject may go negative in creditType.
// A nil policy allows nothing.
func (p NegativeBalancePolicy) Allows(subject Subject, creditType string) bool {
	if allow, ok := p.PerType[creditType]; ok && allow != nil {
		return allow(subject, creditType)
	}
	if p.Global != nil {
		return p.Global(subject, creditType)
	}
	return false
}
