package bidding

import "fmt"

// Subaccount is one operator-controlled bid slot for a cohort. IsRebid marks
// slots that already held a winning position in a previous bidding cycle for
// the same cohort; it is immutable for the cohort's lifetime.
type Subaccount struct {
	Index   int
	Address string
	IsRebid bool
}

// Accounts is the key-management boundary. Signing and derivation happen
// behind it; the bidding engine only needs addresses.
type Accounts interface {
	// FundingAddress is the account that pays bids, fees and tips.
	FundingAddress() string

	// Subaccount returns the operator's bid slot at the given index.
	Subaccount(index int) (Subaccount, error)

	// OwnsAddress reports whether the address is one of the operator's
	// subaccounts, and at which index.
	OwnsAddress(address string) (int, bool)

	// MaxSubaccounts is how many bid slots the operator can field at once.
	MaxSubaccounts() int
}

// StaticAccounts serves a fixed, pre-derived address list.
type StaticAccounts struct {
	funding     string
	subaccounts []string
	index       map[string]int
}

var _ Accounts = (*StaticAccounts)(nil)

func NewStaticAccounts(funding string, subaccounts []string) *StaticAccounts {
	index := make(map[string]int, len(subaccounts))
	for i, addr := range subaccounts {
		index[addr] = i
	}
	return &StaticAccounts{
		funding:     funding,
		subaccounts: subaccounts,
		index:       index,
	}
}

func (a *StaticAccounts) FundingAddress() string { return a.funding }

func (a *StaticAccounts) Subaccount(index int) (Subaccount, error) {
	if index < 0 || index >= len(a.subaccounts) {
		return Subaccount{}, fmt.Errorf("subaccount index %d out of range (have %d)", index, len(a.subaccounts))
	}
	return Subaccount{Index: index, Address: a.subaccounts[index]}, nil
}

func (a *StaticAccounts) OwnsAddress(address string) (int, bool) {
	i, ok := a.index[address]
	return i, ok
}

func (a *StaticAccounts) MaxSubaccounts() int { return len(a.subaccounts) }
