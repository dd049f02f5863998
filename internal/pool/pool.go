package pool

import (
	"math/big"

	"PeerLend/internal/ray"
)

// Pool is the underlying liquidity pool collaborator. The overlay deposits
// unmatched supply into it, draws unmatched borrows from it, and reads its
// ray-scaled interest indices. Implementations are external; the core only
// propagates their success or failure.
type Pool interface {
	// CurrentSupplyIndex returns the pool's cumulative supply index (ray).
	CurrentSupplyIndex(asset string) (ray.Ray, error)
	// CurrentBorrowIndex returns the pool's cumulative borrow index (ray).
	CurrentBorrowIndex(asset string) (ray.Ray, error)

	Deposit(asset string, amount *big.Int) error
	Withdraw(asset string, amount *big.Int) error
	Borrow(asset string, amount *big.Int) error
	Repay(asset string, amount *big.Int) error
}

// Oracle provides asset prices. Consumed only by solvency checks that run
// upstream of this core; exposed here so the orchestrator can thread it.
type Oracle interface {
	Price(asset string) (*big.Int, error)
	Decimals(asset string) (uint8, error)
}
