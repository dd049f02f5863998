package pool

import (
	"errors"
	"fmt"
	"math/big"

	"PeerLend/internal/ray"
)

var (
	ErrUnknownAsset          = errors.New("pool: unknown asset")
	ErrInsufficientLiquidity = errors.New("pool: insufficient liquidity")
)

// SimulatedPool is a deterministic in-memory pool used by tests and the
// local demo shell. Indices move only when Accrue is called, so a test
// controls accrual exactly.
type SimulatedPool struct {
	reserves map[string]*reserve
}

type reserve struct {
	supplyIndex ray.Ray
	borrowIndex ray.Ray
	// liquidity is the cash the pool holds for this asset.
	liquidity *big.Int
}

func NewSimulatedPool() *SimulatedPool {
	return &SimulatedPool{reserves: make(map[string]*reserve)}
}

// AddReserve registers an asset with starting indices and seed liquidity.
func (p *SimulatedPool) AddReserve(asset string, supplyIndex, borrowIndex ray.Ray, liquidity *big.Int) {
	p.reserves[asset] = &reserve{
		supplyIndex: supplyIndex,
		borrowIndex: borrowIndex,
		liquidity:   new(big.Int).Set(liquidity),
	}
}

// Accrue multiplies the indices by the given growth factors (ray).
func (p *SimulatedPool) Accrue(asset string, supplyGrowth, borrowGrowth ray.Ray) error {
	r, ok := p.reserves[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	r.supplyIndex = r.supplyIndex.Mul(supplyGrowth)
	r.borrowIndex = r.borrowIndex.Mul(borrowGrowth)
	return nil
}

func (p *SimulatedPool) CurrentSupplyIndex(asset string) (ray.Ray, error) {
	r, ok := p.reserves[asset]
	if !ok {
		return ray.Zero, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return r.supplyIndex, nil
}

func (p *SimulatedPool) CurrentBorrowIndex(asset string) (ray.Ray, error) {
	r, ok := p.reserves[asset]
	if !ok {
		return ray.Zero, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return r.borrowIndex, nil
}

func (p *SimulatedPool) Deposit(asset string, amount *big.Int) error {
	r, ok := p.reserves[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	r.liquidity.Add(r.liquidity, amount)
	return nil
}

func (p *SimulatedPool) Withdraw(asset string, amount *big.Int) error {
	return p.drain(asset, amount)
}

func (p *SimulatedPool) Borrow(asset string, amount *big.Int) error {
	return p.drain(asset, amount)
}

func (p *SimulatedPool) Repay(asset string, amount *big.Int) error {
	return p.Deposit(asset, amount)
}

func (p *SimulatedPool) drain(asset string, amount *big.Int) error {
	r, ok := p.reserves[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if r.liquidity.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, need %s", ErrInsufficientLiquidity, asset, r.liquidity, amount)
	}
	r.liquidity.Sub(r.liquidity, amount)
	return nil
}

// Liquidity returns the pool's current cash for an asset (test accessor).
func (p *SimulatedPool) Liquidity(asset string) *big.Int {
	r, ok := p.reserves[asset]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(r.liquidity)
}
