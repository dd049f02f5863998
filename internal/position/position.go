package position

import (
	"math/big"

	"github.com/google/uuid"
)

// Side discriminates the two halves of a market.
type Side int8

const (
	SideSupply Side = iota
	SideBorrow
)

func (s Side) String() string {
	if s == SideSupply {
		return "supply"
	}
	return "borrow"
}

// Position is one user's balance on one side of one market.
// OnPool is held in pool-scaled units (underlying = OnPool * poolIndex),
// InP2P in P2P units (underlying = InP2P * p2pIndex). Both non-negative;
// a position with OnPool = InP2P = 0 is absent from the side's registries.
type Position struct {
	Market  string
	User    uuid.UUID
	Side    Side
	OnPool  *big.Int
	InP2P   *big.Int
	Version int64
}

// IsZero reports whether the position holds no balance on either bucket.
func (p *Position) IsZero() bool {
	return p.OnPool.Sign() == 0 && p.InP2P.Sign() == 0
}

func (p *Position) clone() *Position {
	return &Position{
		Market:  p.Market,
		User:    p.User,
		Side:    p.Side,
		OnPool:  new(big.Int).Set(p.OnPool),
		InP2P:   new(big.Int).Set(p.InP2P),
		Version: p.Version,
	}
}
