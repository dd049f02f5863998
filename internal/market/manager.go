package market

import (
	"errors"
	"fmt"

	"PeerLend/internal/ray"
)

// Configuration errors. Rejections happen before any state mutation so a
// failed call leaves the market untouched.
var (
	ErrNotCreated      = errors.New("market not created")
	ErrAlreadyCreated  = errors.New("market already created")
	ErrPaused          = errors.New("market paused")
	ErrPartiallyPaused = errors.New("market partially paused")
	ErrBadParams       = errors.New("invalid market parameters")
)

// Manager owns all markets. Single-threaded like the rest of the core.
type Manager struct {
	markets map[string]*Market
}

func NewManager() *Manager {
	return &Manager{markets: make(map[string]*Market)}
}

// Create registers a market with initial pool index snapshots and
// parameters. P2P indices start at one ray.
func (mm *Manager) Create(asset string, poolSupplyIndex, poolBorrowIndex ray.Ray, params Params, now int64) (*Market, error) {
	if _, ok := mm.markets[asset]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCreated, asset)
	}
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if poolSupplyIndex.Sign() <= 0 || poolBorrowIndex.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive pool index", ErrBadParams)
	}

	m := &Market{
		Asset:              asset,
		PoolSupplyIndex:    poolSupplyIndex,
		PoolBorrowIndex:    poolBorrowIndex,
		P2PSupplyIndex:     ray.Unit,
		P2PBorrowIndex:     ray.Unit,
		LastUpdate:         now,
		Cursor:             params.Cursor,
		ReserveFactor:      params.ReserveFactor,
		MaxSortedUsers:     params.MaxSortedUsers,
		DefaultMatchBudget: params.DefaultMatchBudget,
		Flags:              Flags{Created: true},
		SupplyDelta:        newDelta(),
		BorrowDelta:        newDelta(),
	}
	mm.markets[asset] = m
	return m, nil
}

func validateParams(p Params) error {
	if !p.Cursor.IsFraction() {
		return fmt.Errorf("%w: cursor outside [0,1]", ErrBadParams)
	}
	if !p.ReserveFactor.IsFraction() {
		return fmt.Errorf("%w: reserve factor outside [0,1]", ErrBadParams)
	}
	if p.MaxSortedUsers < 0 || p.DefaultMatchBudget < 0 {
		return fmt.Errorf("%w: negative capacity or budget", ErrBadParams)
	}
	return nil
}

// Get returns the market or ErrNotCreated.
func (mm *Manager) Get(asset string) (*Market, error) {
	m, ok := mm.markets[asset]
	if !ok || !m.Flags.Created {
		return nil, fmt.Errorf("%w: %s", ErrNotCreated, asset)
	}
	return m, nil
}

// SetParams applies an administrative parameter update. Arbitrary valid
// changes are accepted between any two core operations.
func (mm *Manager) SetParams(asset string, params Params) error {
	m, err := mm.Get(asset)
	if err != nil {
		return err
	}
	if err := validateParams(params); err != nil {
		return err
	}
	m.Cursor = params.Cursor
	m.ReserveFactor = params.ReserveFactor
	m.MaxSortedUsers = params.MaxSortedUsers
	m.DefaultMatchBudget = params.DefaultMatchBudget
	m.Version++
	return nil
}

// SetPause updates the lifecycle flags.
func (mm *Manager) SetPause(asset string, paused, partiallyPaused, p2pDisabled bool) error {
	m, err := mm.Get(asset)
	if err != nil {
		return err
	}
	m.Flags.Paused = paused
	m.Flags.PartiallyPaused = partiallyPaused
	m.Flags.P2PDisabled = p2pDisabled
	m.Version++
	return nil
}

// All returns every created market (iteration order unspecified).
func (mm *Manager) All() []*Market {
	out := make([]*Market, 0, len(mm.markets))
	for _, m := range mm.markets {
		out = append(out, m)
	}
	return out
}

// Restore replaces a market entry wholesale (snapshot rollback/restore).
func (mm *Manager) Restore(m *Market) {
	mm.markets[m.Asset] = m
}
