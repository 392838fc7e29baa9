// Package exchange abstracts the futures venue behind a small interface so
// workers and the recovery pass run identically against the live API and
// the paper simulator.
package exchange

// Exchange is the surface the trading side of the system needs from a
// futures venue.
type Exchange interface {
	// GetPositions retrieves all open positions for the account.
	GetPositions() ([]Position, error)

	// GetPositionBySymbol retrieves the position for one symbol. A flat
	// symbol returns a zero-amount position, not an error.
	GetPositionBySymbol(symbol string) (*Position, error)

	// GetCurrentPrice retrieves the last traded price for a symbol.
	GetCurrentPrice(symbol string) (float64, error)

	// PlaceMarketOrder submits a market order and returns the fill.
	PlaceMarketOrder(params OrderParams) (*OrderResult, error)

	// SetLeverage sets the leverage used for new positions on a symbol.
	SetLeverage(symbol string, leverage int) error
}
