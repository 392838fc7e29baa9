package exchange

import (
	"fmt"
	"sync"
)

// PaperClient implements the Exchange interface for paper trading. Orders
// fill instantly at the current price from the provider, positions average
// their entry on same-direction adds and close when the signed amount
// reaches zero.
type PaperClient struct {
	mu            sync.RWMutex
	positions     map[string]*Position
	leverage      map[string]int
	nextOrderID   int64
	priceProvider func(symbol string) (float64, error)
}

// NewPaperClient creates a paper exchange backed by a price provider.
func NewPaperClient(priceProvider func(symbol string) (float64, error)) *PaperClient {
	return &PaperClient{
		positions:     make(map[string]*Position),
		leverage:      make(map[string]int),
		nextOrderID:   1000,
		priceProvider: priceProvider,
	}
}

func (c *PaperClient) GetPositions() ([]Position, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	positions := make([]Position, 0, len(c.positions))
	for _, pos := range c.positions {
		p := *pos
		if price, err := c.priceProvider(p.Symbol); err == nil {
			p.MarkPrice = price
			p.UnrealizedProfit = (price - p.EntryPrice) * p.PositionAmt
		}
		positions = append(positions, p)
	}
	return positions, nil
}

func (c *PaperClient) GetPositionBySymbol(symbol string) (*Position, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pos, exists := c.positions[symbol]
	if !exists {
		return &Position{Symbol: symbol, Leverage: c.leverageLocked(symbol)}, nil
	}

	p := *pos
	if price, err := c.priceProvider(symbol); err == nil {
		p.MarkPrice = price
		p.UnrealizedProfit = (price - p.EntryPrice) * p.PositionAmt
	}
	return &p, nil
}

func (c *PaperClient) GetCurrentPrice(symbol string) (float64, error) {
	return c.priceProvider(symbol)
}

func (c *PaperClient) PlaceMarketOrder(params OrderParams) (*OrderResult, error) {
	if params.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity: %v", params.Quantity)
	}

	price, err := c.priceProvider(params.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get current price: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	qty := params.Quantity
	if params.Side == SideSell {
		qty = -qty
	}

	pos, exists := c.positions[params.Symbol]
	if !exists {
		pos = &Position{Symbol: params.Symbol, Leverage: c.leverageLocked(params.Symbol)}
		c.positions[params.Symbol] = pos
	}

	oldAmt := pos.PositionAmt
	newAmt := oldAmt + qty

	switch {
	case newAmt == 0:
		delete(c.positions, params.Symbol)
	case oldAmt == 0:
		pos.EntryPrice = price
		pos.PositionAmt = newAmt
	case (oldAmt > 0) == (qty > 0):
		// Adding to position - average entry price
		totalCost := pos.EntryPrice*abs(oldAmt) + price*abs(qty)
		pos.EntryPrice = totalCost / abs(newAmt)
		pos.PositionAmt = newAmt
	default:
		// Reducing position - entry price unchanged
		pos.PositionAmt = newAmt
	}

	orderID := c.nextOrderID
	c.nextOrderID++

	return &OrderResult{
		OrderID:  orderID,
		Symbol:   params.Symbol,
		Side:     string(params.Side),
		AvgPrice: price,
		Quantity: params.Quantity,
		Status:   "FILLED",
	}, nil
}

func (c *PaperClient) SetLeverage(symbol string, leverage int) error {
	if leverage < 1 || leverage > 125 {
		return fmt.Errorf("invalid leverage: must be between 1 and 125")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.leverage[symbol] = leverage
	return nil
}

// SeedPosition installs a position directly, used by recovery tests to
// model positions that exist on the venue but not in the ledger.
func (c *PaperClient) SeedPosition(symbol string, amt, entryPrice float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[symbol] = &Position{
		Symbol:      symbol,
		PositionAmt: amt,
		EntryPrice:  entryPrice,
		Leverage:    c.leverageLocked(symbol),
	}
}

func (c *PaperClient) leverageLocked(symbol string) int {
	if lev, exists := c.leverage[symbol]; exists {
		return lev
	}
	return 1
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

var _ Exchange = (*PaperClient)(nil)
