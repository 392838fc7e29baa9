package exchange

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Credentials holds the API key pair for one exchange account.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Position is an open futures position as reported by the exchange.
// PositionAmt is signed: positive for long, negative for short.
type Position struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	Leverage         int     `json:"leverage,string"`
}

// IsLong reports whether the position is long.
func (p *Position) IsLong() bool { return p.PositionAmt > 0 }

// Qty returns the absolute position size.
func (p *Position) Qty() float64 {
	if p.PositionAmt < 0 {
		return -p.PositionAmt
	}
	return p.PositionAmt
}

// OrderParams describes a market order.
type OrderParams struct {
	Symbol     string
	Side       Side
	Quantity   float64
	ReduceOnly bool
}

// OrderResult is the execution report for a filled market order.
type OrderResult struct {
	OrderID  int64   `json:"orderId"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	AvgPrice float64 `json:"avgPrice,string"`
	Quantity float64 `json:"executedQty,string"`
	Status   string  `json:"status"`
}
