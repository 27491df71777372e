package models

import "time"

// PriceSample is an append-only observation of a symbol's last price
// and traded volume at a point in time.
type PriceSample struct {
	ID         uint      `gorm:"primaryKey"`
	SymbolRef  uint      `gorm:"index;not null"`
	Price      string    `gorm:"type:decimal(12,4);not null"` // decimal(12,4), kept as string to avoid float rounding
	Volume     *int64    `gorm:"type:bigint"`                 // nil when the provider omitted volume
	ObservedAt time.Time `gorm:"not null"`
}

// Fundamentals is an append-only snapshot of a symbol's fundamental
// metrics, recorded only when at least one field was non-null.
type Fundamentals struct {
	ID             uint    `gorm:"primaryKey"`
	SymbolRef      uint    `gorm:"index;not null"`
	PERatio        *string `gorm:"type:decimal(12,4)"`
	EPS            *string `gorm:"type:decimal(12,4)"`
	DividendYield  *string `gorm:"type:decimal(12,4)"`
	MarketCap      *int64  `gorm:"type:bigint"`
	CollectedAt    time.Time `gorm:"not null"`
}

// HistoryBar is one daily OHLCV bar. Unique per (symbol, date); a
// re-seen bar is a silent no-op on insert.
type HistoryBar struct {
	ID        uint      `gorm:"primaryKey"`
	SymbolRef uint      `gorm:"uniqueIndex:idx_symbol_date;not null"`
	Date      time.Time `gorm:"type:date;uniqueIndex:idx_symbol_date;not null"`
	Open      string    `gorm:"type:decimal(12,4);not null"`
	High      string    `gorm:"type:decimal(12,4);not null"`
	Low       string    `gorm:"type:decimal(12,4);not null"`
	Close     string    `gorm:"type:decimal(12,4);not null"`
	Volume    *int64    `gorm:"type:bigint"`
}

// FundamentalsData carries fundamental fields as returned by the quote
// source, prior to persistence. Nil fields mean "not provided".
type FundamentalsData struct {
	PERatio       *string
	EPS           *string
	DividendYield *string
	MarketCap     *int64
}

// HistoryBarData is one OHLCV row as returned by the quote source.
type HistoryBarData struct {
	Date   time.Time
	Open   string
	High   string
	Low    string
	Close  string
	Volume *int64
}

// QuoteRecord is the per-symbol result of one successful Quote Source
// call: last price, volume, optional fundamentals, optional OHLCV
// history. This is what the Fetch Engine hands to the Persistence
// layer.
type QuoteRecord struct {
	Symbol       string
	AssetType    AssetType
	Currency     string
	Price        string
	Volume       *int64
	ObservedAt   time.Time
	Fundamentals *FundamentalsData
	History      []HistoryBarData
}

// HasFundamentals reports whether any fundamental field was populated,
// which gates whether a Fundamentals row is inserted at all.
func (f *FundamentalsData) HasFundamentals() bool {
	if f == nil {
		return false
	}
	return f.PERatio != nil || f.EPS != nil || f.DividendYield != nil || f.MarketCap != nil
}
