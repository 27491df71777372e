package models

import "time"

// AssetType classifies the instrument a Symbol refers to.
type AssetType string

const (
	AssetStock  AssetType = "STOCK"
	AssetETF    AssetType = "ETF"
	AssetFund   AssetType = "FUND"
	AssetCrypto AssetType = "CRYPTO"
)

// Symbol is the logical parent of every time-series row collected for
// one ticker. It is created on first observation and never deleted
// while referenced.
type Symbol struct {
	ID        uint      `gorm:"primaryKey"`
	Symbol    string    `gorm:"type:varchar(32);uniqueIndex;not null"`
	AssetType AssetType `gorm:"type:varchar(16);not null"`
	Currency  string    `gorm:"type:varchar(3);not null"`
	CreatedAt time.Time
}
