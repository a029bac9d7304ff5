package model

import (
	"encoding/json"
	"time"
)

// CacheCategory selects a default TTL for cache entries.
type CacheCategory string

const (
	CacheCategoryRetail     CacheCategory = "retail_price"
	CacheCategoryStatistics CacheCategory = "statistics"
	CacheCategoryFusion     CacheCategory = "price_fusion"
	CacheCategoryDefault    CacheCategory = "default"
)

// CacheEntry is one cached value in either tier.
type CacheEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Category  CacheCategory   `json:"category"`
	ExpiresAt time.Time       `json:"expires_at"`
	CreatedAt time.Time       `json:"created_at"`
	HitCount  int             `json:"hit_count"`
}

// Expired reports whether the entry is past its expiry at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}
