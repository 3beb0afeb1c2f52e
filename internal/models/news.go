package models

import (
	"time"
)

// NewsItem is a news article attached to the stock it was fetched for.
type NewsItem struct {
	StockID        string
	Ticker         string
	ExternalID     string
	Title          string
	Publisher      string
	Link           string
	PublishTime    time.Time
	ContentType    string
	RelatedTickers []string
}

// Key returns the per-stock deduplication key.
func (n NewsItem) Key() string {
	return n.StockID + "/" + n.ExternalID
}
