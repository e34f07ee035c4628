package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ObservationKind tells the ingester which feed produced a record.
type ObservationKind string

const (
	ObservationLiked ObservationKind = "liked"
	ObservationOrder ObservationKind = "order"
)

// ObservedAsset is the normalized form of a marketplace creation.
type ObservedAsset struct {
	Slug          string   `json:"slug" validate:"required"`
	Name          string   `json:"name"`
	Details       string   `json:"details"`
	Description   string   `json:"description"`
	Cents         *int64   `json:"cents" validate:"required,gte=0"` // nil when the creation carried no price
	Creator       string   `json:"creator" validate:"required"`
	Tags          []string `json:"tags" validate:"dive,required"`
	Illustrations []string `json:"illustrations" validate:"dive,required"`
}

// Observation is one queue message from the scraper to the ingester.
// Order observations carry the download URL of the order line.
type Observation struct {
	Kind        ObservationKind `json:"kind" validate:"required,oneof=liked order"`
	Asset       ObservedAsset   `json:"asset"`
	DownloadURL string          `json:"download_url" validate:"required_if=Kind order"`
	ObservedAt  time.Time       `json:"observed_at"`
}

var validate = validator.New()

// Validate checks the record is complete enough to merge into storage.
func (o *Observation) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid %s observation %q: %w", o.Kind, o.Asset.Slug, err)
	}
	return nil
}

// IsOrder reports whether the record came from the orders feed.
func (o *Observation) IsOrder() bool {
	return o.Kind == ObservationOrder
}
