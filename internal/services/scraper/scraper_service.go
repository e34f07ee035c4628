// Package scraper turns the marketplace collections into observations on the ingest queue.
package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/interfaces"
	"github.com/ternarybob/polymer/internal/models"
	"github.com/ternarybob/polymer/internal/queue"
)

// Service is the producer side of the ingest queue. It never touches storage.
type Service struct {
	client   interfaces.MarketplaceClient
	queue    *queue.Queue[models.Observation]
	pageSize int
	logger   arbor.ILogger
}

// NewService creates a scraper that pages through client pageSize records at a time.
func NewService(client interfaces.MarketplaceClient, q *queue.Queue[models.Observation], pageSize int, logger arbor.ILogger) *Service {
	return &Service{
		client:   client,
		queue:    q,
		pageSize: pageSize,
		logger:   logger,
	}
}

// FetchLiked enqueues one liked observation per liked creation.
func (s *Service) FetchLiked(ctx context.Context) error {
	enqueued := 0
	for creation, err := range s.client.Liked(ctx, s.pageSize) {
		if err != nil {
			return fmt.Errorf("fetch liked after %d records: %w", enqueued, err)
		}
		observation := models.Observation{
			Kind:       models.ObservationLiked,
			Asset:      Normalize(creation),
			ObservedAt: time.Now().UTC(),
		}
		if err := s.queue.Put(ctx, observation); err != nil {
			return fmt.Errorf("enqueue liked %q: %w", creation.Slug, err)
		}
		enqueued++
	}

	s.logger.Info().Int("enqueued", enqueued).Msg("Liked creations fetched")
	return nil
}

// FetchOrders enqueues one order observation per order line.
func (s *Service) FetchOrders(ctx context.Context) error {
	enqueued := 0
	for line, err := range s.client.Orders(ctx, s.pageSize) {
		if err != nil {
			return fmt.Errorf("fetch orders after %d records: %w", enqueued, err)
		}
		observation := models.Observation{
			Kind:        models.ObservationOrder,
			Asset:       Normalize(line.Creation),
			DownloadURL: line.DownloadURL,
			ObservedAt:  time.Now().UTC(),
		}
		if err := s.queue.Put(ctx, observation); err != nil {
			return fmt.Errorf("enqueue order %q: %w", line.Creation.Slug, err)
		}
		enqueued++
	}

	s.logger.Info().Int("enqueued", enqueued).Msg("Order lines fetched")
	return nil
}

// Normalize maps a marketplace creation to the fields the ingester merges.
// A missing price or creator is left unset, which fails validation
// downstream.
func Normalize(creation models.Creation) models.ObservedAsset {
	observed := models.ObservedAsset{
		Slug:        creation.Slug,
		Name:        creation.Name,
		Details:     creation.Details,
		Description: creation.Description,
		Tags:        creation.Tags,
	}
	if creation.Price != nil {
		cents := creation.Price.Cents
		observed.Cents = &cents
	}
	if creation.Creator != nil {
		observed.Creator = creation.Creator.Nick
	}
	for _, illustration := range creation.Illustrations {
		observed.Illustrations = append(observed.Illustrations, illustration.ImageURL)
	}
	return observed
}
