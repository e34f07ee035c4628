// Package ingester is the single consumer of the ingest queue. It merges
// each observation into storage in its own unit of work.
package ingester

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/interfaces"
	"github.com/ternarybob/polymer/internal/models"
	"github.com/ternarybob/polymer/internal/queue"
)

// Service must have exactly one Run loop per queue; concurrent consumers
// would race on the slug lookup-or-create.
type Service struct {
	storage interfaces.AssetStorage
	queue   *queue.Queue[models.Observation]
	logger  arbor.ILogger
}

// NewService creates an ingester over q.
func NewService(storage interfaces.AssetStorage, q *queue.Queue[models.Observation], logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		queue:   q,
		logger:  logger,
	}
}

// Run consumes the queue until ctx is cancelled, returning nil, or until a
// storage failure, returning it. A message already taken when ctx is
// cancelled is still committed.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().Int("capacity", s.queue.Cap()).Msg("Ingester started")

	for {
		observation, err := s.queue.Get(ctx)
		if err != nil {
			s.logger.Info().Int("pending", s.queue.Len()).Msg("Ingester stopped")
			return nil
		}
		if err := s.Process(context.WithoutCancel(ctx), observation); err != nil {
			s.logger.Error().Err(err).Str("slug", observation.Asset.Slug).Msg("Ingester halted on storage failure")
			return err
		}
	}
}

// Drain processes the messages waiting right now and returns once the
// queue is empty. It is for one-shot runs with no Run loop.
func (s *Service) Drain(ctx context.Context) (int, error) {
	processed := 0
	for ctx.Err() == nil {
		observation, ok := s.queue.TryGet()
		if !ok {
			break
		}
		if err := s.Process(ctx, observation); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, ctx.Err()
}

// Process merges one observation. Malformed messages are logged and dropped;
// the returned error is always a storage error.
func (s *Service) Process(ctx context.Context, observation models.Observation) error {
	if err := observation.Validate(); err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed observation")
		return nil
	}

	var created bool
	err := s.storage.Update(ctx, func(tx interfaces.AssetTx) error {
		var err error
		created, err = merge(tx, &observation)
		return err
	})
	if err != nil {
		return fmt.Errorf("ingest %s %q: %w", observation.Kind, observation.Asset.Slug, err)
	}

	s.logger.Debug().
		Str("slug", observation.Asset.Slug).
		Str("kind", string(observation.Kind)).
		Bool("created", created).
		Msg("Observation ingested")
	return nil
}

// merge applies one observation inside tx. Repeating it is harmless: the
// asset is only created when the slug is absent, and an order only ever
// raises yanked and overwrites the download URL.
func merge(tx interfaces.AssetTx, observation *models.Observation) (bool, error) {
	asset, err := tx.AssetBySlug(observation.Asset.Slug)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return false, err
	}

	if asset != nil {
		if !observation.IsOrder() {
			return false, nil
		}
		asset.MarkOrdered(observation.DownloadURL)
		return false, tx.SaveAsset(asset)
	}

	asset, err = newAsset(tx, &observation.Asset)
	if err != nil {
		return false, err
	}
	if observation.IsOrder() {
		asset.MarkOrdered(observation.DownloadURL)
	}
	return true, tx.CreateAsset(asset)
}

func newAsset(tx interfaces.AssetTx, observed *models.ObservedAsset) (*models.Asset, error) {
	creator, err := userFor(tx, observed.Creator)
	if err != nil {
		return nil, err
	}

	asset := &models.Asset{
		Slug:        observed.Slug,
		Name:        observed.Name,
		Details:     observed.Details,
		Description: observed.Description,
		Cents:       *observed.Cents,
		CreatorID:   creator.ID,
		TagIDs:      []int64{},
	}
	for _, label := range observed.Tags {
		tag, err := tagFor(tx, label)
		if err != nil {
			return nil, err
		}
		if !asset.HasTag(tag.ID) {
			asset.TagIDs = append(asset.TagIDs, tag.ID)
		}
	}
	for _, src := range observed.Illustrations {
		asset.Illustrations = append(asset.Illustrations, models.Illustration{Src: src})
	}
	return asset, nil
}

func userFor(tx interfaces.AssetTx, nickname string) (*models.User, error) {
	user, err := tx.UserByNickname(nickname)
	if errors.Is(err, interfaces.ErrNotFound) {
		user = &models.User{Nickname: nickname}
		err = tx.CreateUser(user)
	}
	return user, err
}

func tagFor(tx interfaces.AssetTx, label string) (*models.Tag, error) {
	tag, err := tx.TagByLabel(label)
	if errors.Is(err, interfaces.ErrNotFound) {
		tag = &models.Tag{Label: label}
		err = tx.CreateTag(tag)
	}
	return tag, err
}
