// Package actor performs the side-effecting marketplace actions: claiming
// free liked items and downloading ordered files.
package actor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/interfaces"
	"github.com/ternarybob/polymer/internal/marketplace"
	"github.com/ternarybob/polymer/internal/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const partSuffix = ".part"

// Config bounds each action: at most Concurrency requests in flight and
// at most one request started per Interval.
type Config struct {
	ClaimConcurrency    int
	ClaimInterval       time.Duration
	DownloadConcurrency int
	DownloadInterval    time.Duration
	DownloadsDir        string
}

// Service runs the two actions. Each item is its own unit of work, so both
// are safe to run alongside the ingester.
type Service struct {
	client  interfaces.MarketplaceClient
	storage interfaces.AssetStorage
	config  Config
	logger  arbor.ILogger
}

func NewService(client interfaces.MarketplaceClient, storage interfaces.AssetStorage, config Config, logger arbor.ILogger) *Service {
	return &Service{
		client:  client,
		storage: storage,
		config:  config,
		logger:  logger,
	}
}

type outcome int

const (
	succeeded outcome = iota
	skipped
)

type summary struct {
	selected  int
	succeeded atomic.Int32
	skipped   atomic.Int32
	failed    atomic.Int32
}

// ClaimLikedFree places a free order for every free asset not yet downloaded.
// A claim is not recorded locally; it shows up once the orders feed lists it.
func (s *Service) ClaimLikedFree(ctx context.Context) error {
	assets, err := s.storage.FindFreeUnclaimed(ctx)
	if err != nil {
		return err
	}

	return s.dispatch(ctx, "claim", assets, s.config.ClaimConcurrency, s.config.ClaimInterval,
		func(ctx context.Context, asset *models.Asset) (outcome, error) {
			if err := s.client.ClaimFree(ctx, asset.Slug); err != nil {
				return 0, err
			}
			return succeeded, nil
		})
}

// DownloadPendingOrders fetches the file of every ordered asset without a
// download and records it.
func (s *Service) DownloadPendingOrders(ctx context.Context) error {
	assets, err := s.storage.FindPendingDownloads(ctx)
	if err != nil {
		return err
	}

	return s.dispatch(ctx, "download", assets, s.config.DownloadConcurrency, s.config.DownloadInterval, s.download)
}

// dispatch logs in once and runs fn for each asset under the concurrency
// and rate bounds. Item failures are counted; a storage failure stops
// dispatch and is returned once in-flight items finish.
func (s *Service) dispatch(ctx context.Context, op string, assets []*models.Asset, concurrency int, interval time.Duration,
	fn func(ctx context.Context, asset *models.Asset) (outcome, error)) error {
	stats := &summary{selected: len(assets)}
	start := time.Now()
	defer func() {
		s.logger.Info().
			Str("op", op).
			Int("selected", stats.selected).
			Int("succeeded", int(stats.succeeded.Load())).
			Int("skipped", int(stats.skipped.Load())).
			Int("failed", int(stats.failed.Load())).
			Dur("duration", time.Since(start)).
			Msg("Actor run finished")
	}()

	if len(assets) == 0 {
		return nil
	}
	if err := s.client.Login(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if concurrency < 1 {
		concurrency = 1
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	var g errgroup.Group
	g.SetLimit(concurrency)
	var stopped atomic.Bool

	for _, asset := range assets {
		if stopped.Load() || ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if stopped.Load() {
				return nil
			}
			if err := limiter.Wait(ctx); err != nil {
				return err
			}

			result, err := fn(ctx, asset)
			switch {
			case err == nil:
				if result == skipped {
					stats.skipped.Add(1)
				} else {
					stats.succeeded.Add(1)
				}
				return nil
			case errors.Is(err, interfaces.ErrStorageFailure), errors.Is(err, marketplace.ErrAuthRequired):
				stopped.Store(true)
				stats.failed.Add(1)
				return err
			case errors.Is(err, context.Canceled):
				return err
			default:
				stats.failed.Add(1)
				event := s.logger.Error()
				if errors.Is(err, marketplace.ErrRemoteRejected) {
					event = s.logger.Warn()
				}
				event.Str("op", op).Str("slug", asset.Slug).Err(err).Msg("Actor item failed")
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return ctx.Err()
}

// download fetches one asset's file into its slug directory. Files already
// in the directory are recorded without a request.
func (s *Service) download(ctx context.Context, asset *models.Asset) (outcome, error) {
	dir, err := s.assetDir(asset.Slug)
	if err != nil {
		return 0, err
	}

	existing, err := existingFiles(dir)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		s.logger.Debug().Str("slug", asset.Slug).Int("files", len(existing)).Msg("Files already on disk, skipping request")
		return skipped, s.record(ctx, asset.ID, existing...)
	}

	file, err := s.client.DownloadFile(ctx, *asset.DownloadURL)
	if err != nil {
		return 0, err
	}
	defer file.Body.Close()

	target := filepath.Join(dir, file.Filename)
	if _, err := os.Stat(target); err == nil {
		return skipped, s.record(ctx, asset.ID, file.Filename)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("create %s: %w", dir, err)
	}
	written, err := writeFile(target, file.Body)
	if err != nil {
		return 0, err
	}

	s.logger.Info().
		Str("slug", asset.Slug).
		Str("file", file.Filename).
		Int("bytes", int(written)).
		Msg("File downloaded")
	return succeeded, s.record(ctx, asset.ID, file.Filename)
}

// record commits one Download row per filename unless the asset already has one.
func (s *Service) record(ctx context.Context, assetID int64, filenames ...string) error {
	return s.storage.Update(context.WithoutCancel(ctx), func(tx interfaces.AssetTx) error {
		has, err := tx.HasDownloads(assetID)
		if err != nil || has {
			return err
		}
		for _, name := range filenames {
			if err := tx.CreateDownload(&models.Download{AssetID: assetID, Filename: name}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) assetDir(slug string) (string, error) {
	if slug == "" || slug == "." || slug == ".." || strings.ContainsAny(slug, `/\`) {
		return "", fmt.Errorf("slug %q is not a valid directory name", slug)
	}
	return filepath.Join(s.config.DownloadsDir, slug), nil
}

// existingFiles lists the completed regular files in dir. A missing dir is empty.
func existingFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && !strings.HasSuffix(entry.Name(), partSuffix) {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// writeFile streams body to target via a .part file renamed on success.
func writeFile(target string, body io.Reader) (int64, error) {
	part := target + partSuffix
	out, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", part, err)
	}

	written, err := io.Copy(out, body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(part)
		return 0, fmt.Errorf("write %s: %w", part, err)
	}

	if err := os.Rename(part, target); err != nil {
		_ = os.Remove(part)
		return 0, fmt.Errorf("rename %s: %w", part, err)
	}
	return written, nil
}
