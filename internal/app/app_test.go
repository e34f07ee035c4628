package app

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/common"
	"github.com/ternarybob/polymer/internal/interfaces"
	"github.com/ternarybob/polymer/internal/models"
	"github.com/ternarybob/polymer/internal/server"
	"github.com/ternarybob/polymer/internal/storage"
)

// fakeMarketplace is an account whose free claims turn into order lines.
type fakeMarketplace struct {
	mu      sync.Mutex
	liked   []models.Creation
	orders  []models.OrderLine
	claimed []string
}

func (f *fakeMarketplace) Login(ctx context.Context) error { return nil }

func (f *fakeMarketplace) Liked(ctx context.Context, pageSize int) iter.Seq2[models.Creation, error] {
	f.mu.Lock()
	items := append([]models.Creation(nil), f.liked...)
	f.mu.Unlock()
	return func(yield func(models.Creation, error) bool) {
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (f *fakeMarketplace) Orders(ctx context.Context, pageSize int) iter.Seq2[models.OrderLine, error] {
	f.mu.Lock()
	items := append([]models.OrderLine(nil), f.orders...)
	f.mu.Unlock()
	return func(yield func(models.OrderLine, error) bool) {
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (f *fakeMarketplace) ClaimFree(ctx context.Context, slug string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed = append(f.claimed, slug)
	for _, c := range f.liked {
		if c.Slug == slug {
			f.orders = append(f.orders, models.OrderLine{Creation: c, DownloadURL: "https://files.test/" + slug})
		}
	}
	return nil
}

func (f *fakeMarketplace) DownloadFile(ctx context.Context, url string) (*interfaces.RemoteFile, error) {
	name := url[strings.LastIndex(url, "/")+1:] + ".zip"
	return &interfaces.RemoteFile{
		Filename: name,
		Size:     -1,
		Body:     io.NopCloser(strings.NewReader("contents of " + name)),
	}, nil
}

func creation(slug string, cents int64) models.Creation {
	return models.Creation{
		Slug:    slug,
		Name:    "Name " + slug,
		URL:     "https://market.test/" + slug,
		Tags:    []string{"Boat"},
		Creator: &models.CreationCreator{Nick: "alice"},
		Price:   &models.CreationPrice{Cents: cents},
	}
}

func newTestApp(t *testing.T, client interfaces.MarketplaceClient) *App {
	t.Helper()
	return newTestAppWith(t, client, nil, nil)
}

func newTestAppWith(t *testing.T, client interfaces.MarketplaceClient, configure func(*common.Config), wrap func(interfaces.StorageManager) interfaces.StorageManager) *App {
	t.Helper()
	dir := t.TempDir()
	logger := arbor.NewLogger()

	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = filepath.Join(dir, "db")
	cfg.Downloads.Dir = filepath.Join(dir, "downloads")
	cfg.Actor.ClaimInterval = common.Duration(time.Millisecond)
	cfg.Actor.DownloadInterval = common.Duration(time.Millisecond)
	cfg.Tasks.FetchLiked.Startup = false
	cfg.Tasks.FetchOrders.Enabled = false
	if configure != nil {
		configure(cfg)
	}

	storageManager, err := storage.NewStorageManager(context.Background(), logger, cfg)
	require.NoError(t, err)
	if wrap != nil {
		storageManager = wrap(storageManager)
	}

	app, err := NewWithDependencies(cfg, logger, storageManager, client)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestPipelineClaimsAndDownloads(t *testing.T) {
	client := &fakeMarketplace{
		liked: []models.Creation{creation("free-boat", 0), creation("paid-boat", 500)},
	}
	app := newTestApp(t, client)
	ctx := context.Background()
	assets := app.StorageManager.AssetStorage()

	require.NoError(t, app.RunTask(ctx, common.TaskFetchLiked))

	views, total, err := assets.ListAssets(ctx, models.AssetFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, v := range views {
		assert.False(t, v.Yanked)
		assert.Equal(t, "alice", v.Creator)
	}

	require.NoError(t, app.RunTask(ctx, common.TaskClaimLikedFree))
	assert.Equal(t, []string{"free-boat"}, client.claimed)

	// Claimed items appear on the orders feed
	require.NoError(t, app.RunTask(ctx, common.TaskFetchOrders))
	pending, err := assets.FindPendingDownloads(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "free-boat", pending[0].Slug)

	require.NoError(t, app.RunTask(ctx, common.TaskDownloadOrders))

	data, err := os.ReadFile(filepath.Join(app.Config.Downloads.Dir, "free-boat", "free-boat.zip"))
	require.NoError(t, err)
	assert.Equal(t, "contents of free-boat.zip", string(data))

	pending, err = assets.FindPendingDownloads(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	unclaimed, err := assets.FindFreeUnclaimed(ctx)
	require.NoError(t, err)
	assert.Empty(t, unclaimed, "a downloaded item is never claimed again")

	// A second pass does nothing new
	require.NoError(t, app.RunTask(ctx, common.TaskClaimLikedFree))
	assert.Len(t, client.claimed, 1)
}

// brokenStorage fails every unit of work.
type brokenStorage struct {
	interfaces.StorageManager
}

func (b brokenStorage) AssetStorage() interfaces.AssetStorage {
	return brokenAssets{b.StorageManager.AssetStorage()}
}

type brokenAssets struct {
	interfaces.AssetStorage
}

func (brokenAssets) Update(ctx context.Context, fn func(tx interfaces.AssetTx) error) error {
	return fmt.Errorf("%w: disk full", interfaces.ErrStorageFailure)
}

func TestRunTaskStopsWhenIngestFails(t *testing.T) {
	client := &fakeMarketplace{}
	for i := range 10 {
		client.liked = append(client.liked, creation(fmt.Sprintf("boat-%d", i), 0))
	}
	app := newTestAppWith(t, client,
		func(cfg *common.Config) { cfg.Queue.Capacity = 2 },
		func(m interfaces.StorageManager) interfaces.StorageManager { return brokenStorage{m} },
	)

	done := make(chan error, 1)
	go func() { done <- app.RunTask(context.Background(), common.TaskFetchLiked) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, interfaces.ErrStorageFailure)
	case <-time.After(5 * time.Second):
		t.Fatal("RunTask did not return after the ingester failed")
	}
}

func TestDisabledTaskIsManualOnly(t *testing.T) {
	app := newTestApp(t, &fakeMarketplace{})

	status, err := app.Scheduler.Status(common.TaskFetchOrders)
	require.NoError(t, err)
	assert.Empty(t, status.Schedule)
	assert.False(t, status.Startup)

	status, err = app.Scheduler.Status(common.TaskClaimLikedFree)
	require.NoError(t, err)
	assert.Equal(t, "* * * * *", status.Schedule)

	assert.ErrorIs(t, app.RunTask(context.Background(), "nope"), interfaces.ErrTaskNotFound)
}

func TestServerLifecycleWithApp(t *testing.T) {
	app := newTestApp(t, &fakeMarketplace{liked: []models.Creation{creation("boat", 0)}})
	require.NoError(t, app.Start(context.Background()))

	srv := server.New(app.Logger, &app.Config.Server, app.Handlers())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/tasks/"+common.TaskFetchLiked+"/run", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Eventually(t, func() bool {
		_, total, err := app.StorageManager.AssetStorage().ListAssets(context.Background(), models.AssetFilter{})
		return err == nil && total == 1
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case err := <-app.Fatal():
		t.Fatalf("unexpected ingester failure: %v", err)
	default:
	}
}
