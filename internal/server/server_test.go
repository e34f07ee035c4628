package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/common"
	"github.com/ternarybob/polymer/internal/handlers"
	"github.com/ternarybob/polymer/internal/interfaces"
	"github.com/ternarybob/polymer/internal/models"
	"github.com/ternarybob/polymer/internal/services/scheduler"
	"github.com/ternarybob/polymer/internal/storage/badger"
)

type fixture struct {
	handler   http.Handler
	storage   interfaces.AssetStorage
	scheduler *scheduler.Manager
	dir       string
	release   chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := badger.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	f := &fixture{
		storage:   manager.AssetStorage(),
		scheduler: scheduler.NewManager(logger),
		dir:       t.TempDir(),
		release:   make(chan struct{}),
	}
	require.NoError(t, f.scheduler.Register(common.TaskFetchLiked, "*/5 * * * *", "Fetch liked", false, func(ctx context.Context) error {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
		return nil
	}))
	t.Cleanup(func() {
		select {
		case <-f.release:
		default:
			close(f.release)
		}
		_ = f.scheduler.Stop()
	})

	srv := New(logger, &common.ServerConfig{Host: "localhost", Port: 0}, Handlers{
		Tasks:      handlers.NewTaskHandler(f.scheduler, logger),
		Assets:     handlers.NewAssetHandler(f.storage, f.dir, logger),
		Categories: handlers.NewCategoryHandler(manager.CategoryStorage(), logger),
	})
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *fixture) seed(t *testing.T, slug, creator string, cents int64) *models.Asset {
	t.Helper()
	asset := &models.Asset{Slug: slug, Name: "Name " + slug, Cents: cents}
	err := f.storage.Update(context.Background(), func(tx interfaces.AssetTx) error {
		user, err := tx.UserByNickname(creator)
		if errors.Is(err, interfaces.ErrNotFound) {
			user = &models.User{Nickname: creator}
			err = tx.CreateUser(user)
		}
		if err != nil {
			return err
		}
		asset.CreatorID = user.ID
		return tx.CreateAsset(asset)
	})
	require.NoError(t, err)
	return asset
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestTaskRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decode[[]map[string]any](t, rec)
	require.Len(t, tasks, 1)
	assert.Equal(t, "fetch-liked", tasks[0]["name"])
	assert.Equal(t, "/api/tasks/fetch-liked/run", tasks[0]["run_url"])
	assert.Equal(t, "*/5 * * * *", tasks[0]["cron"])
	assert.Nil(t, tasks[0]["last_run_at"])

	rec = f.do(t, http.MethodPost, "/api/tasks/fetch-liked/run", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/tasks/fetch-liked/run", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "task_running", decode[map[string]any](t, rec)["code"])

	close(f.release)
	require.Eventually(t, func() bool {
		status, err := f.scheduler.Status(common.TaskFetchLiked)
		return err == nil && status.State == interfaces.TaskIdle && status.Runs == 1
	}, 2*time.Second, 5*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/api/tasks/fetch-liked", "")
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[map[string]any](t, rec)
	assert.NotNil(t, task["last_run_at"])
	assert.IsType(t, float64(0), task["last_duration"])
	assert.Equal(t, float64(1), task["skipped"])

	rec = f.do(t, http.MethodPost, "/api/tasks/missing/run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssetRoutes(t *testing.T) {
	f := newFixture(t)
	anchor := f.seed(t, "anchor", "alice", 0)
	barrel := f.seed(t, "barrel", "bob", 200)
	f.seed(t, "cannon", "alice", 100)

	rec := f.do(t, http.MethodGet, "/api/assets?_sort=cents&_order=desc&_start=0&_end=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-Total-Count"))
	assets := decode[[]models.AssetView](t, rec)
	require.Len(t, assets, 2)
	assert.Equal(t, barrel.ID, assets[0].ID)

	rec = f.do(t, http.MethodGet, "/api/assets?free=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assets = decode[[]models.AssetView](t, rec)
	require.Len(t, assets, 1)
	assert.Equal(t, anchor.ID, assets[0].ID)
	assert.Equal(t, "alice", assets[0].Creator)

	rec = f.do(t, http.MethodGet, "/api/assets?q=BOB", "")
	assert.Equal(t, "1", rec.Header().Get("X-Total-Count"))

	rec = f.do(t, http.MethodGet, "/api/assets?_sort=secret", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "unknown_sort_field", decode[map[string]any](t, rec)["code"])

	rec = f.do(t, http.MethodGet, "/api/assets?yanked=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/assets/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/users", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-Total-Count"))
}

func TestAssetFile(t *testing.T) {
	f := newFixture(t)
	asset := f.seed(t, "rocket", "alice", 0)

	rec := f.do(t, http.MethodGet, "/api/assets/1/file", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "nothing downloaded yet")

	require.NoError(t, os.MkdirAll(filepath.Join(f.dir, "rocket"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "rocket", "rocket.zip"), []byte("payload"), 0644))
	require.NoError(t, f.storage.Update(context.Background(), func(tx interfaces.AssetTx) error {
		return tx.CreateDownload(&models.Download{AssetID: asset.ID, Filename: "rocket.zip"})
	}))

	rec = f.do(t, http.MethodGet, "/api/assets/1/file", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "payload", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "rocket.zip")
}

func TestCategoryRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/categories", `{"label":"Vehicles"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	root := decode[models.CategoryView](t, rec)

	rec = f.do(t, http.MethodPost, "/api/categories", `{"label":"Boats","parent_id":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	child := decode[models.CategoryView](t, rec)
	assert.Equal(t, root.ID, *child.ParentID)

	rec = f.do(t, http.MethodPost, "/api/categories", `{"label":""}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/categories", `{"label":"Orphan","parent_id":42}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_parent", decode[map[string]any](t, rec)["code"])

	rec = f.do(t, http.MethodPut, "/api/categories/1", `{"label":"Vehicles","parent_id":2}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "cycle")

	rec = f.do(t, http.MethodPut, "/api/categories/2", `{"label":"Ships","parent_id":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ships", decode[models.CategoryView](t, rec).Label)

	rec = f.do(t, http.MethodGet, "/api/categories/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{child.ID}, decode[models.CategoryView](t, rec).ChildIDs)

	rec = f.do(t, http.MethodGet, "/api/categories?_sort=label", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-Total-Count"))
	assert.Equal(t, "Ships", decode[[]models.CategoryView](t, rec)[0].Label)

	rec = f.do(t, http.MethodDelete, "/api/categories/1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/categories/2", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/categories/2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
