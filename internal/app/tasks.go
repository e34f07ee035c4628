package app

import (
	"github.com/ternarybob/polymer/internal/common"
	"github.com/ternarybob/polymer/internal/services/scheduler"
)

type taskDefinition struct {
	name        string
	description string
	fn          scheduler.TaskFunc
}

func (a *App) taskDefinitions() []taskDefinition {
	return []taskDefinition{
		{common.TaskFetchLiked, "Enqueue every liked creation for ingestion", a.Scraper.FetchLiked},
		{common.TaskClaimLikedFree, "Place free orders for liked items not yet downloaded", a.Actor.ClaimLikedFree},
		{common.TaskFetchOrders, "Enqueue every order line for ingestion", a.Scraper.FetchOrders},
		{common.TaskDownloadOrders, "Download ordered files not yet on disk", a.Actor.DownloadPendingOrders},
	}
}

// registerTasks registers all four tasks. A disabled task keeps its name so
// it can still be run by hand, but has no schedule and no startup run.
func (a *App) registerTasks() error {
	settings := a.Config.Tasks.ByName()

	for _, def := range a.taskDefinitions() {
		task := settings[def.name]
		schedule, startup := task.Schedule, task.Startup
		if !task.Enabled {
			schedule, startup = "", false
			a.Logger.Debug().Str("task", def.name).Msg("Task disabled, manual runs only")
		}
		if err := a.Scheduler.Register(def.name, schedule, def.description, startup, def.fn); err != nil {
			return err
		}
	}
	return nil
}
