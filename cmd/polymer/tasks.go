package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/ternarybob/polymer/internal/common"
)

var taskNames = []string{
	common.TaskFetchLiked,
	common.TaskClaimLikedFree,
	common.TaskFetchOrders,
	common.TaskDownloadOrders,
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List the tasks and their configured schedules",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		settings := config.Tasks.ByName()

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TASK\tSCHEDULE\tSTARTUP\tENABLED")
		for _, name := range taskNames {
			task := settings[name]
			schedule := task.Schedule
			if schedule == "" || !task.Enabled {
				schedule = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%t\t%t\n", name, schedule, task.Startup && task.Enabled, task.Enabled)
		}
		_ = tw.Flush()
	},
}
