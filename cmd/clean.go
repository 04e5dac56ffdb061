package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/DominicWuest/tagscepter/internal/ci"
	"github.com/DominicWuest/tagscepter/internal/store"
	"github.com/DominicWuest/tagscepter/pkg/tagscepter"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/manifoldco/promptui"
	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cleanContainers bool
var cleanAgree bool
var cleanBackup bool

var cleanCmd = &cobra.Command{
	Use:     "clean",
	Aliases: []string{"prune", "cleanup"},
	Short:   "Delete finished tasks and their history",
	Long: `This command deletes all completed and failed tasks, together with their iterations, build jobs and feedback.
Active and paused tasks are never touched.

With --containers, the build containers of the deleted tasks are removed as well, together with stopped build containers
no unfinished build job waits for.
With --backup, a copy of the database is made before anything is deleted.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		config := loadConfig()
		ctx := context.Background()

		if cleanBackup {
			backupDatabase(config.Database)
		}

		db, err := store.New(config.Database)
		if err != nil {
			logrus.Fatalf("Failed to open database %s - %v", config.Database, err)
		}
		defer db.Close()

		var tasks []*tagscepter.Task
		deletedBuilds := make(map[string]bool)
		for _, status := range []tagscepter.TaskStatus{tagscepter.TaskCompleted, tagscepter.TaskFailed} {
			finished, err := db.ListTasks(ctx, status)
			if err != nil {
				logrus.Fatalf("Couldn't list %s tasks - %v", status, err)
			}
			for _, task := range finished {
				jobs, err := db.ListBuildJobs(ctx, task.ID)
				if err != nil {
					logrus.Fatalf("Couldn't list build jobs of task %s - %v", task.ID, err)
				}
				for _, job := range jobs {
					if job.ExternalBuildID != "" {
						deletedBuilds[job.ExternalBuildID] = true
					}
				}
			}
			tasks = append(tasks, finished...)
		}

		var cli *client.Client
		var containers []types.Container
		if cleanContainers {
			cli, err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
			if err != nil {
				logrus.Fatalf("Couldn't create docker client - %v", err)
			}
			defer cli.Close()

			listed, err := cli.ContainerList(ctx, container.ListOptions{
				All: true,
				Filters: filters.NewArgs(
					filters.KeyValuePair{
						Key:   "label",
						Value: ci.Label + "=1",
					},
				),
			})
			if err != nil {
				logrus.Fatalf("Couldn't list docker containers - %v", err)
			}

			unfinished, err := db.ListUnfinishedBuildJobs(ctx)
			if err != nil {
				logrus.Fatalf("Couldn't list unfinished build jobs - %v", err)
			}
			pendingBuilds := make(map[string]bool)
			for _, job := range unfinished {
				pendingBuilds[job.ExternalBuildID] = true
			}
			containers = removableContainers(listed, deletedBuilds, pendingBuilds)
		}

		if len(tasks)+len(containers) == 0 {
			containerString := ""
			if cleanContainers {
				containerString = " or containers"
			}
			logrus.Infof("No finished tasks%s to remove. Exiting...", containerString)
			return
		}

		confirmationMessage := fmt.Sprintf("About to delete %d tasks", len(tasks))
		if cleanContainers {
			confirmationMessage += fmt.Sprintf(" and %d containers", len(containers))
		}
		confirmationMessage += "."
		logrus.Info(confirmationMessage)

		prompt := promptui.Prompt{
			Label:     "Proceed",
			IsConfirm: true,
		}

		if !cleanAgree {
			_, err := prompt.Run()
			if err != nil {
				logrus.Info("Exiting...")
				os.Exit(0)
			}
		}

		for _, task := range tasks {
			logrus.Infof("Deleting %s task %s (%s..%s)", task.Status, task.ID, task.GoodTagID, task.BadTagID)
			if err := db.DeleteTask(ctx, task.ID); err != nil {
				logrus.Fatalf("Failed to delete task %s - %v", task.ID, err)
			}
		}

		for _, c := range containers {
			logrus.Infof("Deleting container %s (ID: %s, tag: %s)", c.Names[0][1:], c.ID, c.Labels[ci.LabelTag])
			if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
				logrus.Fatalf("Failed to remove container with ID %s - %v", c.ID, err)
			}
		}

		logrus.Info("Done cleaning up.")
	},
}

// removableContainers returns the build containers belonging to deleted tasks
// and the stopped ones no unfinished build job is waiting for
func removableContainers(containers []types.Container, deletedBuilds, pendingBuilds map[string]bool) []types.Container {
	var res []types.Container
	for _, c := range containers {
		if deletedBuilds[c.ID] {
			res = append(res, c)
			continue
		}
		stopped := c.State == "exited" || c.State == "dead"
		if stopped && !pendingBuilds[c.ID] {
			res = append(res, c)
		}
	}
	return res
}

// backupDatabase copies the database file next to itself, suffixed with the current time
func backupDatabase(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logrus.Infof("Database %s does not exist yet, nothing to back up", path)
		return
	}
	backup := fmt.Sprintf("%s.%s.bak", path, time.Now().Format("20060102-150405"))
	if err := copy.Copy(path, backup); err != nil {
		logrus.Fatalf("Failed to back up database to %s - %v", backup, err)
	}
	logrus.Infof("Backed up database to %s", backup)
}

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolVar(&cleanContainers, "containers", false, "Also delete the build containers of the docker build service.")
	cleanCmd.Flags().BoolVarP(&cleanAgree, "assume-yes", "y", false, `Bypass "Are you sure?" message.`)
	cleanCmd.Flags().BoolVarP(&cleanBackup, "backup", "b", false, "Back up the database before deleting anything.")
}
