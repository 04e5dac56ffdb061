package cmd

import (
	"context"
	"errors"

	"github.com/DominicWuest/tagscepter/internal/store"
	"github.com/DominicWuest/tagscepter/pkg/tagscepter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay task-id",
	Short: "Recompute a task's result from its recorded feedback",
	Long: `Recompute a task's result from its recorded feedback.
The feedback history is replayed in the order it was given, with the latest verdict per build job winning.
Nothing is written to the database; differences to the recorded result are reported.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		config := loadConfig()

		db, err := store.New(config.Database)
		if err != nil {
			logrus.Fatalf("Failed to open database %s - %v", config.Database, err)
		}
		defer db.Close()

		engine := &tagscepter.Engine{
			Config: *config,
			Tags:   db,
			Store:  db,
			Log:    newEngineLog(),
		}

		ctx := context.Background()
		task, err := db.GetTask(ctx, args[0])
		if err != nil {
			logrus.Fatalf("Failed to get task - %v", err)
		}
		tracker, err := engine.ReplayTask(ctx, task.ID)
		if errors.Is(err, tagscepter.ErrRangeInvariantViolation) {
			logrus.Fatalf("Recorded feedback of task %s is contradictory - %v", task.ID, err)
		} else if err != nil {
			logrus.Fatalf("Failed to replay task - %v", err)
		}

		good, bad := tracker.Bounds()
		logrus.Infof("Task %s is %s.", task.ID, task.Status)
		logrus.Infof("Replayed range: good tag %s, bad tag %s, %d tags left in between.",
			tracker.TagAt(good).ID, tracker.TagAt(bad).ID, bad-good-1)

		tag, converged := tracker.ProblematicTag()
		if !converged {
			logrus.Info("The feedback does not localize the regression to a single tag yet.")
			return
		}
		logrus.Infof("Problematic tag: %s (sequence %d, commit %s)", tag.ID, tag.SequenceNumber, tag.CommitHash)
		if task.FinalProblematicTagID != "" && task.FinalProblematicTagID != tag.ID {
			logrus.Warnf("Replay disagrees with the recorded problematic tag %s", task.FinalProblematicTagID)
		}
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)
}
