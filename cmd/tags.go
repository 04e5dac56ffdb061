package cmd

import (
	"context"
	"os"

	"github.com/DominicWuest/tagscepter/internal/store"
	"github.com/DominicWuest/tagscepter/pkg/tagscepter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Manage the tags known to the service",
}

var tagsImportCmd = &cobra.Command{
	Use:   "import tags.yml",
	Short: "Import the tags of one or more branches into the database",
	Long: `Import the tags of one or more branches into the database.
Tags which already exist are left untouched, so importing the same file twice is harmless.
A tag clashing with the sequence number of an existing tag of its branch aborts the whole import.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		config := loadConfig()

		db, err := store.New(config.Database)
		if err != nil {
			logrus.Fatalf("Failed to open database %s - %v", config.Database, err)
		}
		defer db.Close()

		importTags(db, args[0])
	},
}

// importTags reads in a tags yaml and imports its tags into the database
func importTags(db *store.Store, path string) {
	tagsYaml, err := os.Open(path)
	if err != nil {
		logrus.Fatalf("Failed to open tags yaml - %v", err)
	}
	defer tagsYaml.Close()

	tags, err := tagscepter.LoadTags(tagsYaml)
	if err != nil {
		logrus.Fatalf("Failed to read tags from yaml - %v", err)
	}

	imported, err := db.ImportTags(context.Background(), tags.All()...)
	if err != nil {
		logrus.Fatalf("Failed to import tags - %v", err)
	}
	logrus.Infof("Imported %d new tags from %s.", imported, path)
}

func init() {
	rootCmd.AddCommand(tagsCmd)
	tagsCmd.AddCommand(tagsImportCmd)
}
