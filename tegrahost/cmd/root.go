// Package cmd provides the command-line interface of tegrahost.
package cmd

import (
	"errors"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tegrahost",
	Short: "Run the CMA heap and the PCIe controller on simulated hardware.",
	Long: `tegrahost drives the resizable CMA heap and the PCIe root port ` +
		`controller against simulated silicon. Settings are read from ` +
		`flags, from the environment and from a .env file.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		envFile, _ := cmd.Flags().GetString("env")
		return loadEnv(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().String("env", ".env",
		"File with TEGRAHOST_* settings. A missing file is ignored.")
	rootCmd.PersistentFlags().String("record", "",
		"Record events and traced tasks into this SQLite database. "+
			"Defaults to $TEGRAHOST_RECORD.")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false,
		"Log every heap and link event.")
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func loadEnv(path string) error {
	if path == "" {
		return nil
	}

	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		log.Printf("cannot load %s: %v", path, err)
	}

	return err
}
