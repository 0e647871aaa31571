package cmd

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// Environment variables that provide defaults for flags.
const (
	envRecord  = "TEGRAHOST_RECORD"
	envVerbose = "TEGRAHOST_VERBOSE"
	envPort    = "TEGRAHOST_PORT"
)

// settings are the options shared by every command.
type settings struct {
	recordPath string
	verbose    bool
}

func loadSettings(cmd *cobra.Command) settings {
	s := settings{}

	s.recordPath, _ = cmd.Flags().GetString("record")
	if s.recordPath == "" {
		s.recordPath = os.Getenv(envRecord)
	}

	s.verbose, _ = cmd.Flags().GetBool("verbose")
	if !s.verbose {
		s.verbose = envBool(envVerbose)
	}

	return s
}

func envBool(name string) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && v
}

func envInt(name string, def int) int {
	v, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return def
	}

	return v
}
