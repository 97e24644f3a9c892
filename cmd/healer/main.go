package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/polzovatel/ui-self-healing-agent/internal/config"
)

var (
	configPath string
	logLevel   string
	format     string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "healer",
	Short: "Run UI automation scripts that diagnose and repair themselves",
	Long: "healer executes UI automation scripts under monitoring. When a run fails it compares " +
		"the UI before and after, diagnoses the failure, rewrites the script and retries " +
		"within a bounded number of attempts.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		if err := setupLogging(loaded.Log); err != nil {
			return err
		}
		switch format {
		case "yaml", "json":
		default:
			return fmt.Errorf("unsupported format: %s (use yaml or json)", format)
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&format, "format", "yaml", "Output format: yaml or json")
	rootCmd.AddCommand(runCmd, serveCmd, diffCmd, patchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging writes to stderr so stdout stays clean for results and the
// stdio transport.
func setupLogging(lc config.LogConfig) error {
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	console := lc.Format == "console" || (lc.Format == "" && isTerminal(os.Stderr))
	if console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// printResult renders v in the selected output format.
func printResult(w io.Writer, v any) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
