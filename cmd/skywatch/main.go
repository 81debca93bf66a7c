package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"skywatch/internal/config"
	"skywatch/internal/logging"
)

var (
	cfgFile string
	v       = config.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "skywatch",
	Short: "Live camera streams with drone detection and alerting",
	Long: `skywatch multiplexes video sources into MJPEG streams, runs periodic
object detection on them and forwards drone sightings to a webhook.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming server (default)",
	RunE:  runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().String("addr", "", "listen address (default :5000)")
		cmd.Flags().String("log-level", "", "log level: debug, info, warn, error")
		cmd.Flags().Bool("dev", false, "development logging")
	}
	rootCmd.AddCommand(serveCmd, fpsCmd, terminateCmd)
}

// bindServeFlags maps the serve flags onto config keys for the command that
// actually runs.
func bindServeFlags(cmd *cobra.Command, v *viper.Viper) error {
	for key, flag := range map[string]string{
		"http.addr":       "addr",
		"log.level":       "log-level",
		"log.development": "dev",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := bindServeFlags(cmd, v); err != nil {
		return err
	}
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	return serve(cmd.Context(), cfg, logger)
}
