package main

import (
	"fmt"
	"os"

	"github.com/blockimage/partimage/internal/config"
	"github.com/blockimage/partimage/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "partimage",
	Short: "Inspect and modify partclone-style partition image files",
	Long: `partimage reads partclone-style partition image files (V1 byte-wide
usage map or V2 bit-packed usage bitmap) and layers writes through a
sidecar change-file overlay without ever modifying the base image.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		logFormat, _ := cmd.Flags().GetString("log-format")

		if cmd.Flags().Changed("debug") {
			config.Instance.Debug = debug
		}
		if cmd.Flags().Changed("log-format") {
			config.Instance.LogFormat = logFormat
		}
		if cmd.Flags().Changed("debug") || cmd.Flags().Changed("log-format") {
			if err := logger.InitLogger(logger.LoggerConfig{
				Debug:     config.Instance.Debug,
				LogFormat: config.Instance.LogFormat,
				LogFile:   config.Instance.LogFile,
			}); err != nil {
				fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
			}
		}
		if cmd.Flags().Changed("config") && cfgFile != "" {
			if err := config.Initialize(cfgFile); err != nil {
				logger.LogError("error loading config file", err, map[string]interface{}{
					"config_file": cfgFile,
				})
			}
		}
	},
}

func main() {
	if err := config.Initialize(""); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	if err := logger.InitLogger(logger.LoggerConfig{
		Debug:     config.Instance.Debug,
		LogFormat: config.Instance.LogFormat,
		LogFile:   config.Instance.LogFile,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is search in standard locations)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("log-format", "human", "log format: json or human")
	rootCmd.PersistentFlags().String("change-file", "", "path to the change-file overlay (default <image>.cf)")
	rootCmd.PersistentFlags().Bool("tolerant", false, "permit verify to proceed past soft integrity issues")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("engine.tolerant_mode", rootCmd.PersistentFlags().Lookup("tolerant"))

	rootCmd.AddCommand(probeCmd, verifyCmd, infoCmd, catCmd, putCmd, syncCmd)
}
