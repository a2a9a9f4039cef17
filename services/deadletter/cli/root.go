package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ramiqadoumi/go-media-flow/internal/cliutil"
)

const serviceName = "deadletter"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          serviceName,
	Short:        "MediaFlow dead-letter monitor: records rejected and expired stage messages",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/deadletter/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() { cliutil.InitConfig(serviceName, cfgFile) })

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./deadletter.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	cliutil.BindFlag("log_level", rootCmd.PersistentFlags(), "log-level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cliutil.NewInitCmd(serviceName, defaultDeadLetterYAML, &cfgFile))
	rootCmd.AddCommand(cliutil.NewVersionCmd(serviceName))
}
