package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ramiqadoumi/go-media-flow/internal/cliutil"
)

const serviceName = "scheduler"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          serviceName,
	Short:        "MediaFlow Scheduler: sweeps pending and failed tasks onto stage queues",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/scheduler/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() { cliutil.InitConfig(serviceName, cfgFile) })

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./scheduler.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	rootCmd.PersistentFlags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	cliutil.BindFlag("log_level", rootCmd.PersistentFlags(), "log-level")
	cliutil.BindFlag("kafka_brokers", rootCmd.PersistentFlags(), "kafka-brokers")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queuesCmd)
	rootCmd.AddCommand(cliutil.NewInitCmd(serviceName, defaultSchedulerYAML, &cfgFile))
	rootCmd.AddCommand(cliutil.NewVersionCmd(serviceName))
}
