package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-media-flow/internal/cliutil"
	"github.com/ramiqadoumi/go-media-flow/internal/domain"
	"github.com/ramiqadoumi/go-media-flow/internal/kafka"
)

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Print backlog, dead letters and consumers for every stage queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		brokers := cliutil.SplitList(viper.GetString("kafka_brokers"))
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		stats, err := kafka.NewInspector(brokers).Stats(ctx, domain.AllStages())
		if err != nil {
			return fmt.Errorf("queue stats: %w", err)
		}
		rows := make([][]string, 0, len(stats))
		for _, s := range stats {
			rows = append(rows, []string{
				string(s.Stage),
				s.Topic,
				strconv.FormatInt(s.Messages, 10),
				strconv.FormatInt(s.DeadLetters, 10),
				strconv.Itoa(s.Consumers),
			})
		}
		cliutil.RenderTable(os.Stdout, []string{"STAGE", "TOPIC", "BACKLOG", "DEAD LETTERS", "CONSUMERS"}, rows, 3, 4, 5)
		return nil
	},
}
