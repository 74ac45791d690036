// Package main provides the HuginnDB demo CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/orneryd/huginndb/pkg/badgersync"
	"github.com/orneryd/huginndb/pkg/collection"
	"github.com/orneryd/huginndb/pkg/config"
	"github.com/orneryd/huginndb/pkg/expr"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Note is the demo entity.
type Note struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
}

func main() {
	var dataDir string
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "huginndb",
		Short: "HuginnDB - reactive client-side database engine",
		Long: `HuginnDB is a reactive database engine: typed collections with
optimistic mutations, transactional grouping, sync with external sources,
and live change subscriptions maintained incrementally.

This CLI demonstrates the engine against a local Badger-backed sync source.`,
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "./huginndb-data", "Badger data directory")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("HuginnDB v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "seed [count]",
		Short: "Seed the store with demo notes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count := 10
			if len(args) == 1 {
				if _, err := fmt.Sscanf(args[0], "%d", &count); err != nil {
					return fmt.Errorf("invalid count %q", args[0])
				}
			}
			return runSeed(dataDir, configPath, count)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Watch high-priority notes live",
		Long:  "Subscribes to notes with priority >= 5 and prints change events until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(dataDir, configPath)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openNotes(dataDir, configPath string) (*collection.Collection[Note, string], *badgersync.Source[Note, string], error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		logger = logger.Level(lvl)
	}

	source, err := badgersync.Open[Note, string](badgersync.Options{Dir: dataDir},
		func(n Note) string { return n.ID })
	if err != nil {
		return nil, nil, err
	}

	notes, err := collection.New(collection.Config[Note, string]{
		ID:         "notes",
		GetKey:     func(n Note) string { return n.ID },
		GCTime:     cfg.Collections.GCTime,
		GCDisabled: cfg.Collections.GCTime == 0,
		AutoIndex:  collection.AutoIndexMode(cfg.Collections.AutoIndex),
		StartSync:  true,
		Sync:       source.SyncConfig(),
		OnInsert:   source.PersistHandler(),
		OnUpdate:   source.PersistHandler(),
		OnDelete:   source.PersistHandler(),
		Logger:     &logger,
	})
	if err != nil {
		source.Close()
		return nil, nil, err
	}
	return notes, source, nil
}

func runSeed(dataDir, configPath string, count int) error {
	notes, source, err := openNotes(dataDir, configPath)
	if err != nil {
		return err
	}
	defer source.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := notes.Preload(ctx); err != nil {
		return err
	}

	items := make([]Note, 0, count)
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("note-%03d", notes.Size()+i+1)
		items = append(items, Note{
			ID:        id,
			Text:      fmt.Sprintf("demo note %s", id),
			Priority:  i % 10,
			CreatedAt: time.Now(),
		})
	}
	tx, err := notes.Insert(items, nil)
	if err != nil {
		return err
	}
	if err := tx.IsPersisted().Wait(ctx); err != nil {
		return err
	}
	fmt.Printf("seeded %d notes (total %d)\n", count, notes.Size())
	return nil
}

func runWatch(dataDir, configPath string) error {
	notes, source, err := openNotes(dataDir, configPath)
	if err != nil {
		return err
	}
	defer source.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := notes.Preload(ctx); err != nil {
		return err
	}

	sub, err := notes.SubscribeChanges(func(events []collection.ChangeEvent[Note, string]) {
		for _, ev := range events {
			switch ev.Type {
			case collection.EventInsert:
				fmt.Printf("+ %s p=%d %q\n", ev.Key, ev.Value.Priority, ev.Value.Text)
			case collection.EventUpdate:
				fmt.Printf("~ %s p=%d %q\n", ev.Key, ev.Value.Priority, ev.Value.Text)
			case collection.EventDelete:
				fmt.Printf("- %s\n", ev.Key)
			}
		}
	}, collection.SubscribeOptions{
		IncludeInitialState: true,
		Where:               expr.Gte(expr.Ref("priority"), expr.Value(5)),
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	fmt.Println("watching notes with priority >= 5; ctrl-c to stop")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}
