package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mindspark/api/internal/mindmap"
	"mindspark/api/internal/realtime"
	"mindspark/api/internal/store"
)

var watchContent bool

var watchCmd = &cobra.Command{
	Use:   "watch <spaceId>",
	Short: "Follow the mind map of a learning space",
	Long: `Opens one mind-map view for the learning space and prints every state
transition until interrupted. Without NATS_URL the command relays Postgres
change notifications itself.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		space, err := store.NewPostgresStore(db).GetLearningSpace(ctx, args[0])
		if err != nil {
			return fmt.Errorf("load learning space %s: %w", args[0], err)
		}

		feed, err := openFeed(cfg, logger)
		if err != nil {
			return err
		}
		defer feed.Close()
		if _, inProcess := feed.(*realtime.Hub); inProcess {
			go func() {
				_ = store.NewListener(cfg.DatabaseURL, feed, logger.Named("listener")).Run(ctx)
			}()
		}

		fetcher, closeFetcher, err := openFetcher(cfg, logger)
		if err != nil {
			return err
		}
		defer closeFetcher()

		ctrl := mindmap.New(space.ID, space.MindmapURL(), mindmap.Options{
			Feed:       feed,
			Fetcher:    fetcher,
			Logger:     logger,
			FetchDelay: cfg.MindmapFetchDelay,
		})
		defer ctrl.Teardown()
		if err := ctrl.Start(ctx); err != nil {
			// The view keeps its state; report and carry on.
			fmt.Printf("subscription failed: %v\n", err)
		}

		printState(ctrl.State())
		for state := range ctrl.Updates() {
			printState(state)
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchContent, "content", false, "print the loaded document")
}

func printState(state mindmap.State) {
	fmt.Printf("[v%d] %s\n", state.Version, state)
	if watchContent && state.Fetch == mindmap.FetchLoaded {
		fmt.Printf("--- %d bytes ---\n%s\n", len(state.Content), state.Content)
	}
}
