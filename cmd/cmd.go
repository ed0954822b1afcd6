// Package cmd implements the nerdcrawler command line interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nerdcrawler/crawler"
	"github.com/nerdcrawler/crawler/coordinator"
	"github.com/nerdcrawler/crawler/postgres"
	"github.com/nerdcrawler/crawler/worker"
)

var config string

func fatalf(format string, args ...interface{}) {
	log.Errorf(format, args...)
	os.Exit(1)
}

func loadConfig() {
	if config != "" {
		if err := crawler.ReadConfigFile(config); err != nil {
			fatalf("Failed to load config %v: %v", config, err)
		}
	}
}

// openStore connects to postgres and applies the schema. Startup aborts on
// failure; nothing works without the store.
func openStore(ctx context.Context) *postgres.Store {
	store, err := postgres.NewStore(ctx)
	if err != nil {
		fatalf("Failed to connect to postgres: %v", err)
	}
	if err := postgres.CreateSchema(ctx, store.Pool); err != nil {
		store.Close()
		fatalf("Failed to create schema: %v", err)
	}
	return store
}

// Execute runs the root command.
func Execute() {
	rootCommand := &cobra.Command{
		Use:   "nerdcrawler",
		Short: "nerdcrawler is a distributed, polite web crawler",
	}
	rootCommand.PersistentFlags().StringVarP(&config, "config", "c", "",
		"path to a config file to load")

	var seedFile string
	var noSeed bool
	crawlCommand := &cobra.Command{
		Use:   "crawl",
		Short: "start the embedded crawler",
		Run: func(cmd *cobra.Command, args []string) {
			loadConfig()
			ctx := context.Background()
			store := openStore(ctx)
			defer store.Close()
			writer := postgres.NewWriter(store)

			manager := &crawler.CrawlManager{Store: store, Writer: writer}

			if !noSeed {
				path := seedFile
				if path == "" {
					path = crawler.Config.Crawler.SeedFile
				}
				seeds, err := crawler.ReadSeedFile(path)
				if err != nil {
					fatalf("Failed to read seeds: %v", err)
				}
				if err := manager.SeedIfEmpty(ctx, seeds); err != nil {
					fatalf("Failed to seed frontier: %v", err)
				}
			}

			go onInterrupt(func() {
				log.Infof("Shutdown requested, finishing in-flight fetches")
				manager.Stop()
			})

			if err := manager.Start(); err != nil {
				fatalf("Crawl failed: %v", err)
			}
			if err := writer.Close(); err != nil {
				log.Errorf("Writer shutdown: %v", err)
			}
			log.Infof("Crawl finished, %v near-duplicate pages dropped", writer.DuplicateCount())
		},
	}
	crawlCommand.Flags().StringVarP(&seedFile, "seeds", "s", "",
		"seed file to load (default from config)")
	crawlCommand.Flags().BoolVar(&noSeed, "no-seed", false,
		"do not load seeds even if the frontier is empty")
	rootCommand.AddCommand(crawlCommand)

	serveCommand := &cobra.Command{
		Use:   "serve",
		Short: "start the coordinator API for remote workers",
		Run: func(cmd *cobra.Command, args []string) {
			loadConfig()
			ctx := context.Background()
			store := openStore(ctx)
			defer store.Close()

			coord := coordinator.New(store)
			go onInterrupt(func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := coord.Shutdown(shutdownCtx); err != nil {
					log.Errorf("Coordinator shutdown: %v", err)
				}
			})
			if err := coord.Run(); err != nil {
				fatalf("Coordinator failed: %v", err)
			}
		},
	}
	rootCommand.AddCommand(serveCommand)

	workCommand := &cobra.Command{
		Use:   "work",
		Short: "start a remote worker against a coordinator",
		Run: func(cmd *cobra.Command, args []string) {
			loadConfig()
			w := worker.New()
			go onInterrupt(func() {
				log.Infof("Shutdown requested, finishing in-flight urls")
				w.Stop()
			})
			if err := w.Run(); err != nil {
				fatalf("Worker failed: %v", err)
			}
		},
	}
	rootCommand.AddCommand(workCommand)

	seedCommand := &cobra.Command{
		Use:   "seed [file]",
		Short: "load a seed file into the coordinator queue",
		Run: func(cmd *cobra.Command, args []string) {
			loadConfig()
			path := crawler.Config.Crawler.SeedFile
			if len(args) > 0 {
				path = args[0]
			}
			seeds, err := crawler.ReadSeedFile(path)
			if err != nil {
				fatalf("Failed to read seeds: %v", err)
			}
			ctx := context.Background()
			store := openStore(ctx)
			defer store.Close()
			urls := make([]string, 0, len(seeds))
			for _, s := range seeds {
				urls = append(urls, s.String())
			}
			added, err := store.EnqueueQueue(ctx, urls)
			if err != nil {
				fatalf("Failed to enqueue seeds: %v", err)
			}
			fmt.Printf("Queued %v of %v seeds\n", added, len(seeds))
		},
	}
	rootCommand.AddCommand(seedCommand)

	schemaCommand := &cobra.Command{
		Use:   "schema",
		Short: "create or migrate the database schema and exit",
		Run: func(cmd *cobra.Command, args []string) {
			loadConfig()
			store := openStore(context.Background())
			store.Close()
			fmt.Println("Schema is up to date")
		},
	}
	rootCommand.AddCommand(schemaCommand)

	resetCommand := &cobra.Command{
		Use:   "reset",
		Short: "return processing queue rows to pending and purge completed rows",
		Run: func(cmd *cobra.Command, args []string) {
			loadConfig()
			ctx := context.Background()
			store := openStore(ctx)
			defer store.Close()
			reset, purged, err := store.ResetQueue(ctx)
			if err != nil {
				fatalf("Failed to reset queue: %v", err)
			}
			fmt.Printf("Reset %v rows to pending, purged %v completed rows\n", reset, purged)
		},
	}
	rootCommand.AddCommand(resetCommand)

	var purge bool
	blacklistCommand := &cobra.Command{
		Use:   "blacklist [domain]",
		Short: "list blacklist entries, or add one",
		Run: func(cmd *cobra.Command, args []string) {
			loadConfig()
			ctx := context.Background()
			store := openStore(ctx)
			defer store.Close()
			if len(args) == 0 {
				entries, err := store.BlacklistEntries(ctx)
				if err != nil {
					fatalf("Failed to list blacklist: %v", err)
				}
				for _, e := range entries {
					fmt.Println(e)
				}
				return
			}
			queueRemoved, pagesRemoved, err := store.BlacklistDomain(ctx, args[0])
			if err != nil {
				fatalf("Failed to blacklist %v: %v", args[0], err)
			}
			fmt.Printf("Blacklisted %v: removed %v queue rows, %v pages\n",
				args[0], queueRemoved, pagesRemoved)
			if purge {
				q, p, err := store.ClearBlacklistedData(ctx)
				if err != nil {
					fatalf("Failed to clear blacklisted data: %v", err)
				}
				fmt.Printf("Cleared %v queue rows, %v pages for existing entries\n", q, p)
			}
		},
	}
	blacklistCommand.Flags().BoolVar(&purge, "purge", false,
		"also clear data matching every existing blacklist entry")
	rootCommand.AddCommand(blacklistCommand)

	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}

func onInterrupt(f func()) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	f()
}
