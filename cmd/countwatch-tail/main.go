// countwatch-tail follows one live collection from a countwatch server and
// logs it after every change.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"

	"github.com/juju/clock"

	"github.com/countwatch/countwatch/internal/changefeed"
	"github.com/countwatch/countwatch/internal/client"
	"github.com/countwatch/countwatch/internal/config"
	"github.com/countwatch/countwatch/internal/logging"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Server base URL")
	resource := flag.String("resource", "alerts", "Collection to follow: sessions, movements, alerts or metrics")
	sessionID := flag.String("session", "", "Only rows of this session")
	resolved := flag.String("resolved", "", "Alerts only: true or false")
	where := flag.String("where", "", "CEL filter applied on the server")
	flag.Parse()

	logCfg := config.DefaultLoggingConfig()
	logCfg.File.Enabled = false
	if err := logging.Initialize(logCfg); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	params := url.Values{}
	if *sessionID != "" {
		params.Set("session_id", *sessionID)
	}
	if *resolved != "" {
		params.Set("resolved", *resolved)
	}
	if *where != "" {
		params.Set("where", *where)
	}

	cfg := client.DefaultConfig()
	manager := client.NewManager(client.NewSSETransport(&http.Client{}), cfg, clock.WallClock, slog.Default())
	feed, err := client.NewFeed(manager, client.FeedOptions{
		BaseURL:  *baseURL,
		Resource: *resource,
		Params:   params,
		OnChange: func(rows []changefeed.Row) {
			ids := make([]string, 0, len(rows))
			for _, r := range rows {
				ids = append(ids, r.ID())
			}
			slog.Info("Collection changed", "resource", *resource, "count", len(rows), "ids", ids)
		},
	})
	if err != nil {
		log.Fatalf("Invalid feed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := feed.Start(ctx); err != nil {
		log.Fatalf("Failed to open stream: %v", err)
	}
	<-ctx.Done()
	feed.Close()
}
