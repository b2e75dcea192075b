package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/ChamsBouzaiene/ragline/internal/auth"
	"github.com/ChamsBouzaiene/ragline/internal/backend"
	"github.com/ChamsBouzaiene/ragline/internal/chat"
	"github.com/ChamsBouzaiene/ragline/internal/config"
	"github.com/ChamsBouzaiene/ragline/internal/persist"
	"github.com/ChamsBouzaiene/ragline/internal/search"
	"github.com/ChamsBouzaiene/ragline/internal/store"
	"github.com/ChamsBouzaiene/ragline/internal/watch"
)

func main() {
	// Load .env if present; real environment still wins.
	_ = godotenv.Load()

	fs := flag.NewFlagSet("ragline", flag.ExitOnError)
	serverFlag := fs.String("server", "", "Backend base URL (overrides config)")
	watchFlag := fs.String("watch", "", "Drop folder to auto-ingest documents from")
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}

	ctx := context.Background()

	app, err := buildApp(ctx, *serverFlag, *watchFlag)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer app.Close()

	app.runREPL(ctx)
}

// buildApp wires the store, session, backend client, cache, search index and
// watcher together. All cross-package reactions happen through subscriptions
// set up here.
func buildApp(ctx context.Context, serverOverride, watchOverride string) (*App, error) {
	mgr, err := config.NewManager()
	if err != nil {
		return nil, err
	}
	cfg, err := mgr.Load()
	if err != nil {
		return nil, err
	}
	if serverOverride != "" {
		cfg.ServerURL = serverOverride
	}
	if watchOverride != "" {
		cfg.WatchDir = watchOverride
	}

	dataDir, err := cfg.DataDirOrDefault()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	adapter, err := persist.NewAdapter(ctx, filepath.Join(dataDir, "ragline.db"))
	if err != nil {
		return nil, err
	}

	index, err := search.NewIndex(filepath.Join(dataDir, "messages.bleve"))
	if err != nil {
		adapter.Close()
		return nil, err
	}

	session := auth.NewSession()
	var rec auth.Record
	if ok, err := adapter.LoadRecord(ctx, persist.AuthRecord, &rec); err == nil && ok {
		session.Restore(rec)
	}

	st := store.New(store.WithOwnerFunc(session.UserID))
	var snap store.Snapshot
	if ok, err := adapter.LoadRecord(ctx, persist.ChatRecord, &snap); err == nil && ok {
		// An empty id discards everything: a signed-out start never shows a
		// previous identity's history.
		st.Restore(snap, session.UserID())
	}

	client := backend.NewClient(cfg.ServerURLOrDefault(),
		backend.WithAuthHeader(session.AuthHeader),
		backend.WithUnauthorizedHook(session.Logout),
	)

	app := &App{
		cfg:     cfg,
		store:   st,
		session: session,
		client:  client,
		adapter: adapter,
		index:   index,
		out:     os.Stdout,
	}

	poll := backend.PollOptions{}
	if cfg.PollTimeoutSec > 0 {
		poll.Timeout = time.Duration(cfg.PollTimeoutSec) * time.Second
	}
	app.svc = chat.NewService(st, client, session.UserID,
		chat.WithPollOptions(poll),
		chat.WithResolvedHook(app.onResolved),
	)

	// Every committed store update is written through to the cache.
	st.Subscribe(app.saveChat)

	// Identity boundaries purge persisted conversations: a new identity (or
	// none) must never see the previous identity's history.
	session.Subscribe(func(ev auth.Event) {
		switch ev.Kind {
		case auth.EventIdentityChanged:
			app.purgeChat()
		case auth.EventLogout:
			app.purgeChat()
			app.saveAuth()
		case auth.EventLogin:
			app.saveAuth()
		}
	})

	if cfg.WatchDir != "" {
		w, err := watch.NewWatcher(cfg.WatchDir)
		if err != nil {
			log.Printf("drop folder disabled: %v", err)
		} else {
			w.OnDocument(app.ingestDocuments)
			if err := w.Start(); err != nil {
				log.Printf("drop folder disabled: %v", err)
			} else {
				app.watcher = w
			}
		}
	}

	return app, nil
}

func (a *App) runREPL(ctx context.Context) {
	fmt.Fprintln(a.out, "ragline ready. Type /help for commands.")

	s := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(a.out, "you> ")
		if !s.Scan() {
			break
		}
		line := s.Text()
		if line == "" {
			continue
		}
		if !a.handleLine(ctx, line) {
			break
		}
	}

	a.svc.CancelAll()
	a.svc.Wait()
}
