package main

import (
	"context"
	"errors"
	"log"
	"net/http"

	"bazaar-lite/apps/server/internal/config"
	"bazaar-lite/apps/server/internal/gateway"
	"bazaar-lite/apps/server/internal/ledger"
	"bazaar-lite/apps/server/internal/lobby"
	"bazaar-lite/apps/server/internal/oracle"
	"bazaar-lite/apps/server/internal/session"
	"bazaar-lite/apps/server/internal/store"
	"bazaar-lite/bazaar"
	"bazaar-lite/bazaar/catalog"
	"bazaar-lite/bazaar/objective"
	"bazaar-lite/bazaar/verify"
	"bazaar-lite/turn"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		log.Fatalf("[Server] Failed to load catalog: %v", err)
	}

	storeService, storeMode, err := store.NewService(cfg.StoreMode, cfg.SQLitePath, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[Server] Failed to init session store: %v", err)
	}
	defer storeService.Close()
	ledgerService, ledgerMode, err := ledger.NewService(cfg.StoreMode, cfg.SQLitePath, cfg.DatabaseURL, cfg.LedgerRecentLimit)
	if err != nil {
		log.Fatalf("[Server] Failed to init ledger service: %v", err)
	}
	defer ledgerService.Close()

	client, err := oracle.NewClient(ctx, cfg.GeminiAPIKey, cfg.TextModel)
	switch {
	case errors.Is(err, oracle.ErrUnavailable):
		log.Printf("[Server] GEMINI_API_KEY not set, running with canned objectives and no interpretation")
	case err != nil:
		log.Fatalf("[Server] Failed to init Gemini client: %v", err)
	}
	defer client.Close()
	speaker, err := oracle.NewSpeaker(ctx, cfg.GeminiAPIKey, cfg.TTSVoice)
	if err != nil {
		log.Fatalf("[Server] Failed to init speech synthesis: %v", err)
	}

	var planner objective.Planner
	if client != nil {
		planner = oracle.NewPlanner(client)
	}
	objectives := objective.NewManager(nil, planner, cfg.PlanTimeout)
	pipeline := turn.New(oracle.NewInterpreter(client), verify.New(), bazaar.NewMutator(), objectives, turn.Config{
		InterpretTimeout: cfg.InterpretTimeout,
		TurnsPerDayPhase: cat.TurnsPerDayPhase,
	})

	lby := lobby.New(lobby.Config{
		Catalog:    cat,
		Objectives: objectives,
		IdleTTL:    cfg.SessionIdleTTL,
		Deps: session.Deps{
			Pipeline:   pipeline,
			Store:      storeService,
			Ledger:     ledgerService,
			Speaker:    speaker,
			TTSTimeout: cfg.TTSTimeout,
		},
	})
	defer lby.Close()
	gw := gateway.New(lby, 0)
	lby.SetSink(gw.Publish)
	go lby.RunSweeper(ctx, cfg.SweepInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	gw.RegisterRoutes(mux)
	lobby.NewHTTPHandler(lby, cfg.Debug).RegisterRoutes(mux)
	ledger.NewHTTPHandler(ledgerService).RegisterRoutes(mux)

	log.Printf("[Server] Store mode: %s", storeMode)
	log.Printf("[Server] Ledger mode: %s", ledgerMode)
	log.Printf("[Server] Debug routes: %t", cfg.Debug)
	log.Printf("[Server] Starting server on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, mux); err != nil {
		log.Fatalf("[Server] Failed to start: %v", err)
	}
}
