package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/fitbuddy/client-core-go/internal/authsession"
	"github.com/fitbuddy/client-core-go/internal/backend"
	"github.com/fitbuddy/client-core-go/internal/diag"
	"github.com/fitbuddy/client-core-go/internal/failure"
	"github.com/fitbuddy/client-core-go/internal/provider"
	"github.com/fitbuddy/client-core-go/internal/token"
	"github.com/fitbuddy/client-core-go/pkg/database"
	"github.com/fitbuddy/client-core-go/pkg/utilities"
)

func main() {
	// load .env file if present so os.Getenv picks values from it
	// this is best-effort: if no .env exists, continue (use defaults or real env)
	_ = godotenv.Load()

	// init logger
	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting fitbuddy client core")

	// open the per-session client state store
	db, err := database.Connect(database.ConfigFromEnv())
	if err != nil {
		sugar.Fatalf("state store: %v", err)
	}
	defer db.Close()
	kv := database.NewKV(db)

	// wire the auth core: provider -> bootstrapper -> coordinator -> backend
	prov := provider.NewClient(provider.ConfigFromEnv(), kv, sugar, nil)
	emitter := diag.NewEmitter(sugar)
	detector := failure.NewDetector(failure.NewKVStore(kv), emitter, nil)

	boot := authsession.NewBootstrapper(prov, nil, sugar, authsession.ConfigFromEnv(), nil)
	coord := token.NewCoordinator(boot, emitter, detector, nil)
	api := backend.NewClient(backend.ConfigFromEnv(), coord, sugar, nil)
	boot.SetProfileFetcher(api)
	defer boot.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	boot.Initialize(ctx)
	report(sugar, boot)

	// optional demo login driven by env, useful for poking a local stack
	if email, password := os.Getenv("DEMO_LOGIN_EMAIL"), os.Getenv("DEMO_LOGIN_PASSWORD"); email != "" {
		if _, err := boot.Login(ctx, email, password); err != nil {
			sugar.Warnw("demo login failed", "err", err)
		} else {
			report(sugar, boot)
			if buddies, err := api.SuggestedBuddies(ctx, 5, 0, 20); err != nil {
				sugar.Warnw("suggested buddies failed", "err", err)
			} else {
				sugar.Infow("suggested buddies", "count", len(buddies))
			}
		}
	}

	sugar.Info("client is running; press Ctrl+C to stop")

	<-ctx.Done()

	sugar.Info("shutting down")

	// give a short grace period for cleanup
	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// ping the state store once more
	if err := db.PingContext(doneCtx); err != nil {
		sugar.Warnf("state store ping on shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}

func report(sugar *zap.SugaredLogger, boot *authsession.Bootstrapper) {
	s := boot.Session()
	email := ""
	if s.User != nil {
		email = s.User.Email
	}
	sugar.Infow("session state",
		"authenticated_via_backend", s.AuthenticatedViaBackend,
		"loading", s.Loading,
		"user", email,
	)
}
