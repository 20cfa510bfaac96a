package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stake-plus/moltswarm/src/api/config"
	"github.com/stake-plus/moltswarm/src/api/data"
	"github.com/stake-plus/moltswarm/src/api/webserver"
	"github.com/stake-plus/moltswarm/src/events"
	"github.com/stake-plus/moltswarm/src/ledger"
	"github.com/stake-plus/moltswarm/src/molt"
	"github.com/stake-plus/moltswarm/src/moltbook"
	"github.com/stake-plus/moltswarm/src/swarm"
	"github.com/stake-plus/moltswarm/src/x402"
)

func main() {
	cfg := config.Load(nil)

	if len(os.Args) > 2 && os.Args[1] == "admin-token" {
		if cfg.AdminSecret == "" {
			log.Fatalf("ADMIN_JWT_SECRET is not set")
		}
		tok, err := webserver.IssueAdminToken([]byte(cfg.AdminSecret), os.Args[2], 30*24*time.Hour)
		if err != nil {
			log.Fatalf("issue token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		ledgerStore ledger.Store = ledger.NewMemoryStore()
		moltStore   molt.Store   = molt.NewMemoryStore()
		taskStore   swarm.Store  = swarm.NewMemoryStore()
	)
	if cfg.MySQLDSN != "" {
		db := data.MustMySQL(cfg.MySQLDSN)
		if err := data.Migrate(db); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		settings, err := data.LoadSettings(ctx, db)
		if err != nil {
			log.Printf("settings: %v, using env only", err)
		}
		cfg = config.Load(settings.Get)
		ledgerStore = data.NewLedgerStore(db)
		moltStore = data.NewMoltStore(db)
		taskStore = data.NewTaskStore(db)
	} else {
		log.Printf("MYSQL_DSN not set, state is kept in memory")
	}

	bus := events.NewBus()
	webhooks := events.NewWebhooks(nil)
	bus.Subscribe(webhooks)

	var replay x402.ReplayGuard = x402.NewMemoryReplayGuard()
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb = data.MustRedis(cfg.RedisURL)
		replay = data.NewReplayGuard(rdb)
		bus.Subscribe(events.NewRedisPublisher(rdb, events.DefaultStream))
	}

	payments := ledger.New(ledgerStore)
	_ = payments.Load(ctx)

	engine := molt.NewEngine(
		molt.WithStatsSource(molt.LedgerSource{Ledger: payments}),
		molt.WithStore(moltStore),
	)
	if err := engine.Load(ctx); err != nil {
		log.Printf("molt: load failed, starting fresh: %v", err)
	}
	engine.OnEvent(bus.Handle())

	coord := swarm.NewCoordinator(swarm.WithStore(taskStore))
	if err := coord.Load(ctx); err != nil {
		log.Printf("swarm: load failed, starting fresh: %v", err)
	}
	if cfg.SeedTasks {
		if _, err := coord.SeedIfEmpty(ctx); err != nil {
			log.Printf("swarm: seeding failed: %v", err)
		}
	}

	receipts := x402.NewReceiptIssuer([]byte(cfg.ReceiptSecret), 24*time.Hour)
	gateCfg := x402.GateConfig{
		Price:       cfg.PremiumPrice,
		Address:     cfg.PayTo,
		Resource:    "/api/x402/premium-data",
		Description: "Premium swarm intelligence data feed",
		TTL:         cfg.PaymentTTL,
		Replay:      replay,
		Receipts:    receipts,
	}
	if cfg.VerifySignatures {
		gateCfg.Verifier = x402.SR25519Verifier{}
	}
	gate, err := x402.NewGate(gateCfg)
	if err != nil {
		log.Fatalf("x402 gate: %v", err)
	}

	go engine.RunSweeper(ctx, cfg.DecayInterval)

	router := webserver.New(cfg, webserver.Deps{
		Ledger:    payments,
		Molt:      engine,
		Swarm:     coord,
		Bus:       bus,
		Webhooks:  webhooks,
		Registrar: moltbook.NewClient(cfg.MoltbookBase, nil),
		Gate:      gate,
		Receipts:  receipts,
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		var err error
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			reloader, rerr := webserver.NewTLSReloader(ctx, cfg.TLSCert, cfg.TLSKey, 5*time.Minute)
			if rerr != nil {
				log.Fatalf("tls: %v", rerr)
			}
			httpSrv.TLSConfig = reloader.Config()
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()
	log.Printf("moltswarm API listening on %s", cfg.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShut()
	_ = httpSrv.Shutdown(shutCtx)
	webhooks.Wait()
	if rdb != nil {
		_ = rdb.Close()
	}
}
