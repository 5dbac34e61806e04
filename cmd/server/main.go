package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/agritrace-io/ledger-service/internal/catalog"
	"github.com/agritrace-io/ledger-service/internal/config"
	"github.com/agritrace-io/ledger-service/internal/directory"
	"github.com/agritrace-io/ledger-service/internal/kv"
	"github.com/agritrace-io/ledger-service/internal/ledger"
	"github.com/agritrace-io/ledger-service/internal/logger"
	httptransport "github.com/agritrace-io/ledger-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres (product catalog)
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&catalog.Product{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis (event ledger + identity directory)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	store := kv.NewRedisStore(rdb)

	// 5. core components
	led := ledger.New(store, log)
	dir := directory.NewCache(store, cfg.Directory.BootstrapAttempts, cfg.Directory.BaseDelay(), log)
	cat := catalog.NewService(gdb, led, dir, log)

	// 6. directory bootstrap. Runs in the background: until it finishes,
	// lookups either join the in-flight run or degrade to direct reads.
	go func() {
		if err := dir.Bootstrap(context.Background()); err != nil {
			log.Errorf("directory bootstrap: %v (serving degraded)", err)
		}
	}()

	// 7. gin router
	router := httptransport.NewRouter(led, dir, cat, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("ledger-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
