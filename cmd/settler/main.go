package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agritrace-io/ledger-service/internal/config"
	"github.com/agritrace-io/ledger-service/internal/kv"
	"github.com/agritrace-io/ledger-service/internal/ledger"
	"github.com/agritrace-io/ledger-service/internal/logger"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// settlementMsg is what the chain consensus service publishes once an
// event is finalized into a block.
type settlementMsg struct {
	EventID        string `json:"event_id"`
	BlockRef       string `json:"block_ref"`
	SettlementHash string `json:"settlement_hash"`
}

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	led := ledger.New(kv.NewRedisStore(rdb), log)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
		GroupID: cfg.Kafka.GroupID,
	})
	defer reader.Close()

	log.Info("settlement consumer started")
	ctx := context.Background()
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			log.Errorf("fetch: %v", err)
			return
		}
		var msg settlementMsg
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			// Malformed confirmations are dropped; redelivery cannot fix them.
			log.Errorf("decode settlement at offset %d: %v", m.Offset, err)
			if err := reader.CommitMessages(ctx, m); err != nil {
				log.Errorf("commit offset %d: %v", m.Offset, err)
			}
			continue
		}
		err = led.Attach(ctx, msg.EventID, msg.BlockRef, msg.SettlementHash)
		switch {
		case err == nil:
			log.Infof("settled event %s in block %s", msg.EventID, msg.BlockRef)
		case errors.Is(err, ledger.ErrEventNotFound):
			// The record is not on this deployment; skip, don't retry.
			log.Warnf("settlement for unknown event %s, skipping", msg.EventID)
		default:
			// Leave the offset uncommitted so the message is redelivered.
			log.Errorf("attach %s: %v", msg.EventID, err)
			continue
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			log.Errorf("commit offset %d: %v", m.Offset, err)
		}
	}
}
