// Package engine wires the transaction integrity components — tax
// calculation, sequence allocation, the transaction ledger and cash drawer
// reconciliation — over a shared repository.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"greenledger/engine/internal/approval"
	"greenledger/engine/internal/cache"
	"greenledger/engine/internal/config"
	"greenledger/engine/internal/drawer"
	"greenledger/engine/internal/ledger"
	"greenledger/engine/internal/sequence"
	"greenledger/engine/internal/store"
	"greenledger/engine/internal/store/memory"
	"greenledger/engine/internal/store/postgres"
	"greenledger/engine/internal/tax"
)

// Engine is the assembled integrity engine. Callers embed it into whatever
// surface they expose; it owns the backing connections and must be closed.
type Engine struct {
	Repo      store.Repository
	Tax       *tax.Calculator
	Sequences *sequence.Allocator
	Ledger    *ledger.Ledger
	Drawer    *drawer.Engine
	Approver  *approval.Approver

	pg         *postgres.Store
	redisCache *cache.RedisSequenceConfigCache
}

// New assembles an engine from config. With no DATABASE_URL it runs on the
// in-memory store; with no REDIS_ADDR sequence configs are read straight from
// the store. Manager approvals are enabled only when both APPROVAL_SECRET and
// MANAGER_PIN are configured.
func New(ctx context.Context, cfg config.Config) (*Engine, error) {
	e := &Engine{}

	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		e.pg = pg
		e.Repo = pg
	} else {
		log.Printf("[engine] no DATABASE_URL set, using in-memory store")
		e.Repo = memory.NewSeeded()
	}

	var seqCache cache.SequenceConfigCache = cache.NoopSequenceConfigCache{}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisSequenceConfigCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			_ = redisCache.Close()
			_ = e.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		e.redisCache = redisCache
		seqCache = redisCache
	}

	calc, err := tax.NewCalculator(cfg.TaxRatePercent)
	if err != nil {
		_ = e.close()
		return nil, err
	}
	e.Tax = calc
	e.Sequences = sequence.NewAllocator(e.Repo, seqCache, time.Duration(cfg.SequenceCacheTTLSeconds)*time.Second)

	if cfg.ApprovalSecret != "" && cfg.ManagerPIN != "" {
		approver, err := approval.New(cfg.ApprovalSecret, time.Duration(cfg.ApprovalTTLMinutes)*time.Minute, cfg.ManagerPIN)
		if err != nil {
			_ = e.close()
			return nil, fmt.Errorf("configure approvals: %w", err)
		}
		e.Approver = approver
	} else {
		log.Printf("[engine] manager approvals disabled, set APPROVAL_SECRET and MANAGER_PIN to enable")
	}

	e.Ledger = ledger.New(e.Repo, calc, e.Sequences, e.Approver, ledger.Policy{
		RefundWindowDays:              cfg.RefundWindowDays,
		HighValueRefundThresholdCents: cfg.RefundApprovalThresholdCents,
		WindowOverrideEnabled:         cfg.RefundWindowOverrideEnabled,
	})
	e.Drawer = drawer.New(e.Repo, e.Approver, cfg.DrawerApprovalThresholdCents)

	return e, nil
}

func (e *Engine) Close() error {
	return e.close()
}

func (e *Engine) close() error {
	var firstErr error
	if e.redisCache != nil {
		if err := e.redisCache.Close(); err != nil {
			firstErr = err
		}
	}
	if e.pg != nil {
		if err := e.pg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
