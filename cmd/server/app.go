package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bullionops/dealer-ledger/internal/calendar"
	"github.com/bullionops/dealer-ledger/internal/config"
	"github.com/bullionops/dealer-ledger/internal/events"
	"github.com/bullionops/dealer-ledger/internal/finance"
	"github.com/bullionops/dealer-ledger/internal/hedging"
	"github.com/bullionops/dealer-ledger/internal/inventory"
	"github.com/bullionops/dealer-ledger/internal/lock"
	"github.com/bullionops/dealer-ledger/internal/logging"
	"github.com/bullionops/dealer-ledger/internal/model"
	"github.com/bullionops/dealer-ledger/internal/notify"
	"github.com/bullionops/dealer-ledger/internal/store"
	"github.com/bullionops/dealer-ledger/internal/trade"
)

// app holds the wired service graph.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	store     store.Store
	queue     events.Queue
	inventory *inventory.Service
	finance   *finance.Service
	trades    *trade.Service
	hub       *notify.WSHub
	processor *events.Processor

	cleanup []func()
}

func (a *app) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

// newApp connects the backends named in cfg. Anything left unconfigured
// falls back to its in-process implementation.
func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// --- Redis: lock, event queue, product cache ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.queue = events.NewRedisQueue(rdb, cfg.Redis.QueuePrefix)
		log.Info().Msg("Redis lock, queue and cache enabled")
	} else {
		a.queue = events.NewMemoryQueue()
		log.Warn().Msg("redis.url not set, lock and event queue are in-process")
	}

	// --- Store ---
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		pg := store.NewPostgresStore(pool, a.queue, logging.Component(log, "store"))
		if cfg.Database.EnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("ensure schema: %w", err)
			}
		}
		a.store = pg
		log.Info().Msg("connected to PostgreSQL")
	} else {
		mem := store.NewMemoryStore(a.queue)
		mem.SetLogger(logging.Component(log, "store"))
		if err := seedMemory(mem, cfg); err != nil {
			return nil, err
		}
		a.store = mem
		log.Warn().Msg("database.url not set, using in-memory store (data will not persist)")
	}
	if rdb != nil {
		a.store = store.NewCachedStore(a.store, rdb, cfg.Redis.ProductTTL)
	}

	// --- Ledgers ---
	a.inventory, a.finance = newLedgers(a.store, rdb != nil, log)

	// --- Workflow ---
	var locker lock.Locker = lock.NewMemoryLocker()
	if rdb != nil {
		locker = lock.NewRedisLocker(rdb, cfg.Lock.TTL, logging.Component(log, "lock"))
	}
	prices, err := cfg.SimulatedPrices()
	if err != nil {
		return nil, err
	}
	accounts, err := cfg.HedgingAccounts()
	if err != nil {
		return nil, err
	}
	cal, err := newCalendar(cfg)
	if err != nil {
		return nil, err
	}
	a.trades = trade.NewService(trade.Deps{
		Store:     a.store,
		Locker:    locker,
		Inventory: a.inventory,
		Finance:   a.finance,
		Hedging:   hedging.NewSimulated(prices, logging.Component(log, "hedging")),
		Calendar:  cal,
		Log:       logging.Component(log, "trade"),
	}, trade.Config{
		LockName:        cfg.Lock.Name,
		DuplicateWindow: cfg.Trading.DuplicateWindow,
		SettlementDays:  cfg.Trading.SettlementDays,
		CalendarType:    calendar.Type(strings.ToLower(cfg.Trading.Calendar)),
		HedgeTimeout:    cfg.Trading.HedgeTimeout,
		HedgingAccounts: accounts,
	})

	// --- Notifications ---
	a.hub = notify.NewWSHub(logging.Component(log, "ws"))
	sinks := notify.FanOut{a.hub}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("dealer-ledger"))
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		a.cleanup = append(a.cleanup, nc.Close)
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		ns := notify.NewNATSSink(js, cfg.NATS.SubjectPrefix)
		if err := ns.EnsureStream(ctx); err != nil {
			return nil, fmt.Errorf("ensure stream: %w", err)
		}
		sinks = append(sinks, ns)
		log.Info().Str("prefix", cfg.NATS.SubjectPrefix).Msg("NATS JetStream notifications enabled")
	}

	dispatcher := events.NewDispatcher(logging.Component(log, "dispatcher"))
	dispatcher.Subscribe("notify", notify.NewPublisher(sinks))
	dispatcher.Subscribe("audit", events.SubscriberFunc(func(_ context.Context, ev model.DomainEvent) error {
		log.Debug().
			Str("event", ev.Type).
			Str("aggregate_id", ev.AggregateID.String()).
			Time("occurred_at", ev.OccurredAt).
			Msg("domain event")
		return nil
	}))
	a.processor = events.NewProcessor(a.queue, dispatcher, events.ProcessorConfig{
		BatchSize: cfg.Events.BatchSize,
		Interval:  cfg.Events.Interval,
	}, logging.Component(log, "events"))

	ok = true
	return a, nil
}

// newLedgers builds the inventory and cash services. When other instances
// append to the same store under the Redis lock, a process-local balance
// memo goes stale, so shared ledgers read the latest entry from the store on
// every append.
func newLedgers(st store.Store, shared bool, log zerolog.Logger) (*inventory.Service, *finance.Service) {
	var (
		invOpts []inventory.Option
		finOpts []finance.Option
	)
	if shared {
		invOpts = append(invOpts, inventory.WithoutCache())
		finOpts = append(finOpts, finance.WithoutCache())
	}
	return inventory.NewService(st, logging.Component(log, "inventory"), invOpts...),
		finance.NewService(st, logging.Component(log, "finance"), finOpts...)
}

// newCalendar registers the configured holidays on a weekday calendar.
func newCalendar(cfg *config.Config) (*calendar.WeekdayCalendar, error) {
	holidays, err := cfg.Holidays()
	if err != nil {
		return nil, err
	}
	cal := calendar.NewWeekdayCalendar()
	for typ, days := range holidays {
		for _, day := range days {
			cal.AddHoliday(typ, day)
		}
	}
	return cal, nil
}

// seedMemory loads the configured catalog and hedging accounts into an
// in-memory store.
func seedMemory(mem *store.MemoryStore, cfg *config.Config) error {
	products, err := cfg.Products()
	if err != nil {
		return err
	}
	for _, p := range products {
		mem.PutProduct(p)
	}
	accounts, err := cfg.HedgingAccounts()
	if err != nil {
		return err
	}
	for loc, id := range accounts {
		mem.PutHedgingAccount(model.HedgingAccount{ID: id, Name: string(loc), Code: string(loc)})
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
