package app

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"streamfeed/aggregator"
	"streamfeed/config"
	"streamfeed/fanout"
	"streamfeed/feeds"
	"streamfeed/models"
	"streamfeed/serializer"
	"streamfeed/server"
	"streamfeed/storage"
	"streamfeed/storage/memory"
	"streamfeed/storage/sqlstore"
	"streamfeed/tasks"
)

// App wires the configured stores, feed classes, task pool and fan-out
// manager together.
type App struct {
	Config      *config.TomlConfig
	Manager     *fanout.Manager
	Activities  feeds.Activities
	Broadcaster *server.Broadcaster

	// Name of the notification class, empty if none is configured
	Notifications string

	timeline storage.TimelineStore
	pool     *tasks.Pool
	db       *sqlstore.DB
	cancel   context.CancelFunc
}

type stores struct {
	timeline   storage.TimelineStore
	activities storage.ActivityStore
	counts     storage.CounterStore
	locker     storage.Locker
	graph      storage.FollowGraph
}

func memoryStores() stores {
	return stores{
		timeline:   memory.NewTimelineStore(),
		activities: memory.NewActivityStore(),
		counts:     memory.NewCounterStore(),
		locker:     memory.NewLocker(),
		graph:      memory.NewFollowGraph(),
	}
}

// The SQL backend shares locks in process only.
func sqlStores(db *sqlstore.DB) stores {
	return stores{
		timeline:   sqlstore.NewTimelineStore(db),
		activities: sqlstore.NewActivityStore(db),
		counts:     sqlstore.NewCounterStore(db),
		locker:     memory.NewLocker(),
		graph:      sqlstore.NewFollowGraph(db),
	}
}

// OpenDB opens and migrates the configured SQL database.
func OpenDB(cfg *config.TomlConfig) (*sqlstore.DB, error) {
	if cfg.Storage.Backend != config.BackendSQL {
		return nil, fmt.Errorf("%w: storage backend is %q, not %q", storage.ErrNotSupported, cfg.Storage.Backend, config.BackendSQL)
	}
	db, err := sqlstore.Open(cfg.Storage.SQLOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// New builds an App from a validated configuration. With zero workers the
// fan-out runs inline on the calling goroutine.
func New(ctx context.Context, cfg *config.TomlConfig) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Broadcaster: server.NewBroadcaster()}
	ctx, a.cancel = context.WithCancel(ctx)

	s := memoryStores()
	if cfg.Storage.Backend == config.BackendSQL {
		db, err := OpenDB(cfg)
		if err != nil {
			a.cancel()
			return nil, err
		}
		a.db = db
		s = sqlStores(db)
	}
	a.timeline = s.timeline

	family := serializer.Family(cfg.Serializer)
	activitySer, _, err := serializer.ForFamily(family, false)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Activities = feeds.NewActivities(s.activities, activitySer)

	classes := make([]feeds.Class, 0, len(cfg.Feeds))
	for _, feed := range cfg.Feeds {
		class, err := a.buildClass(feed, s, family, activitySer)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("feed %q: %w", feed.Name, err)
		}
		classes = append(classes, class)
	}

	var submitter tasks.Submitter = tasks.Inline{}
	if cfg.Fanout.Workers > 0 {
		a.pool = tasks.NewPool(ctx, tasks.Options{
			Workers:    cfg.Fanout.Workers,
			QueueSize:  cfg.Fanout.QueueSize,
			MaxRetries: cfg.Fanout.MaxRetries,
		})
		a.pool.Start()
		submitter = a.pool
	}

	a.Manager, err = fanout.NewManager(fanout.Options{
		UserFeed:            feeds.SimpleClass(cfg.UserFeed.Name, s.timeline, s.activities, activitySer, cfg.UserFeed.Options()),
		Classes:             classes,
		Activities:          a.Activities,
		Directory:           fanout.GraphDirectory{Graph: s.graph},
		Graph:               s.graph,
		Submitter:           submitter,
		FanoutChunkSize:     cfg.Fanout.ChunkSize,
		FollowActivityLimit: cfg.Fanout.FollowActivityLimit,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"backend":    cfg.Storage.Backend,
		"serializer": family,
		"feeds":      len(classes),
		"workers":    cfg.Fanout.Workers,
	}).Info("Initialized feeds")
	return a, nil
}

func (a *App) buildClass(feed config.TomlFeed, s stores, family serializer.Family, activitySer serializer.Serializer[models.Activity]) (feeds.Class, error) {
	switch feed.Kind {
	case feeds.KindSimple:
		return feeds.SimpleClass(feed.Name, s.timeline, s.activities, activitySer, feed.Options()), nil
	case feeds.KindAggregated:
		policy, err := aggregator.ByName(feed.Policy)
		if err != nil {
			return feeds.Class{}, err
		}
		return feeds.AggregatedClass(feed.Name, s.timeline, s.activities, family, policy, feed.Options())
	case feeds.KindNotification:
		a.Notifications = feed.Name
		return feeds.NotificationClass(feed.Name, s.timeline, s.activities, family, feed.Options(), feeds.NotificationDeps{
			Counts:    s.counts,
			Locker:    s.locker,
			Publisher: a.Broadcaster,
		})
	default:
		return feeds.Class{}, fmt.Errorf("%w: unknown feed kind %q", models.ErrValidation, feed.Kind)
	}
}

// Server returns the HTTP app serving the feeds.
func (a *App) Server() *fiber.App {
	return server.Server(&server.ServerConfig{
		Manager:       a.Manager,
		Activities:    a.Activities,
		Notifications: a.Notifications,
		Broadcaster:   a.Broadcaster,
		CORSOrigins:   a.Config.Server.CORSOrigins,
	})
}

// Close drains the task pool and releases the stores.
func (a *App) Close() error {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.Broadcaster.Shutdown()

	var result *multierror.Error
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close database: %w", err))
		}
	}
	return result.ErrorOrNil()
}
