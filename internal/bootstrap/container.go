package bootstrap

import (
	"context"
	"fmt"

	"github.com/Tyrowin/taskboard/internal/chanalloc"
	"github.com/Tyrowin/taskboard/internal/chat"
	"github.com/Tyrowin/taskboard/internal/config"
	"github.com/Tyrowin/taskboard/internal/control"
	"github.com/Tyrowin/taskboard/internal/dispatch"
	"github.com/Tyrowin/taskboard/internal/fanout"
	"github.com/Tyrowin/taskboard/internal/logger"
	"github.com/Tyrowin/taskboard/internal/persistence"
	"github.com/Tyrowin/taskboard/internal/transport"
	"github.com/Tyrowin/taskboard/internal/workflow"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BuildContainer registers every service provider. A nil cfg is loaded from
// file and environment on first use.
func BuildContainer(cfg *config.Config) *do.Injector {
	inj := do.New()

	// config
	do.Provide(inj, func(i *do.Injector) (*config.Config, error) {
		if cfg != nil {
			return cfg, nil
		}
		return config.Load()
	})

	// logger
	do.Provide(inj, func(i *do.Injector) (*zap.Logger, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return logger.New(cfg.Log.Level)
	})

	// DB
	do.Provide(inj, func(i *do.Injector) (*gorm.DB, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return persistence.Open(cfg.Database.DSN)
	})
	do.Provide(inj, func(i *do.Injector) (*persistence.Store, error) {
		cfg := do.MustInvoke[*config.Config](i)
		store := persistence.NewStore(do.MustInvoke[*gorm.DB](i), do.MustInvoke[*zap.Logger](i))
		if cfg.Database.AutoMigrate {
			if err := store.Migrate(context.Background()); err != nil {
				return nil, err
			}
		}
		return store, nil
	})

	// workflow
	do.Provide(inj, func(i *do.Injector) (*chanalloc.Allocator, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return chanalloc.New(cfg.Chat.BaseAddress, cfg.Chat.BasePort)
	})
	do.Provide(inj, func(i *do.Injector) (*workflow.Engine, error) {
		return workflow.NewEngine(workflow.Argon2Hasher{}, do.MustInvoke[*chanalloc.Allocator](i)), nil
	})

	// chat
	do.Provide(inj, func(i *do.Injector) (chat.Bus, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return newChatBus(cfg, do.MustInvoke[*zap.Logger](i))
	})

	// fanout
	do.Provide(inj, func(i *do.Injector) (*fanout.Hub, error) {
		return fanout.NewHub(do.MustInvoke[*workflow.Engine](i), do.MustInvoke[*zap.Logger](i)), nil
	})

	// dispatch
	do.Provide(inj, func(i *do.Injector) (*dispatch.Dispatcher, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return dispatch.New(
			do.MustInvoke[*workflow.Engine](i),
			do.MustInvoke[*fanout.Hub](i),
			do.MustInvoke[chat.Bus](i),
			cfg.Server.Workers,
			do.MustInvoke[*zap.Logger](i),
		), nil
	})

	// request port
	do.Provide(inj, func(i *do.Injector) (*transport.Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return transport.NewServer(transport.Options{
			Addr:         cfg.RequestAddr(),
			MaxFrameSize: cfg.Server.MaxFrameSize,
			RateLimit: transport.RateLimit{
				Burst:          cfg.Server.RateLimit.Burst,
				RefillInterval: cfg.Server.RateLimit.RefillInterval,
			},
		}, do.MustInvoke[*dispatch.Dispatcher](i), do.MustInvoke[*zap.Logger](i)), nil
	})

	// control port
	do.Provide(inj, func(i *do.Injector) (*control.Handler, error) {
		cfg := do.MustInvoke[*config.Config](i)
		log := do.MustInvoke[*zap.Logger](i)
		return control.NewHandler(
			do.MustInvoke[*dispatch.Dispatcher](i),
			do.MustInvoke[*workflow.Engine](i),
			do.MustInvoke[*fanout.Hub](i),
			control.NewOriginPolicy(cfg.Control.AllowedOrigins, log),
			log,
		), nil
	})
	do.Provide(inj, func(i *do.Injector) (*control.Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		router := control.NewRouter(control.RouterDeps{
			Handler: do.MustInvoke[*control.Handler](i),
			Log:     do.MustInvoke[*zap.Logger](i),
		})
		return control.NewServer(cfg.ControlAddr(), router), nil
	})

	return inj
}

func newChatBus(cfg *config.Config, log *zap.Logger) (chat.Bus, error) {
	switch cfg.Chat.Backend {
	case config.ChatLocal:
		return chat.NewLocalBus(), nil
	case config.ChatRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return chat.NewRedisBus(rdb), nil
	case config.ChatAMQP:
		conn, err := amqp.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to rabbitmq: %w", err)
		}
		return chat.NewAMQPBus(conn), nil
	default:
		return chat.NewMulticastBus(cfg.Chat.Interface, log)
	}
}
