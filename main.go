package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nexus-chat/realtime/global/config"
	"github.com/nexus-chat/realtime/logger"
	"github.com/nexus-chat/realtime/module/chat/dispatch"
	"github.com/nexus-chat/realtime/module/chat/message"
	"github.com/nexus-chat/realtime/module/chat/offline"
	"github.com/nexus-chat/realtime/module/chat/presence"
	"github.com/nexus-chat/realtime/module/chat/ratelimit"
	"github.com/nexus-chat/realtime/module/chat/relay"
	"github.com/nexus-chat/realtime/module/chat/seq"
	chatgw "github.com/nexus-chat/realtime/service/chat"
	"github.com/nexus-chat/realtime/service/natsx"
	redisstore "github.com/nexus-chat/realtime/service/storage/redis"
	"github.com/nexus-chat/realtime/tools/ids"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config; empty for defaults")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Errorf("load config: %v", err)
		return
	}
	logger.SetLevel(cfg.LogLevel)
	ids.SetNodeID(cfg.NodeID)
	defer logger.Sync()

	store, err := redisstore.New(redisstore.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		logger.Errorf("redis: %v", err)
		return
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	mcli, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	cancel()
	if err != nil {
		logger.Errorf("mongo: %v", err)
		return
	}
	defer func() { _ = mcli.Disconnect(context.Background()) }()

	repo := message.NewRepo(mcli.Database(cfg.Mongo.Database))
	if err := repo.EnsureIndexes(context.Background()); err != nil {
		logger.Errorf("mongo indexes: %v", err)
		return
	}

	// The relay can ride Redis Pub/Sub or NATS; both satisfy relay.Bus.
	var bus relay.Bus = store
	if cfg.Broadcast.Bus == config.BusNats {
		nb, err := natsx.New(natsx.Config{Servers: cfg.Nats.Servers, Name: cfg.Nats.Name})
		if err != nil {
			logger.Errorf("nats: %v", err)
			return
		}
		defer func() { _ = nb.Close() }()
		bus = nb
	}

	mgr := chatgw.NewConnManager(chatgw.ManagerConf{})
	defer mgr.Close()

	rl := relay.New(cfg.InstanceID, cfg.Broadcast.Channel, bus, mgr)
	if err := rl.Start(); err != nil {
		logger.Errorf("relay: %v", err)
		return
	}
	defer rl.Close()

	limits := make(map[ratelimit.Class]ratelimit.Limit, len(cfg.Limits))
	for class, l := range cfg.Limits {
		limits[ratelimit.Class(class)] = ratelimit.Limit{Max: l.Max, Window: l.Window}
	}

	tracker := presence.NewTracker(store, cfg.InstanceID, cfg.Presence.LivenessTTL, cfg.Presence.TypingTTL)
	disp := dispatch.New(dispatch.Options{
		Seq:      seq.NewGenerator(store),
		Limiter:  ratelimit.NewLimiter(store, limits),
		Presence: tracker,
		Queue:    offline.NewQueue(store, cfg.Offline.Retention),
		Relay:    rl,
		Messages: repo,
		Members:  repo,
		Counters: store,
	})

	srv := chatgw.NewServer(mgr, disp)
	r := chatgw.NewRouter(srv, tracker)

	logger.Infof("instance %s listening on :%d (bus=%s)", cfg.InstanceID, cfg.Port, cfg.Broadcast.Bus)
	if err := r.Run(fmt.Sprintf(":%d", cfg.Port)); err != nil {
		logger.Errorf("http server: %v", err)
	}
}
