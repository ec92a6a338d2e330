package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/richiexuetang/ritcher-map-sub000/internal/auth"
	"github.com/richiexuetang/ritcher-map-sub000/internal/config"
	"github.com/richiexuetang/ritcher-map-sub000/internal/database"
	"github.com/richiexuetang/ritcher-map-sub000/internal/ingress"
	"github.com/richiexuetang/ritcher-map-sub000/internal/realtime"
	"github.com/richiexuetang/ritcher-map-sub000/internal/server"
	"github.com/richiexuetang/ritcher-map-sub000/pkg/logger"
)

func main() {
	logger.Setup()
	log := logger.Component("main")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()

	transport := realtime.NewRedisTransport(redisClient)
	rooms := realtime.NewRoomManager(&cfg.Cleanup)
	presence := realtime.NewPresenceManager(&cfg.Cleanup)
	broker := realtime.NewMessageBroker(transport, rooms)
	connections := realtime.NewConnectionManager(&cfg.WebSocket, rooms, presence, broker)
	broker.AttachLocalDelivery(connections)

	if cfg.KafkaEnabled() {
		for _, topic := range cfg.Kafka.Topics {
			sub := ingress.NewTopicSubscription(&cfg.Kafka, topic, broker.InstanceID())
			if err := broker.AddExternalSource(topic, sub); err != nil {
				log.WithError(err).WithField("topic", topic).Fatal("Failed to register ingress topic")
			}
		}
	} else {
		log.Info("Kafka ingress disabled, no brokers configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := broker.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start message broker")
	}

	validator := auth.NewValidator(&cfg.Auth)
	srv := server.New(cfg, connections, rooms, presence, broker, validator)

	go func() {
		if err := srv.Run(); err != nil {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	log.WithFields(logrus.Fields{
		"instance_id": broker.InstanceID(),
		"port":        cfg.Server.Port,
	}).Info("Realtime gateway started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	connections.Shutdown(shutdownCtx)
	broker.Shutdown()
	rooms.Shutdown()
	presence.Shutdown()

	log.Info("Gateway stopped")
}
