package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"trustsync/internal/mailbox"
	"trustsync/internal/repository/directory"
	"trustsync/internal/service/relay"
	"trustsync/internal/utils/log"
)

var (
	listenAddr  string
	backend     string
	postgresDSN string
	redisAddr   string
	mongoURI    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relayd",
		Short: "Store-and-forward message relay with a durable offline mailbox",
		RunE:  run,
	}

	rootCmd.Flags().StringVar(&listenAddr, "listen", "localhost:9090", "address to serve websocket and REST on")
	rootCmd.Flags().StringVar(&backend, "mailbox", "postgres", "mailbox backend: postgres, redis or memory")
	rootCmd.Flags().StringVar(&postgresDSN, "postgres", "postgres://localhost:5432/trustsync", "postgres DSN for the mailbox")
	rootCmd.Flags().StringVar(&redisAddr, "redis", "localhost:6379", "redis address for the mailbox")
	rootCmd.Flags().StringVar(&mongoURI, "mongo", "mongodb://localhost:27017", "mongo URI for the key directory; empty disables it")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	queue, err := newQueue()
	if err != nil {
		return err
	}
	defer queue.Close()

	var dir *directory.Repo
	if mongoURI != "" {
		client, err := initMongo()
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		dir = directory.NewRepo(client.Database("trustsync"))
	}

	log.Info("starting relay",
		zap.String("listen", listenAddr),
		zap.String("mailbox", backend),
		zap.Bool("directory", dir != nil))

	return relay.NewServer(queue, dir).Run(listenAddr)
}

func newQueue() (mailbox.Queue, error) {
	switch backend {
	case "postgres":
		return mailbox.NewPostgresQueue(postgresDSN, 0)
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr: redisAddr,
		})
		return mailbox.NewRedisQueue(rdb), nil
	case "memory":
		return mailbox.NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unknown mailbox backend %q", backend)
	}
}

func initMongo() (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
