package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trustsync/internal/identity"
	"trustsync/internal/model"
	"trustsync/internal/service/transport"
	"trustsync/internal/utils/log"
)

var (
	relayHost string
	toDid     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "client",
		Short: "Headless relay client: registers a fresh DID and exchanges envelopes",
		RunE:  run,
	}

	rootCmd.Flags().StringVar(&relayHost, "relay", "localhost:9090", "relay host")
	rootCmd.Flags().StringVar(&toDid, "to", "", "recipient DID; every stdin line is sent there")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	id, err := identity.Generate()
	if err != nil {
		return err
	}
	fmt.Printf("your DID: %s\n", id.DID())

	dir := transport.NewDirectoryClient("http://" + relayHost)
	if err := dir.Publish(ctx, &model.KeyRecord{
		Did:           id.DID(),
		SigningKey:    id.SigningPublicKey(),
		EncryptionKey: id.EncryptionPublicKey(),
	}); err != nil {
		log.Warn("key publish failed, directory may be disabled", zap.Error(err))
	}

	client := transport.NewClient(transport.Config{URL: "ws://" + relayHost + "/relay"})
	client.OnMessage(func(env *model.MessageEnvelope) error {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", env.FromDid, body.Text)
		return nil
	})

	if err := client.Connect(ctx, id.DID()); err != nil {
		return err
	}
	defer client.Disconnect()

	if toDid != "" {
		go readAndSend(ctx, client, id, toDid)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done
	return nil
}

func readAndSend(ctx context.Context, client *transport.Client, id identity.Identity, to string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		payload, err := json.Marshal(map[string]string{"text": scanner.Text()})
		if err != nil {
			continue
		}

		env := model.NewEnvelope(model.EnvelopeContactRequest, id.DID(), to, model.EncodingJSON, payload)
		env.Signature = id.Sign(env.CanonicalBytes())

		receipt, err := client.Send(ctx, env)
		if err != nil {
			log.Error("send failed", zap.Error(err))
			continue
		}
		fmt.Printf("-> %s (%s)\n", env.ID, receipt.Status)
	}
}
