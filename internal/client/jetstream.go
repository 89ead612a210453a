package client

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pesio-ai/be-bank-reconciliation/internal/platform/logger"
)

// JetStreamConfig describes the NATS connection and the stream events land
// in.
type JetStreamConfig struct {
	URL           string
	ClientName    string
	Stream        string
	SubjectPrefix string
	DuplicateTTL  time.Duration
}

// ConnectJetStream dials NATS and makes sure the notification stream
// captures <prefix>.>. The caller closes the returned connection.
func ConnectJetStream(ctx context.Context, cfg JetStreamConfig, log *logger.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats: reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}

	dupTTL := cfg.DuplicateTTL
	if dupTTL <= 0 {
		dupTTL = 2 * time.Hour
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Duplicates: dupTTL,
	})
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	log.Info().
		Str("url", nc.ConnectedUrl()).
		Str("stream", cfg.Stream).
		Msg("nats: jetstream ready")

	return nc, js, nil
}
