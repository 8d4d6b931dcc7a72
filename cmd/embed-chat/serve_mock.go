package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/embedchat/pkg/embedapi"
	"github.com/go-go-golems/embedchat/pkg/embedtest"
)

func (a *app) newServeMockCommand() *cobra.Command {
	var (
		addr       string
		agentName  string
		chunkDelay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve-mock",
		Short: "Serve a scripted embed backend that echoes every message",
		Long: `Serve a scripted embed backend on one address: the websocket endpoint at /ws
and the agent and conversation REST endpoints under /embed. Point both
--api-url and --socket-url at it for local development.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			now := time.Now().UTC()
			backend := embedtest.New(
				embedtest.WithAgent(embedapi.Agent{
					ID:        "agent-1",
					Name:      agentName,
					Type:      embedapi.AgentTypeChatbot,
					OwnerID:   a.settings.UserID,
					OwnerType: "USER",
					CreatedAt: now,
					UpdatedAt: now,
				}),
				embedtest.WithChunkDelay(chunkDelay),
			)
			return serveMock(ctx, addr, backend.Handler())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:4000", "Listen address")
	cmd.Flags().StringVar(&agentName, "agent-name", "Mock Assistant", "Display name of the served agent")
	cmd.Flags().DurationVar(&chunkDelay, "chunk-delay", 80*time.Millisecond, "Delay between streamed chunks")
	return cmd
}

func serveMock(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("component", "embedtest").Str("addr", ln.Addr().String()).Msg("mock backend listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
