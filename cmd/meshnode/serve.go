package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/api"
	"github.com/ZentaChain/zentalk-mesh/pkg/config"
	"github.com/ZentaChain/zentalk-mesh/pkg/mesh"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

type serveFlags struct {
	listenAddrs []string
	bootstrap   []string
	mtu         int
	nickname    string
	apiListen   string
	noAPI       bool
}

func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("listen") {
		cfg.Transport.ListenAddrs = f.listenAddrs
	}
	if cmd.Flags().Changed("bootstrap") {
		cfg.Transport.Bootstrap = f.bootstrap
	}
	if cmd.Flags().Changed("mtu") {
		cfg.Transport.MTU = f.mtu
	}
	if cmd.Flags().Changed("nickname") {
		cfg.Mesh.Nickname = f.nickname
	}
	if cmd.Flags().Changed("api-listen") {
		cfg.API.Listen = f.apiListen
	}
	if f.noAPI {
		cfg.API.Enabled = false
	}
}

func newServeCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mesh node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromCmd(cmd)
			if err != nil {
				return err
			}
			flags.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := cfg.Log.NewLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringSliceVar(&flags.listenAddrs, "listen", nil, "Listen multiaddrs")
	cmd.Flags().StringSliceVar(&flags.bootstrap, "bootstrap", nil, "Bootstrap peer multiaddrs ending in /p2p/<id>")
	cmd.Flags().IntVar(&flags.mtu, "mtu", 0, "Link MTU in bytes")
	cmd.Flags().StringVar(&flags.nickname, "nickname", "", "Nickname carried in announces")
	cmd.Flags().StringVar(&flags.apiListen, "api-listen", "", "HTTP API listen address")
	cmd.Flags().BoolVar(&flags.noAPI, "no-api", false, "Disable the HTTP API")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	id, created, err := loadIdentity(cfg.Node.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	if created {
		logger.Info("new identity saved", zap.String("path", cfg.Node.KeyFile))
	}

	link, err := transport.NewP2PLink(ctx, transport.P2PConfig{
		ListenAddrs: cfg.Transport.ListenAddrs,
		Bootstrap:   cfg.Transport.Bootstrap,
		MTU:         cfg.Transport.MTU,
		SigningKey:  id.Signing,
	}, logger.Named("link"))
	if err != nil {
		return err
	}
	for _, addr := range link.Addrs() {
		logger.Info("listening", zap.String("addr", addr))
	}

	var server *api.Server
	handler := func(msg mesh.Message) {
		logger.Info("message received",
			zap.String("from", hex.EncodeToString(msg.From)),
			zap.Stringer("type", msg.Type),
			zap.Int("size", len(msg.Payload)),
			zap.Bool("private", msg.Private),
			zap.Bool("verified", msg.Verified))
		if server != nil {
			server.Record(msg)
		}
	}

	node, err := mesh.New(id, link, cfg.Mesh,
		mesh.WithLogger(logger.Named("mesh")),
		mesh.WithHandler(handler))
	if err != nil {
		link.Close()
		return err
	}
	defer node.Close()

	logger.Info("mesh node ready",
		zap.String("id", node.IDString()),
		zap.String("fingerprint", node.Fingerprint()))

	var wg sync.WaitGroup
	if cfg.API.Enabled {
		server = api.NewServer(node, cfg.API, logger.Named("api"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				logger.Error("API server failed", zap.Error(err))
			}
		}()
	}

	err = node.Run(ctx)
	wg.Wait()
	logger.Info("mesh node stopped")
	return err
}
