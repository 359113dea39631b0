package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/parallel"
	"github.com/opd-ai/parallel/interfaces"
	"github.com/opd-ai/parallel/messaging"
	"github.com/opd-ai/parallel/presence"
	"github.com/opd-ai/parallel/retention"
	"github.com/opd-ai/parallel/rtc"
	"github.com/opd-ai/parallel/transport"
)

// passphraseEnv selects a passphrase-derived history key instead of the
// device key file.
const passphraseEnv = "PARALLEL_PASSPHRASE"

func joinCmd() *cobra.Command {
	var (
		kind, room, name, listen string
		advertise                string
		redisAddr, redisPassword string
		storeDir                 string
		keep                     bool
	)
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room and chat from the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			override := func(flag string, dst *string, value string) {
				if flags.Changed(flag) || *dst == "" {
					if value != "" {
						*dst = value
					}
				}
			}
			override("transport", &cfg.Transport, kind)
			override("room", &cfg.Room, room)
			override("name", &cfg.Name, name)
			override("listen", &cfg.Listen, listen)
			override("advertise", &cfg.Advertise, advertise)
			override("redis", &cfg.RedisAddr, redisAddr)
			override("redis-password", &cfg.RedisPassword, redisPassword)
			override("store-dir", &cfg.StoreDir, storeDir)
			if flags.Changed("retention") {
				cfg.Retention = keep
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if logFormat != "" {
				cfg.LogFormat = logFormat
			}
			if err := configureLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
				return err
			}
			if cfg.Room == "" || cfg.Name == "" {
				return fmt.Errorf("room and name are required")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJoin(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "transport", "", "peer transport: tcp or webrtc")
	f.StringVar(&room, "room", "", "room identifier")
	f.StringVar(&name, "name", "", "display name")
	f.StringVar(&listen, "listen", "", "TCP listen address for peer channels")
	f.StringVar(&advertise, "advertise", "", "address published to other peers")
	f.StringVar(&redisAddr, "redis", "", "Redis presence directory address")
	f.StringVar(&redisPassword, "redis-password", "", "Redis password")
	f.StringVar(&storeDir, "store-dir", "", "directory for encrypted history")
	f.BoolVar(&keep, "retention", false, "keep 24-hour history")
	return cmd
}

func openStore(dir string) (retention.Store, error) {
	if dir == "" {
		return nil, nil
	}
	if pass := os.Getenv(passphraseEnv); pass != "" {
		return retention.NewPassphraseStore(dir, pass)
	}
	return retention.NewDeviceKeyStore(dir)
}

// transportFactory builds the configured transport. WebRTC negotiates
// through the directory's pub/sub.
func transportFactory(cfg *Config, signaler interfaces.Signaler) (parallel.TransportFactory, error) {
	switch cfg.Transport {
	case "", "tcp":
		return func(id *parallel.Identity) (interfaces.Transport, error) {
			return transport.NewTCPTransport(cfg.Listen, id.PeerID, id.Keys, transport.TCPOptions{
				AdvertiseAddress: cfg.Advertise,
			})
		}, nil
	case "webrtc":
		return func(id *parallel.Identity) (interfaces.Transport, error) {
			return rtc.New(id.PeerID, signaler, rtc.Options{ICEServers: cfg.ICEServers})
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func runJoin(ctx context.Context, cfg *Config, in io.Reader, out io.Writer) error {
	dir, err := presence.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return err
	}
	defer dir.Close()

	opts := parallel.NewOptions()
	if err := cfg.Apply(opts); err != nil {
		return err
	}
	opts.Directory = dir
	if opts.Transport, err = transportFactory(cfg, dir); err != nil {
		return err
	}
	if opts.Store, err = openStore(cfg.StoreDir); err != nil {
		return fmt.Errorf("open history store: %w", err)
	}

	session, err := parallel.Join(ctx, cfg.Room, cfg.Name, opts)
	if err != nil {
		return err
	}
	defer session.Close()

	session.OnMessage(func(c messaging.Change) {
		switch c.Kind {
		case messaging.ChangeAdded:
			if !c.Message.Local {
				fmt.Fprintln(out, formatMessage(c.Message))
			}
		case messaging.ChangeStatus:
			if c.Message.Local && c.Message.Status == messaging.StatusFailed {
				fmt.Fprintf(out, "! not delivered: %s\n", c.Message.Content)
			}
		}
	})
	session.OnStatusChange(func(st parallel.ConnectionStatus) {
		logrus.WithField("status", st.String()).Info("Connection status changed")
	})

	fmt.Fprintf(out, "joined %s as %s (%s); /help for commands\n", cfg.Room, cfg.Name, shortID(session.PeerID()))
	for _, m := range session.Messages() {
		fmt.Fprintln(out, formatMessage(m))
	}

	sh := &shell{session: session, out: out}
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseLine(line)
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			quit, err := sh.execute(ctx, cmd)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}
