// Program hubcli is a command-line client for hubs speaking the json hub
// protocol.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"gitlab.com/techviking/signalr/v3"
	"gitlab.com/techviking/signalr/v3/internal/logging"
)

var flags struct {
	Profile         string        `flag:"profile,Path of a TOML connection profile"`
	URL             string        `flag:"url,Hub URL (overrides the profile)"`
	SkipNegotiation bool          `flag:"skip-negotiation,Connect the websocket directly to the hub URL"`
	Timeout         time.Duration `flag:"timeout,default=30s,How long to wait for an invocation result"`
}

func main() {
	logging.ConfigureRuntime()

	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Connect to a hub and call its methods.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name: "negotiate",
				Help: "Connect to the hub, print the connection id, and disconnect.",
				Run:  runNegotiate,
			},
			{
				Name:  "invoke",
				Usage: "<method> [json-argument...]",
				Help: `Invoke a hub method and print its result.

Each argument is sent as JSON if it parses as JSON, otherwise as a string.`,
				Run: runInvoke,
			},
			{
				Name:  "send",
				Usage: "<method> [json-argument...]",
				Help:  "Call a hub method without waiting for a reply.",
				Run:   runSend,
			},
			{
				Name:  "listen",
				Usage: "<method>...",
				Help:  "Print every call the hub makes to the named client methods until interrupted.",
				Run:   runListen,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// connectionConfig assembles a Config from the profile and the flags.
func connectionConfig() (signalr.Config, error) {
	var cfg signalr.Config
	if flags.Profile != "" {
		var err error
		if cfg, err = loadProfile(flags.Profile, cfg); err != nil {
			return signalr.Config{}, err
		}
	}
	if flags.URL != "" {
		c, err := signalr.WithURL(flags.URL, cfg.Transport)
		if err != nil {
			return signalr.Config{}, err
		}
		cfg.ConnectionURL = c.ConnectionURL
	}
	if flags.SkipNegotiation {
		cfg.SkipNegotiation = true
	}
	if cfg.ConnectionURL == nil {
		return signalr.Config{}, errors.New("no hub url: set --url or a profile")
	}
	l := log.Logger.With().Str("client", uuid.NewString()).Logger()
	cfg.Logger = &l
	return cfg, nil
}

// withConnection starts a connection, runs f, and disposes the connection.
func withConnection(f func(ctx context.Context, h *signalr.HubConnection) error) error {
	cfg, err := connectionConfig()
	if err != nil {
		return err
	}
	h, err := signalr.New(cfg)
	if err != nil {
		return err
	}
	defer h.Dispose()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := h.Start(ctx); err != nil {
		return err
	}
	return f(ctx, h)
}

func runNegotiate(env *command.Env) error {
	return withConnection(func(_ context.Context, h *signalr.HubConnection) error {
		fmt.Println(h.ConnectionID())
		return h.Stop()
	})
}

func runInvoke(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing method name")
	}
	method, args := env.Args[0], parseArguments(env.Args[1:])
	return withConnection(func(ctx context.Context, h *signalr.HubConnection) error {
		ctx, cancel := context.WithTimeout(ctx, flags.Timeout)
		defer cancel()
		result, err := signalr.Call[json.RawMessage](ctx, h, method, args...)
		if err != nil {
			return err
		}
		if result == nil {
			result = json.RawMessage("null")
		}
		fmt.Println(string(result))
		return nil
	})
}

func runSend(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing method name")
	}
	method, args := env.Args[0], parseArguments(env.Args[1:])
	return withConnection(func(_ context.Context, h *signalr.HubConnection) error {
		return h.Send(method, args...)
	})
}

func runListen(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing method name")
	}
	return withConnection(func(ctx context.Context, h *signalr.HubConnection) error {
		closed := make(chan error, 1)
		h.OnClosed(func(err error) {
			select {
			case closed <- err:
			default:
			}
		})
		for _, method := range env.Args {
			h.On(method, nil, nil, func(args []any) (any, error) {
				out, err := json.Marshal(args)
				if err != nil {
					return nil, err
				}
				fmt.Printf("%s %s\n", method, out)
				return nil, nil
			})
		}
		select {
		case <-ctx.Done():
			return h.Stop()
		case err := <-closed:
			return err
		}
	})
}

// parseArguments converts command-line words into invocation arguments.
func parseArguments(words []string) []any {
	args := make([]any, len(words))
	for i, w := range words {
		if json.Valid([]byte(w)) {
			args[i] = json.RawMessage(w)
		} else {
			args[i] = w
		}
	}
	return args
}
