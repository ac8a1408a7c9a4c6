// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

// sotto-call is a development CLI for placing and answering sotto
// calls through a sotto-relay server. It wires the production engine
// and media stack to a terminal: state and roster changes print as
// they happen, and SIGINT hangs up.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/sotto-voice/sotto/call"
	"github.com/sotto-voice/sotto/lib/ref"
	"github.com/sotto-voice/sotto/media"
	"github.com/sotto-voice/sotto/transport"
	"github.com/sotto-voice/sotto/turn"
	"github.com/sotto-voice/sotto/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sotto-call: %v\n", err)
		os.Exit(1)
	}
}

// fileConfig is the on-disk YAML configuration.
type fileConfig struct {
	// STUNServers is a list of stun: URIs added to every link.
	STUNServers []string `yaml:"stun_servers"`

	// GatheringPolicy is "once" or "continuous". Defaults to
	// continuous.
	GatheringPolicy string `yaml:"gathering_policy"`

	// GatherSettleDelay bounds waiting for late relay candidates under
	// the once policy.
	GatherSettleDelay time.Duration `yaml:"gather_settle_delay"`

	// TURN configures static relay credentials. Optional; without it
	// calls run on host and STUN candidates only.
	TURN struct {
		Servers           []string `yaml:"servers"`
		CallerUsername    string   `yaml:"caller_username"`
		CallerPassword    string   `yaml:"caller_password"`
		RecipientUsername string   `yaml:"recipient_username"`
		RecipientPassword string   `yaml:"recipient_password"`
	} `yaml:"turn"`

	// Contacts map identities to display names.
	Contacts []struct {
		Identity    string `yaml:"identity"`
		DisplayName string `yaml:"display_name"`
	} `yaml:"contacts"`
}

func loadConfig(path string) (fileConfig, error) {
	var config fileConfig
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse config %s: %w", path, err)
	}
	return config, nil
}

func (c fileConfig) policy() (wire.GatheringPolicy, error) {
	switch c.GatheringPolicy {
	case "", "continuous":
		return wire.GatherContinuously, nil
	case "once":
		return wire.GatherOnce, nil
	default:
		return 0, fmt.Errorf("unknown gathering_policy %q", c.GatheringPolicy)
	}
}

// contactDirectory resolves display names from the config file and
// falls back to the raw identity so calls from strangers still ring.
type contactDirectory map[ref.Identity]string

func (d contactDirectory) DisplayName(identity ref.Identity) (string, error) {
	if name, ok := d[identity]; ok {
		return name, nil
	}
	return identity.String(), nil
}

// logHistory records finished calls to the logger instead of a store.
type logHistory struct {
	logger *slog.Logger
}

func (h logHistory) Record(_ context.Context, entry call.HistoryEntry) error {
	h.logger.Info("call finished",
		"call_id", entry.CallID,
		"outcome", entry.Outcome,
		"reason", entry.Reason,
		"duration", entry.EndedAt.Sub(entry.StartedAt).Round(time.Second))
	return nil
}

func run() error {
	var (
		relayURL   string
		identity   string
		callTarget string
		discussion string
		configPath string
		logLevel   string
		autoAnswer bool
	)
	pflag.StringVar(&relayURL, "relay", "ws://localhost:8473", "sotto-relay websocket URL")
	pflag.StringVar(&identity, "identity", "", "identity to register as (required)")
	pflag.StringVar(&callTarget, "call", "", "identity to call; omit to wait for incoming calls")
	pflag.StringVar(&discussion, "discussion", "", "discussion ID to attach to an outgoing call")
	pflag.StringVar(&configPath, "config", "", "path to a YAML config file")
	pflag.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pflag.BoolVar(&autoAnswer, "auto-answer", true, "answer incoming calls automatically")
	pflag.Parse()

	if identity == "" {
		return fmt.Errorf("--identity is required")
	}
	self, err := ref.ParseIdentity(identity)
	if err != nil {
		return fmt.Errorf("invalid identity: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	config, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	policy, err := config.policy()
	if err != nil {
		return err
	}

	directory := make(contactDirectory)
	for _, contact := range config.Contacts {
		id, err := ref.ParseIdentity(contact.Identity)
		if err != nil {
			return fmt.Errorf("invalid contact %q: %w", contact.Identity, err)
		}
		directory[id] = contact.DisplayName
	}

	issuer := &turn.StaticIssuer{
		Credentials: turn.Credentials{
			CallerUsername:    config.TURN.CallerUsername,
			CallerPassword:    config.TURN.CallerPassword,
			RecipientUsername: config.TURN.RecipientUsername,
			RecipientPassword: config.TURN.RecipientPassword,
			RelayServers:      config.TURN.Servers,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The relay may deliver frames before the engine exists; the
	// pointer hand-off closes that window by dropping them.
	var enginePtr atomic.Pointer[call.Engine]
	messenger, err := transport.DialRelay(ctx, relayURL, self, func(from ref.Identity, payload []byte) {
		if engine := enginePtr.Load(); engine != nil {
			engine.HandleMessage(from, payload)
		}
	}, logger)
	if err != nil {
		return err
	}
	defer messenger.Close()

	incoming := make(chan *call.Session, 1)
	engine, err := call.NewEngine(call.Config{
		Identity:  self,
		Messenger: messenger,
		Issuer:    issuer,
		Links: media.NewFactory(media.Config{
			STUNServers:       config.STUNServers,
			GatherSettleDelay: config.GatherSettleDelay,
		}),
		Directory: directory,
		History:   logHistory{logger: logger},
		IncomingCall: func(session *call.Session) {
			select {
			case incoming <- session:
			default:
				// A second simultaneous inbound call already gets a
				// busy reply from the engine.
			}
		},
		GatheringPolicy: policy,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	enginePtr.Store(engine)

	var session *call.Session
	if callTarget != "" {
		target, err := ref.ParseIdentity(callTarget)
		if err != nil {
			return fmt.Errorf("invalid call target: %w", err)
		}
		session, err = engine.StartCall([]ref.Identity{target}, discussion)
		if err != nil {
			return err
		}
		session.GrantMediaPermission()
		logger.Info("calling", "target", target)
	} else {
		logger.Info("waiting for incoming calls", "identity", self)
		select {
		case session = <-incoming:
			logger.Info("incoming call", "call_id", session.CallID())
			if autoAnswer {
				session.Answer()
				session.GrantMediaPermission()
			}
		case <-ctx.Done():
			return nil
		}
	}

	return watch(ctx, session, logger)
}

// watch prints state and roster changes until the call ends or the
// context is cancelled, in which case it hangs up first.
func watch(ctx context.Context, session *call.Session, logger *slog.Logger) error {
	states, cancelStates := session.State().Subscribe()
	defer cancelStates()
	roster, cancelRoster := session.Roster().Subscribe()
	defer cancelRoster()

	for {
		select {
		case state := <-states:
			logger.Info("call state", "state", state)
			if state == call.StateEnded {
				return nil
			}
			if state == call.StateFailed {
				return fmt.Errorf("call failed: %v", session.FailureReason())
			}
		case participants := <-roster:
			for _, p := range participants {
				logger.Info("participant", "name", p.DisplayName, "state", p.State, "muted", p.Muted)
			}
		case <-ctx.Done():
			logger.Info("hanging up")
			session.HangUp()
			waitEnded(session)
			return nil
		}
	}
}

// waitEnded blocks until the session reaches a terminal state, bounded
// so a wedged shutdown cannot hang the process.
func waitEnded(session *call.Session) {
	states, cancel := session.State().Subscribe()
	defer cancel()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-states:
			if state == call.StateEnded || state == call.StateFailed {
				return
			}
		case <-deadline:
			return
		}
	}
}
