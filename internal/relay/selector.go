package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/specscraper/internal/crawler"
)

// ErrNoActiveRelay means the relay list has no usable entry.
var ErrNoActiveRelay = errors.New("no active relay")

// Config tunes relay selection.
type Config struct {
	// Settle is the pause after disconnecting and after connecting.
	Settle time.Duration `mapstructure:"settle"`
	// Countries restricts the pick to these country codes. Empty means all.
	Countries []string `mapstructure:"countries"`
	// Types restricts the pick to these relay types (wireguard, openvpn).
	Types []string `mapstructure:"types"`
}

// Source lists relays and reports the public IP. *Client implements it.
type Source interface {
	Relays(ctx context.Context) ([]Relay, error)
	CurrentIP(ctx context.Context) (string, error)
}

// Selector switches the VPN to a random active relay. It implements
// crawler.Rotator.
type Selector struct {
	cfg     Config
	source  Source
	cmd     Commander
	sleeper crawler.Sleeper
	pick    func(n int) int
	logger  *zap.Logger

	mu     sync.Mutex
	relays []Relay
}

var _ crawler.Rotator = (*Selector)(nil)

// NewSelector builds a Selector picking uniformly at random.
func NewSelector(cfg Config, source Source, cmd Commander, sleeper crawler.Sleeper, logger *zap.Logger) (*Selector, error) {
	switch {
	case source == nil:
		return nil, errors.New("relay selector requires a relay source")
	case cmd == nil:
		return nil, errors.New("relay selector requires a commander")
	case sleeper == nil:
		return nil, errors.New("relay selector requires a sleeper")
	case cfg.Settle < 0:
		return nil, fmt.Errorf("relay settle must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		cfg:     cfg,
		source:  source,
		cmd:     cmd,
		sleeper: sleeper,
		pick:    rand.IntN,
		logger:  logger.Named("relay"),
	}, nil
}

// Rotate reconnects through a freshly picked relay and reports the new
// identity. A failed IP lookup is logged and leaves Identity.IP empty.
func (s *Selector) Rotate(ctx context.Context) (crawler.Identity, error) {
	relay, err := s.choose(ctx)
	if err != nil {
		return crawler.Identity{}, err
	}
	if err := s.cmd.Run(ctx, "disconnect"); err != nil {
		return crawler.Identity{}, fmt.Errorf("disconnect: %w", err)
	}
	if err := s.sleeper.Sleep(ctx, s.cfg.Settle); err != nil {
		return crawler.Identity{}, fmt.Errorf("settle after disconnect: %w", err)
	}
	if err := s.cmd.Run(ctx, "relay", "set", "location", relay.CountryCode, relay.CityCode); err != nil {
		return crawler.Identity{}, fmt.Errorf("set relay location: %w", err)
	}
	if err := s.cmd.Run(ctx, "connect"); err != nil {
		return crawler.Identity{}, fmt.Errorf("connect: %w", err)
	}
	s.logger.Info("connecting through relay",
		zap.String("relay", relay.Hostname),
		zap.String("city", strings.ToUpper(relay.CityName)),
		zap.String("country", strings.ToUpper(relay.CountryName)),
	)
	if err := s.sleeper.Sleep(ctx, s.cfg.Settle); err != nil {
		return crawler.Identity{}, fmt.Errorf("settle after connect: %w", err)
	}

	identity := crawler.Identity{Relay: relay.Hostname, Country: relay.CountryCode, City: relay.CityCode}
	ip, err := s.source.CurrentIP(ctx)
	if err != nil {
		s.logger.Warn("public ip unknown", zap.Error(err))
		return identity, nil
	}
	identity.IP = ip
	return identity, nil
}

// choose picks among the eligible relays. The list is fetched once and
// fetched again only while it is empty.
func (s *Selector) choose(ctx context.Context) (Relay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.relays) == 0 {
		relays, err := s.source.Relays(ctx)
		if err != nil {
			return Relay{}, err
		}
		s.relays = relays
	}
	eligible := s.eligible()
	if len(eligible) == 0 {
		return Relay{}, ErrNoActiveRelay
	}
	return eligible[s.pick(len(eligible))], nil
}

func (s *Selector) eligible() []Relay {
	var out []Relay
	for _, r := range s.relays {
		if !r.Active || r.CountryCode == "" || r.CityCode == "" {
			continue
		}
		if len(s.cfg.Countries) > 0 && !containsFold(s.cfg.Countries, r.CountryCode) {
			continue
		}
		if len(s.cfg.Types) > 0 && !containsFold(s.cfg.Types, r.Type) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func containsFold(list []string, v string) bool {
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, v) })
}
