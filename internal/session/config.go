package session

import (
	"time"

	"github.com/coachpo/tradecore/errs"
	"github.com/coachpo/tradecore/internal/domain"
)

// Callbacks are the strategy-facing notification hooks. Every field is
// optional; a nil hook is simply skipped.
type Callbacks struct {
	// OnAsset receives account balance snapshots relayed off the bus.
	OnAsset func(asset domain.Asset)
	// OnOrder receives every applied order state change.
	OnOrder func(order domain.Order)
	// OnPosition receives exposure changes from the position poller.
	OnPosition func(position domain.Position)
	// OnInitResult fires exactly once: (true, nil) after the first
	// successful bootstrap, or (false, err) when the session cannot start.
	OnInitResult func(ok bool, err error)
}

// Config identifies one trading session and carries its hooks.
type Config struct {
	ServerID string
	Account  string
	Strategy string
	Symbol   string

	Callbacks Callbacks

	// PositionPollInterval is how often polling venues are asked for an
	// exposure snapshot. Zero means the 1 second default.
	PositionPollInterval time.Duration
}

const defaultPositionPoll = time.Second

func (c *Config) validate(platform string) error {
	missing := ""
	switch {
	case c.ServerID == "":
		missing = "server_id"
	case c.Account == "":
		missing = "account"
	case c.Strategy == "":
		missing = "strategy"
	case c.Symbol == "":
		missing = "symbol"
	}
	if missing != "" {
		return errs.New(platform, errs.CodeConfig,
			errs.WithMessage("session parameter "+missing+" is required"))
	}
	return nil
}

func (c *Config) positionPoll() time.Duration {
	if c.PositionPollInterval > 0 {
		return c.PositionPollInterval
	}
	return defaultPositionPoll
}
