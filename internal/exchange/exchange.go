package exchange

import (
	"time"

	"github.com/xtrntr/matchbook/internal/db"
	"github.com/xtrntr/matchbook/internal/idgen"
	"github.com/xtrntr/matchbook/internal/logging"
	"github.com/xtrntr/matchbook/internal/metrics"
	"github.com/xtrntr/matchbook/internal/notify"
)

// Exchange places, cancels and matches orders against a Store. It keeps no
// order state of its own; every decision is taken inside a store unit of
// work, so any number of Exchange values may share one store.
type Exchange struct {
	store        db.Store
	ids          *idgen.Generator
	events       notify.Publisher
	log          *logging.Logger
	metrics      *metrics.Metrics
	matchOnPlace bool
	now          func() time.Time
}

// Option configures an Exchange
type Option func(e *Exchange)

func WithPublisher(p notify.Publisher) Option {
	return func(e *Exchange) { e.events = p }
}

func WithLogger(log *logging.Logger) Option {
	return func(e *Exchange) { e.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Exchange) { e.metrics = m }
}

func WithIDGenerator(g *idgen.Generator) Option {
	return func(e *Exchange) { e.ids = g }
}

// WithMatchOnPlace controls whether PlaceOrder tries to match the new order
// right after it is stored
func WithMatchOnPlace(enabled bool) Option {
	return func(e *Exchange) { e.matchOnPlace = enabled }
}

// WithClock overrides the source of order and trade timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Exchange) { e.now = now }
}

// NewExchange creates a new exchange
func NewExchange(store db.Store, opts ...Option) *Exchange {
	e := &Exchange{
		store:        store,
		events:       notify.Discard,
		log:          logging.NewNop(),
		matchOnPlace: true,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.ids == nil {
		e.ids = idgen.MustNew(1)
	}
	e.log = e.log.Named("exchange")
	return e
}

// timestamp is stored with microsecond precision, like a timestamptz column
func (e *Exchange) timestamp() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}
