package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtiwari1/gopherscan/internal/repository"
)

// EndpointCatalog assigns stable numeric ids to route patterns.
type EndpointCatalog struct {
	ids map[string]int
}

// NewEndpointCatalog numbers patterns from 1 in the order given.
func NewEndpointCatalog(patterns ...string) *EndpointCatalog {
	c := &EndpointCatalog{ids: make(map[string]int, len(patterns))}
	for _, p := range patterns {
		if _, ok := c.ids[p]; !ok {
			c.ids[p] = len(c.ids) + 1
		}
	}
	return c
}

// ID returns the id of pattern, or 0 when it is not catalogued.
func (c *EndpointCatalog) ID(pattern string) int { return c.ids[pattern] }

const usageWriteTimeout = 2 * time.Second

// UsageRecorder persists usage records off the request path. Records that do
// not fit in the buffer, or that the sink rejects, are logged and dropped.
type UsageRecorder struct {
	sink   repository.UsageRepository
	ch     chan repository.UsageRecord
	logger *slog.Logger
}

func NewUsageRecorder(sink repository.UsageRepository, buffer int, logger *slog.Logger) *UsageRecorder {
	if buffer < 1 {
		buffer = 1
	}
	return &UsageRecorder{
		sink:   sink,
		ch:     make(chan repository.UsageRecord, buffer),
		logger: logger,
	}
}

// Record queues rec without blocking.
func (u *UsageRecorder) Record(rec repository.UsageRecord) {
	select {
	case u.ch <- rec:
	default:
		u.logger.Warn("usage buffer full, dropping record",
			slog.String("key_id", rec.KeyID),
			slog.String("endpoint", rec.Endpoint),
		)
	}
}

// Run writes queued records until ctx is done, then flushes what is left.
func (u *UsageRecorder) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-u.ch:
			u.write(rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-u.ch:
					u.write(rec)
				default:
					return nil
				}
			}
		}
	}
}

func (u *UsageRecorder) write(rec repository.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), usageWriteTimeout)
	defer cancel()
	if err := u.sink.InsertUsage(ctx, &rec); err != nil {
		u.logger.Error("usage record dropped",
			slog.String("key_id", rec.KeyID),
			slog.String("endpoint", rec.Endpoint),
			slog.String("error", err.Error()),
		)
	}
}
