package pipeline

import (
	"context"

	"VaultLedger/internal/core"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/projection"

	"github.com/rs/zerolog"
)

// Bridge converts indexer outputs into worker inputs. The persist leg blocks;
// the projection leg drops on full. It runs until both inputs are closed,
// then closes both outputs so the workers flush and exit.
type Bridge struct {
	persistIn     <-chan core.Output
	projectionIn  <-chan core.Output
	persistOut    chan<- persistence.Record
	projectionOut chan<- projection.Update
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

func NewBridge(
	persistIn <-chan core.Output,
	projectionIn <-chan core.Output,
	persistOut chan<- persistence.Record,
	projectionOut chan<- projection.Update,
	metrics *observability.Metrics,
) *Bridge {
	return &Bridge{
		persistIn:     persistIn,
		projectionIn:  projectionIn,
		persistOut:    persistOut,
		projectionOut: projectionOut,
		metrics:       metrics,
		logger:        observability.NewLogger("bridge"),
	}
}

// Run forwards until both inputs close. ctx is a hard abort: once it is done
// Run returns without forwarding what is still buffered.
func (b *Bridge) Run(ctx context.Context) error {
	defer close(b.persistOut)
	defer close(b.projectionOut)

	persistIn, projectionIn := b.persistIn, b.projectionIn
	var forwarded int64
	for persistIn != nil || projectionIn != nil {
		select {
		case <-ctx.Done():
			b.logger.Warn().Int64("forwarded", forwarded).Msg("bridge aborted")
			return ctx.Err()

		case out, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			rec := persistence.Record{
				Event:   persistence.EventRowFromEnvelope(out.Envelope),
				Changes: out.Changes,
			}
			select {
			case b.persistOut <- rec:
				forwarded++
			case <-ctx.Done():
				b.logger.Warn().Int64("seq", out.Envelope.Sequence).Msg("bridge aborted with record in hand")
				return ctx.Err()
			}

		case out, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			u := projection.Update{
				Sequence:  out.Envelope.Sequence,
				EventType: out.Envelope.EventType.String(),
			}
			if out.Changes != nil {
				u.TouchedUsers = out.Changes.TouchedUsers()
			}
			select {
			case b.projectionOut <- u:
			default:
				if b.metrics != nil {
					b.metrics.ProjectionDrops.WithLabelValues("user_stats").Inc()
				}
			}
		}
	}
	b.logger.Info().Int64("forwarded", forwarded).Msg("bridge drained")
	return nil
}
