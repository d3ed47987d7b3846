package molecule

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func testLogHandler(name string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})
}

// newTestBroker creates and starts a broker stopped at the end of the test.
func newTestBroker(t *testing.T, nodeID string, opts ...Option) *Broker {
	t.Helper()
	opts = append([]Option{
		WithNodeID(nodeID),
		WithLog(testLogHandler(nodeID)),
		WithMetricSink(&metrics.BlackholeSink{}),
	}, opts...)
	b, err := Create(opts...)
	require.NoError(t, err)
	return b
}

func startBroker(t *testing.T, b *Broker, services ...Service) {
	t.Helper()
	for _, svc := range services {
		require.NoError(t, b.AddService(svc))
	}
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, b.Stop(ctx))
	})
}

// eventRecorder collects payloads of local events.
type eventRecorder struct {
	lk     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	name    string
	payload any
}

func (r *eventRecorder) handler(ctx *Context) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.events = append(r.events, recordedEvent{name: ctx.EventName, payload: ctx.Params})
	return nil
}

func (r *eventRecorder) named(name string) []any {
	r.lk.Lock()
	defer r.lk.Unlock()
	var out []any
	for _, ev := range r.events {
		if ev.name == name {
			out = append(out, ev.payload)
		}
	}
	return out
}

func (r *eventRecorder) count() int {
	r.lk.Lock()
	defer r.lk.Unlock()
	return len(r.events)
}
