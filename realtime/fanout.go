package realtime

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// controlChannel is the shared topic every process subscribes to. A local
// room emission mirrored onto it reaches connections held by every other
// process.
const controlChannel = "rooms:events"

type envelope struct {
	Origin string                 `json:"origin"`
	Room   string                 `json:"room"`
	Event  string                 `json:"event"`
	Data   sonic.NoCopyRawMessage `json:"data"`
}

// RedisFanout wraps a Hub so that emissions on this process reach the whole
// fleet. Events are idempotent full-state snapshots keyed by entity id, so
// re-delivery would be harmless; the origin check merely skips the pointless
// local echo.
type RedisFanout struct {
	hub    *Hub
	rc     *redis.Client
	nodeID string
	logger *log.Logger
}

// NewFanout returns a fleet-wide Emitter when the broker is reachable. When
// it is not, it logs and returns the hub itself: room emissions stay
// process-local and the service keeps running rather than failing startup.
func NewFanout(ctx context.Context, hub *Hub, rc *redis.Client, logger *log.Logger) Emitter {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if rc == nil {
		logger.Warn("no broker configured, room emissions stay process-local")
		return hub
	}
	if err := rc.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Warn("broker unreachable, falling back to local-only fan-out")
		return hub
	}
	f := &RedisFanout{
		hub:    hub,
		rc:     rc,
		nodeID: uuid.NewString(),
		logger: logger,
	}
	go f.run(ctx)
	return f
}

// Emit implements Emitter.
func (f *RedisFanout) Emit(room, event string, payload any) {
	f.EmitExcept(room, event, payload, nil)
}

// EmitExcept delivers locally, then mirrors the emission onto the control
// topic. The publish runs off the caller's path: delivery failures are
// logged and swallowed, never surfaced to the mutation that triggered them.
func (f *RedisFanout) EmitExcept(room, event string, payload any, except *Conn) {
	f.hub.EmitExcept(room, event, payload, except)

	data, err := sonic.Marshal(payload)
	if err != nil {
		f.logger.WithError(err).WithField("event", event).Error("encode fan-out payload")
		return
	}
	msg, err := sonic.Marshal(envelope{Origin: f.nodeID, Room: room, Event: event, Data: data})
	if err != nil {
		f.logger.WithError(err).WithField("event", event).Error("encode fan-out envelope")
		return
	}
	go func() {
		if err := f.rc.Publish(context.Background(), controlChannel, msg).Err(); err != nil {
			f.logger.WithError(err).WithField("event", event).Warn("fan-out publish failed")
		}
	}()
}

// run subscribes to the control topic and mirrors remote emissions into
// local deliveries, reconnecting with a short pause if the subscription
// drops.
func (f *RedisFanout) run(ctx context.Context) {
	for {
		sub := f.rc.Subscribe(ctx, controlChannel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var env envelope
				if err := sonic.Unmarshal([]byte(msg.Payload), &env); err != nil {
					f.logger.WithError(err).Error("unable to parse fan-out envelope")
					continue
				}
				if env.Origin == f.nodeID {
					continue
				}
				frameData, err := sonic.Marshal(frame{Event: env.Event, Data: env.Data})
				if err != nil {
					f.logger.WithError(err).Error("encode remote frame")
					continue
				}
				f.hub.emitRaw(env.Room, frameData, nil)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		f.logger.Error("fan-out subscription closed, reconnecting")
		time.Sleep(time.Second)
	}
}
