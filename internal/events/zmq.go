package events

import (
	"context"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"

	"github.com/Charancs/v-try-on-FP2/internal/logx"
)

// ZMQSink binds a PUB socket and sends each event as a two-part message:
// the event type as topic, then the CBOR body.
type ZMQSink struct {
	socket *zmq4.Socket
}

func NewZMQSink(endpoint string) (*ZMQSink, error) {
	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}
	return &ZMQSink{socket: socket}, nil
}

func (z *ZMQSink) Publish(ev Event) error {
	body, err := Encode(ev)
	if err != nil {
		return err
	}
	_, err = z.socket.SendMessage(ev.Type, body)
	return err
}

func (z *ZMQSink) Close() error { return z.socket.Close() }

// Subscribe connects a SUB socket to endpoint and streams decoded events
// until ctx ends. topics filters by event type; none means all.
func Subscribe(ctx context.Context, endpoint string, topics ...string) (<-chan Event, error) {
	socket, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return nil, err
	}
	if err := socket.SetRcvtimeo(250 * time.Millisecond); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if len(topics) == 0 {
		topics = []string{""}
	}
	for _, topic := range topics {
		if err := socket.SetSubscribe(topic); err != nil {
			_ = socket.Close()
			return nil, err
		}
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer socket.Close()

		bad := 0
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			parts, err := socket.RecvMessageBytes(0)
			if err != nil {
				switch zmq4.AsErrno(err) {
				case zmq4.Errno(syscall.EAGAIN):
				case zmq4.ETERM:
					return
				default:
					logx.Log.Debug().Err(err).Msg("event recv error")
				}
				continue
			}
			if len(parts) != 2 {
				continue
			}
			ev, err := Decode(parts[1])
			if err != nil {
				bad++
				if bad%100 == 1 {
					logx.Log.Warn().Err(err).Int("count", bad).Msg("undecodable event")
				}
				continue
			}

			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
	}()
	return out, nil
}
