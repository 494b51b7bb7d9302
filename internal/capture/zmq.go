package capture

import (
	"context"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"

	"github.com/Charancs/v-try-on-FP2/internal/logx"
)

// ZMQSource pulls encoded images pushed by an external camera pipeline.
// Each message is one frame.
type ZMQSource struct {
	endpoint string
}

func NewZMQSource(endpoint string) *ZMQSource { return &ZMQSource{endpoint: endpoint} }

func (z *ZMQSource) Name() string { return KindZMQ }

func (z *ZMQSource) Stream(ctx context.Context) (<-chan Frame, error) {
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	if err := socket.SetRcvtimeo(250 * time.Millisecond); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(z.endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}

	out := make(chan Frame)
	go func() {
		defer close(out)
		defer socket.Close()

		seq := 0
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msg, err := socket.RecvBytes(0)
			if err != nil {
				switch zmq4.AsErrno(err) {
				case zmq4.Errno(syscall.EAGAIN):
				case zmq4.ETERM:
					return
				default:
					logx.Log.Debug().Err(err).Msg("frame recv error")
				}
				continue
			}
			if len(msg) == 0 {
				continue
			}
			f := Frame{Seq: seq, Time: time.Now(), Data: msg, Origin: z.endpoint}
			if !send(ctx, out, f) {
				return
			}
			seq++
		}
	}()
	return out, nil
}
