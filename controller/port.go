package controller

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	ncerr "ctrlport/internal/errors"
	"ctrlport/util"
)

// deliveryGrace is how long a delivery connection may trail the exit
// of a command that succeeded.  Remote forwards can open the channel
// after the remote process is already gone.
const deliveryGrace = 500 * time.Millisecond

// controlPort is the out-of-band receiving end for socket delivery.  It
// owns a listener (a local TCP listener or an SSH remote forward) and
// hands accepted connections to whichever execution is waiting.
type controlPort struct {
	ln     net.Listener
	port   int
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
	logger *util.Logger

	// one socket-delivered execution at a time
	busy sync.Mutex
}

func newControlPort(ln net.Listener, logger *util.Logger) *controlPort {
	p := &controlPort{
		ln:     ln,
		port:   util.PortOf(ln.Addr()),
		conns:  make(chan net.Conn, 1),
		closed: make(chan struct{}),
		logger: logger,
	}
	go p.acceptLoop()
	return p
}

func (p *controlPort) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			select {
			case <-p.closed:
			default:
				p.logger.Warn("control socket :%d accept: %v", p.port, err)
				p.close()
			}
			return
		}
		p.logger.Debug("control socket :%d: connection from %s", p.port, conn.RemoteAddr())

		select {
		case p.conns <- conn:
		case <-p.closed:
			conn.Close()
			return
		}
	}
}

// receiveWhile runs run and collects everything the first connection
// accepted during the run sends before EOF.  A failing run aborts the
// wait; run's error wins over the receive error.  A run that succeeds
// without anything connecting within deliveryGrace fails with
// ErrNoDelivery.
func (p *controlPort) receiveWhile(ctx context.Context, run func(ctx context.Context) error) ([]byte, error) {
	p.busy.Lock()
	defer p.busy.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.drain()

	runErr := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		err := run(ctx)
		if err != nil {
			cancel()
		} else {
			close(exited)
		}
		runErr <- err
	}()

	data, recvErr := p.receive(ctx, exited)
	if recvErr != nil {
		cancel()
	}
	if err := <-runErr; err != nil {
		return nil, err
	}
	if recvErr != nil {
		return nil, recvErr
	}
	return data, nil
}

// receive waits for one connection and reads it to EOF.  Once exited
// is closed the wait is cut to deliveryGrace.
func (p *controlPort) receive(ctx context.Context, exited <-chan struct{}) ([]byte, error) {
	var (
		conn  net.Conn
		grace <-chan time.Time
	)
	for conn == nil {
		select {
		case conn = <-p.conns:
		case <-p.closed:
			return nil, ncerr.ErrNoSocket
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-exited:
			exited = nil
			t := time.NewTimer(deliveryGrace)
			defer t.Stop()
			grace = t.C
		case <-grace:
			return nil, ncerr.ErrNoDelivery
		}
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	data, err := util.ReadAll(conn)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return nil, ncerr.Wrap("read", conn.RemoteAddr().String(), err)
	}
	return data, nil
}

// drain discards connections left over from an earlier execution.
func (p *controlPort) drain() {
	for {
		select {
		case conn := <-p.conns:
			conn.Close()
		default:
			return
		}
	}
}

func (p *controlPort) close() {
	p.once.Do(func() {
		close(p.closed)
		p.ln.Close()
		p.drain()
	})
}
