package webstream

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nuha.dev/locshare/internal/presence"
	"nuha.dev/locshare/internal/util"
)

// Server streams peer view updates over websocket. A client sends its
// access token as the first message, then receives one JSON-encoded
// view per peer change, primed with the current snapshot.
type Server struct {
	server    *http.Server
	presence  *presence.Engine
	tokenHash string
	logger    zerolog.Logger
	cid       uint64
}

type Config struct {
	Addr string
	// TokenHash is the bcrypt hash of the shared access token.
	TokenHash string
	// IdleTimeout closes a client that sends nothing (not even pings)
	// for this long.
	IdleTimeout time.Duration
}

func NewServer(p *presence.Engine, config Config) *Server {
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 60 * time.Second
	}
	o := &Server{}
	o.presence = p
	o.tokenHash = config.TokenHash
	o.logger = log.With().Str("module", "webstream").Logger()
	o.server = &http.Server{
		Addr:           config.Addr,
		Handler:        http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { o.serve(w, r, config.IdleTimeout) }),
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return o
}

func (s *Server) Run() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("webstream listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, idle time.Duration) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Err(err).Msg("error while upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "closing")

	readCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	_, tok, err := c.Read(readCtx)
	if err != nil {
		s.logger.Err(err).Msg("error while reading auth token")
		return
	}
	if !util.CheckToken(s.tokenHash, tok) {
		s.logger.Warn().Str("remote_address", r.RemoteAddr).Msg("webstream auth failed")
		c.Close(websocket.StatusPolicyViolation, "bad token")
		return
	}

	cid := atomic.AddUint64(&s.cid, 1)
	cl := &client{
		c:      c,
		wch:    make(chan []byte, 16),
		timer:  time.NewTimer(idle),
		reset:  make(chan struct{}, 1),
		idle:   idle,
		logger: s.logger.With().Uint64("cid", cid).Logger(),
	}
	s.presence.Subscribe(cl)
	defer s.presence.Unsubscribe(cl)
	cl.run(r.Context())
}

type client struct {
	c       *websocket.Conn
	wch     chan []byte
	timer   *time.Timer
	reset   chan struct{}
	idle    time.Duration
	logger  zerolog.Logger
	pushed  uint64
	dropped uint64
	closed  uint32
}

// Push implements presence.Subscriber. Never blocks: a lagging client
// loses intermediate views, the next update supersedes them.
func (cl *client) Push(d []byte) bool {
	if atomic.LoadUint32(&cl.closed) == 1 {
		return false
	}
	select {
	case cl.wch <- d:
		atomic.AddUint64(&cl.pushed, 1)
	default:
		atomic.AddUint64(&cl.dropped, 1)
	}
	return true
}

func (cl *client) Name() string {
	return "webstream"
}

func (cl *client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go cl.readloop(ctx)
	go cl.timeoutTimer(ctx)

	for {
		select {
		case <-ctx.Done():
			cl.close()
			return
		case d := <-cl.wch:
			err := cl.c.Write(ctx, websocket.MessageText, d)
			if err != nil {
				cl.logger.Debug().Err(err).Msg("error while writing to connection")
				cl.close()
				return
			}
		}
	}
}

func (cl *client) close() {
	if atomic.CompareAndSwapUint32(&cl.closed, 0, 1) {
		cl.logger.Debug().Uint64("pushed", atomic.LoadUint64(&cl.pushed)).Uint64("dropped", atomic.LoadUint64(&cl.dropped)).Msg("client closed")
		cl.c.Close(websocket.StatusNormalClosure, "")
	}
}

// readloop drains inbound frames; any traffic counts as liveness and
// re-arms the idle timer.
func (cl *client) readloop(ctx context.Context) {
	for {
		_, _, err := cl.c.Read(ctx)
		if err != nil {
			cl.close()
			return
		}
		select {
		case cl.reset <- struct{}{}:
		default:
		}
	}
}

func (cl *client) timeoutTimer(ctx context.Context) {
	defer cl.timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cl.timer.C:
			cl.logger.Debug().Msg("idle timeout")
			cl.c.Close(websocket.StatusAbnormalClosure, "timeout")
			return
		case <-cl.reset:
			if !cl.timer.Stop() {
				select {
				case <-cl.timer.C:
				default:
				}
			}
			cl.timer.Reset(cl.idle)
		}
	}
}
