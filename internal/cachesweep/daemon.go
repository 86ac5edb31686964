package cachesweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"time"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

const (
	commandQueueLen = 1024

	// connPollInterval bounds how long a connection reader blocks before it
	// rechecks for shutdown.
	connPollInterval = time.Second
)

// Daemon owns a cache directory: it applies notifications from workers and
// runs eviction passes whenever enough new data has arrived.
type Daemon struct {
	cfg     Config
	log     *zap.Logger
	metrics *Metrics

	cmds   chan [CommandSize]byte
	resize chan int64

	// Owned by the loop goroutine.
	sb       *Scoreboard
	handler  *Handler
	maxBytes int64
}

func NewDaemon(cfg Config, logger *zap.Logger) *Daemon {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{
		cfg:      cfg,
		log:      logger,
		metrics:  NewMetrics(),
		cmds:     make(chan [CommandSize]byte, commandQueueLen),
		resize:   make(chan int64, 1),
		maxBytes: cfg.maxBytes,
	}
}

func (d *Daemon) Metrics() *Metrics { return d.metrics }

// Resize changes the byte budget. It takes effect between loop iterations;
// a pass already running keeps its budget. Safe to call from any goroutine.
func (d *Daemon) Resize(maxBytes int64) {
	for {
		select {
		case d.resize <- maxBytes:
			return
		default:
		}
		select {
		case <-d.resize:
		default:
		}
	}
}

// Run serves until ctx ends or the socket fails. It returns ErrAlreadyRunning
// without doing any work if another daemon owns the instance lock.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.cfg.CacheDir, 0700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	inst, err := ClaimInstance(d.cfg.LockDir)
	if err != nil {
		return err
	}
	defer inst.Release(d.log)

	removeLegacy(d.cfg.CacheDir, d.log)

	_ = os.Remove(d.cfg.Socket)
	ln, err := net.Listen("unix", d.cfg.Socket)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Socket, err)
	}
	defer os.Remove(d.cfg.Socket)

	d.sb = LoadScoreboard(d.cfg.CacheDir, d.log)
	d.handler = NewHandler(d.cfg.CacheDir, d.sb, d.log, d.metrics)
	d.log.Info("cachesweep running",
		zap.String("cache_dir", d.cfg.CacheDir),
		zap.String("socket", d.cfg.Socket),
		zap.String("max_cache_size", formatBytes(d.maxBytes)),
		zap.Int("scoreboard_records", d.sb.Len()))
	d.log.Debug("effective config\n" + d.cfg.String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g := taskgroup.New(cancel)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error { return d.acceptLoop(ctx, ln, g) })
	g.Go(func() error { return d.loop(ctx) })
	err = g.Wait()

	if perr := d.sb.Persist(); perr != nil {
		d.log.Warn("persist scoreboard on shutdown", zap.Error(perr))
	}
	d.log.Info("cachesweep stopped")
	if errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
		err = nil
	}
	return err
}

func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener, g *taskgroup.Group) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("unexpected listener err: %w", err)
		}
		g.Go(func() error {
			d.serveConn(ctx, c)
			return nil
		})
	}
}

// serveConn frames commands from c and hands them to the loop. It holds no
// cache state.
func (d *Daemon) serveConn(ctx context.Context, c net.Conn) {
	defer c.Close()
	cr := NewCommandReader(c)
	for {
		_ = c.SetReadDeadline(time.Now().Add(connPollInterval))
		frame, err := cr.Next()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && ctx.Err() == nil {
				continue
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				d.log.Debug("notification stream ended", zap.Int("partial", cr.Buffered()), zap.Error(err))
			}
			return
		}
		select {
		case d.cmds <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// loop is the only goroutine that touches the scoreboard and the cache
// directory. While a pass is running it advances it one slice per
// iteration; otherwise it sleeps until a command, a resize, or a tick.
func (d *Daemon) loop(ctx context.Context) error {
	every := d.cfg.sliceBudget
	if every <= 0 {
		every = DefaultSliceBudget
	}
	tick := time.NewTicker(every)
	defer tick.Stop()

	newBytes := int64(math.MaxInt64) // forces a pass at startup
	var pass *Pass
	for {
		if pass == nil {
			select {
			case <-ctx.Done():
				return nil
			case f := <-d.cmds:
				newBytes = addSaturating(newBytes, d.handler.ApplyRaw(f))
			case n := <-d.resize:
				newBytes = d.applyResize(n, newBytes)
			case <-tick.C:
			}
		}

	drain:
		for {
			select {
			case <-ctx.Done():
				return nil
			case f := <-d.cmds:
				newBytes = addSaturating(newBytes, d.handler.ApplyRaw(f))
			case n := <-d.resize:
				newBytes = d.applyResize(n, newBytes)
			default:
				break drain
			}
		}

		if pass != nil {
			if pass.Step() {
				d.afterPass()
				pass = nil
			}
			continue
		}
		if newBytes > d.maxBytes/8 {
			p, err := NewPass(d.cfg.CacheDir, d.sb, d.cfg.passOptions(d.log, d.metrics))
			if err != nil {
				d.log.Warn("cannot start eviction pass", zap.Error(err))
				newBytes = 0
				continue
			}
			d.log.Debug("eviction pass started", zap.String("new_bytes", formatBytes(newBytes)))
			pass = p
			newBytes = 0
		}
	}
}

func (d *Daemon) applyResize(n, newBytes int64) int64 {
	old := d.maxBytes
	d.maxBytes = n
	d.cfg.maxBytes = n
	d.log.Info("cache budget changed", zap.String("from", formatBytes(old)), zap.String("to", formatBytes(n)))
	if n < old {
		return math.MaxInt64
	}
	return newBytes
}

func (d *Daemon) afterPass() {
	if d.cfg.StatsFile == "" {
		return
	}
	if err := d.metrics.WriteTextfile(d.cfg.StatsFile); err != nil {
		d.log.Warn("write stats file", zap.String("path", d.cfg.StatsFile), zap.Error(err))
	}
}

func addSaturating(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
