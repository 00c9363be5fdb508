package logic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/WendelHime/gotorrent/v2/internal/config"
	"github.com/WendelHime/gotorrent/v2/internal/p2p"
	"github.com/WendelHime/gotorrent/v2/internal/pieces"
	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
	"github.com/WendelHime/gotorrent/v2/internal/tracker"
	"github.com/WendelHime/gotorrent/v2/internal/transport"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	peerIDPrefix         = "-GT0001-"
	finalAnnounceTimeout = 10 * time.Second
)

var ErrAlreadyStarted = errors.New("downloader already started")

type Downloader interface {
	// Start downloads until every piece is verified, Stop is called, ctx is done or a
	// fatal error occurs. Aborting is not an error.
	Start(ctx context.Context) error
	// Stop aborts a running download and waits for its shutdown. It may be called
	// any number of times.
	Stop() error
	BytesDownloaded() int64
	BytesUploaded() int64
	IsComplete() bool
}

// Deps are the collaborators a download talks to. Output is closed on shutdown when
// it implements io.Closer.
type Deps struct {
	Tracker tracker.Tracker
	Dialer  transport.Dialer
	Output  io.WriterAt
}

type downloader struct {
	meta    models.Metafile
	cfg     config.Config
	peerID  [20]byte
	store   *pieces.Store
	tracker tracker.Tracker
	dialer  transport.Dialer
	limiter *rate.Limiter
	log     *slog.Logger

	mu         sync.Mutex
	sessions   map[string]*p2p.Session
	candidates []models.Addr
	started    bool
	stopped    bool
	cancel     context.CancelFunc

	complete     chan struct{}
	completeOnce sync.Once
	done         chan struct{}
	stopOnce     sync.Once
}

func NewDownloader(meta models.Metafile, cfg config.Config, deps Deps, logger *slog.Logger) (Downloader, error) {
	blockSize, err := cfg.BlockBytes()
	if err != nil {
		return nil, err
	}

	d := &downloader{
		meta:     meta,
		cfg:      cfg,
		peerID:   generateRandomPeerID(),
		tracker:  deps.Tracker,
		dialer:   deps.Dialer,
		limiter:  cfg.DialLimiter(),
		log:      logger,
		sessions: make(map[string]*p2p.Session),
		complete: make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.store = pieces.NewStore(meta, deps.Output,
		pieces.WithBlockSize(blockSize),
		pieces.WithMaxPendingTime(cfg.MaxPendingTime),
		pieces.WithLogger(logger),
	)
	return d, nil
}

func generateRandomPeerID() [20]byte {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	var peerID [20]byte
	copy(peerID[:], peerIDPrefix)
	for i := len(peerIDPrefix); i < len(peerID); i++ {
		peerID[i] = charset[rand.IntN(len(charset))]
	}
	return peerID
}

func (d *downloader) BytesDownloaded() int64 { return d.store.BytesDownloaded() }

func (d *downloader) BytesUploaded() int64 { return d.store.BytesUploaded() }

func (d *downloader) IsComplete() bool { return d.store.IsComplete() }

func (d *downloader) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	d.cancel = cancel
	if d.stopped {
		cancel()
	}
	d.mu.Unlock()
	defer close(d.done)

	d.log.Info("starting download",
		slog.String("name", d.meta.Info.Name),
		slog.String("info-hash", d.meta.InfoHash.String()),
		slog.String("size", humanize.IBytes(uint64(d.meta.Info.Length))),
		slog.Int("pieces", d.meta.NumPieces()),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.cfg.MaxPeers)

	broadcastDone := make(chan struct{})
	go func() {
		defer close(broadcastDone)
		d.broadcastHaves()
	}()

	announced, loopErr := d.loop(groupCtx, group)
	cancel()
	sessionErr := group.Wait()

	if announced {
		d.finalAnnounce()
	}
	closeErr := d.store.Close()
	<-broadcastDone
	if err := d.tracker.Close(); err != nil {
		d.log.Warn("failed to close tracker", slog.Any("error", err))
	}

	if err := errors.Join(loopErr, sessionErr, closeErr); err != nil {
		d.log.Error("download failed", slog.Any("error", err))
		return err
	}
	d.log.Info("download finished",
		slog.Bool("complete", d.store.IsComplete()),
		slog.String("downloaded", humanize.IBytes(uint64(d.store.BytesDownloaded()))),
	)
	return nil
}

func (d *downloader) Stop() error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		cancel := d.cancel
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})

	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if started {
		<-d.done
	}
	return nil
}

// loop announces, keeps the session pool filled and waits until the download is
// complete or ctx is done. It reports whether any announce reached the tracker.
func (d *downloader) loop(ctx context.Context, group *errgroup.Group) (bool, error) {
	idle := time.NewTicker(d.cfg.IdleWait)
	defer idle.Stop()

	var (
		announced    bool
		lastAnnounce time.Time
		nextAnnounce time.Time
	)
	for {
		if d.store.IsComplete() || ctx.Err() != nil {
			return announced, nil
		}

		now := time.Now()
		exhausted := d.idlePool() && now.Sub(lastAnnounce) >= d.cfg.TrackerRetryInterval
		if !now.Before(nextAnnounce) || exhausted {
			event := models.EventNone
			if !announced {
				event = models.EventStarted
			}
			result, err := d.announce(ctx, event)
			lastAnnounce = now
			switch {
			case err != nil && ctx.Err() != nil:
				return announced, nil
			case err != nil && !announced && d.idlePool():
				return announced, fmt.Errorf("first announce failed with no known peers: %w", err)
			case err != nil:
				d.log.Warn("announce failed", slog.Any("error", err))
				nextAnnounce = now.Add(d.cfg.TrackerRetryInterval)
			default:
				announced = true
				nextAnnounce = now.Add(result.Interval)
				d.refill(result.Peers)
			}
		}

		d.connectPeers(ctx, group)

		select {
		case <-ctx.Done():
		case <-d.complete:
		case <-idle.C:
		}
	}
}

func (d *downloader) announce(ctx context.Context, event models.Event) (models.AnnounceResult, error) {
	req := models.AnnounceRequest{
		InfoHash:   d.meta.InfoHash,
		PeerID:     d.peerID,
		Port:       uint16(d.cfg.Port),
		Uploaded:   d.store.BytesUploaded(),
		Downloaded: d.store.BytesDownloaded(),
		Left:       d.store.BytesLeft(),
		Event:      event,
	}
	result, err := d.tracker.Announce(ctx, req)
	if err != nil {
		return result, err
	}
	d.log.Info("announced",
		slog.String("event", event.String()),
		slog.Int("peers", len(result.Peers)),
		slog.Duration("interval", result.Interval),
	)
	return result, nil
}

// finalAnnounce tells the tracker we are leaving. Failures are only logged.
func (d *downloader) finalAnnounce() {
	event := models.EventStopped
	if d.store.IsComplete() {
		event = models.EventCompleted
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalAnnounceTimeout)
	defer cancel()
	if _, err := d.announce(ctx, event); err != nil {
		d.log.Warn("final announce failed", slog.String("event", event.String()), slog.Any("error", err))
	}
}

// idlePool reports whether there is no peer to talk to or to try next.
func (d *downloader) idlePool() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions) == 0 && len(d.candidates) == 0
}

// refill replaces the candidate pool with the tracker's latest peers, skipping
// duplicates, unroutable addresses and peers we are already connected to.
func (d *downloader) refill(peers []models.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()

	unifyPeers := make(map[string]struct{}, len(peers))
	candidates := make([]models.Addr, 0, len(peers))
	for _, peer := range peers {
		addr := peer.String()
		if peer.IP.IsUnspecified() || peer.Port == 0 {
			continue
		}
		if _, ok := d.sessions[addr]; ok {
			continue
		}
		if _, ok := unifyPeers[addr]; ok {
			continue
		}
		unifyPeers[addr] = struct{}{}
		candidates = append(candidates, peer)
	}
	d.candidates = candidates
}

func (d *downloader) nextCandidate() (models.Addr, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.sessions) >= d.cfg.MaxPeers || len(d.candidates) == 0 {
		return models.Addr{}, false
	}
	addr := d.candidates[0]
	d.candidates = d.candidates[1:]
	return addr, true
}

// connectPeers opens sessions to candidates until the pool is full or empty.
func (d *downloader) connectPeers(ctx context.Context, group *errgroup.Group) {
	for {
		addr, ok := d.nextCandidate()
		if !ok {
			return
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}

		session := p2p.NewSession(addr, d.sessionConfig(), d.dialer, d.store, d.log)
		d.mu.Lock()
		if _, ok := d.sessions[session.Key()]; ok {
			d.mu.Unlock()
			continue
		}
		d.sessions[session.Key()] = session
		d.mu.Unlock()

		if !group.TryGo(func() error { return d.runSession(ctx, session) }) {
			d.mu.Lock()
			delete(d.sessions, session.Key())
			d.candidates = append([]models.Addr{addr}, d.candidates...)
			d.mu.Unlock()
			return
		}
	}
}

func (d *downloader) sessionConfig() p2p.SessionConfig {
	return p2p.SessionConfig{
		InfoHash:             d.meta.InfoHash,
		PeerID:               d.peerID,
		NumPieces:            d.meta.NumPieces(),
		MaxPipelinedRequests: d.cfg.MaxPipelinedRequests,
		KeepAliveInterval:    d.cfg.KeepAliveInterval,
		HandshakeTimeout:     d.cfg.HandshakeTimeout,
		RequestTimeout:       d.cfg.MaxPendingTime,
		RequestPollInterval:  d.cfg.IdleWait,
	}
}

// runSession isolates per-peer failures. Only an output failure is returned, which
// cancels every other session.
func (d *downloader) runSession(ctx context.Context, session *p2p.Session) error {
	defer func() {
		d.mu.Lock()
		delete(d.sessions, session.Key())
		d.mu.Unlock()
	}()

	err := session.Run(ctx)
	switch {
	case errors.Is(err, models.ErrFileIO):
		return err
	case err == nil || ctx.Err() != nil:
		return nil
	default:
		d.log.Info("peer session ended", slog.String("peer", session.Key()), slog.Any("error", err))
		return nil
	}
}

// broadcastHaves announces every verified piece to the connected peers until the
// store is closed.
func (d *downloader) broadcastHaves() {
	for index := range d.store.Haves() {
		d.mu.Lock()
		sessions := make([]*p2p.Session, 0, len(d.sessions))
		for _, s := range d.sessions {
			sessions = append(sessions, s)
		}
		d.mu.Unlock()

		for _, s := range sessions {
			s.Have(index)
		}
		if d.store.IsComplete() {
			d.completeOnce.Do(func() { close(d.complete) })
		}
	}
}
