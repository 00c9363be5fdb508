package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
	"github.com/WendelHime/gotorrent/v2/internal/transport"
)

// DefaultInterval is used when a tracker does not say when to announce again.
const DefaultInterval = 30 * time.Minute

// MaxInterval caps the re-announce interval a tracker may ask for.
const MaxInterval = 24 * time.Hour

// announceInterval converts a tracker's interval in seconds, falling back to
// DefaultInterval when it is not positive.
func announceInterval(seconds int64) time.Duration {
	if seconds <= 0 {
		return DefaultInterval
	}
	if seconds > int64(MaxInterval/time.Second) {
		return MaxInterval
	}
	return time.Duration(seconds) * time.Second
}

type Tracker interface {
	Announce(ctx context.Context, req models.AnnounceRequest) (models.AnnounceResult, error)
	Close() error
}

type Options struct {
	HTTPClient *http.Client
	Dialer     transport.Dialer
	UDP        UDPOptions
	Logger     *slog.Logger
}

type Option func(*Options)

func WithHTTPClient(client *http.Client) Option {
	return func(o *Options) { o.HTTPClient = client }
}

func WithDialer(dialer transport.Dialer) Option {
	return func(o *Options) { o.Dialer = dialer }
}

func WithUDPOptions(udp UDPOptions) Option {
	return func(o *Options) { o.UDP = udp }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// NewTracker returns the announce client matching the scheme of announceURL.
func NewTracker(announceURL string, opts ...Option) (Tracker, error) {
	options := Options{
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Dialer:     transport.NetDialer{Timeout: 15 * time.Second},
		UDP:        DefaultUDPOptions(),
		Logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	if announceURL == "" {
		return nil, fmt.Errorf("%w: announce url is empty", models.ErrTracker)
	}
	tracker, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTracker, err)
	}

	switch tracker.Scheme {
	case "http", "https":
		return NewHTTPAnnouncer(options.HTTPClient, tracker), nil
	case "udp":
		return NewUDPAnnouncer(options.Dialer, tracker.Host, options.UDP, options.Logger), nil
	default:
		options.Logger.Error("unsupported protocol", slog.String("announce-url", announceURL))
		return nil, fmt.Errorf("%w: unsupported protocol %q", models.ErrTracker, tracker.Scheme)
	}
}
