package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/WendelHime/gotorrent/v2/internal/bencode"
	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
)

type HTTPAnnouncer struct {
	client  *http.Client
	tracker *url.URL
}

func NewHTTPAnnouncer(client *http.Client, tracker *url.URL) *HTTPAnnouncer {
	return &HTTPAnnouncer{client: client, tracker: tracker}
}

func (h *HTTPAnnouncer) Announce(ctx context.Context, req models.AnnounceRequest) (models.AnnounceResult, error) {
	tracker := *h.tracker
	query := tracker.Query()
	query.Add("info_hash", string(req.InfoHash[:]))
	query.Add("peer_id", string(req.PeerID[:]))
	query.Add("port", strconv.Itoa(int(req.Port)))
	query.Add("uploaded", strconv.FormatInt(req.Uploaded, 10))
	query.Add("downloaded", strconv.FormatInt(req.Downloaded, 10))
	query.Add("left", strconv.FormatInt(req.Left, 10))
	query.Add("compact", "1")
	if req.Event != models.EventNone {
		query.Add("event", req.Event.String())
	}
	tracker.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, tracker.String(), nil)
	if err != nil {
		return models.AnnounceResult{}, fmt.Errorf("%w: %v", models.ErrTracker, err)
	}

	response, err := h.client.Do(httpReq)
	if err != nil {
		return models.AnnounceResult{}, fmt.Errorf("%w: %v", models.ErrTracker, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return models.AnnounceResult{}, fmt.Errorf("%w: http error: %s", models.ErrTracker, response.Status)
	}

	return decodeHTTPResponse(response.Body)
}

// maxResponseSize bounds the announce response body.
const maxResponseSize = 1 << 20

func decodeHTTPResponse(body io.Reader) (models.AnnounceResult, error) {
	raw, err := io.ReadAll(io.LimitReader(body, maxResponseSize+1))
	if err != nil {
		return models.AnnounceResult{}, fmt.Errorf("%w: reading response: %v", models.ErrTracker, err)
	}
	if len(raw) > maxResponseSize {
		return models.AnnounceResult{}, fmt.Errorf("%w: response larger than %d bytes", models.ErrTracker, maxResponseSize)
	}

	resp, err := bencode.Decode(raw)
	if err != nil {
		return models.AnnounceResult{}, fmt.Errorf("%w: %w", models.ErrTracker, err)
	}
	if reason, ok := resp.Get("failure reason"); ok {
		return models.AnnounceResult{}, fmt.Errorf("%w: %s", models.ErrTracker, reason.Str())
	}

	result := models.AnnounceResult{Interval: DefaultInterval}
	if interval, ok := resp.Get("interval"); ok && interval.Kind == bencode.KindInt {
		result.Interval = announceInterval(interval.Int)
	}

	peers, ok := resp.Get("peers")
	if !ok || peers.Kind != bencode.KindBytes {
		return models.AnnounceResult{}, fmt.Errorf("%w: response has no compact peer list", models.ErrTracker)
	}
	result.Peers, err = models.ParseCompactAddrs(peers.Bytes)
	if err != nil {
		return models.AnnounceResult{}, fmt.Errorf("%w: %v", models.ErrTracker, err)
	}

	return result, nil
}

func (h *HTTPAnnouncer) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
