package testutil

import (
	"net/http"
	"sync"

	"github.com/WendelHime/gotorrent/v2/internal/bencode"
	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
)

// Tracker is an http.Handler answering announces with a fixed compact peer list.
type Tracker struct {
	Interval int64

	mu     sync.Mutex
	peers  []models.Addr
	events []string
}

func NewTracker(peers ...models.Addr) *Tracker {
	return &Tracker{Interval: 1800, peers: peers}
}

// Events lists the event parameter of every announce received, "" for regular ones.
func (t *Tracker) Events() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

func (t *Tracker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	t.events = append(t.events, r.URL.Query().Get("event"))
	peers := make([]byte, 0, 6*len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p.IP.To4()...)
		peers = append(peers, byte(p.Port>>8), byte(p.Port))
	}
	t.mu.Unlock()

	if len(r.URL.Query().Get("info_hash")) != 20 {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(bencode.Encode(bencode.Dict(bencode.E("failure reason", bencode.String("invalid info_hash")))))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(bencode.Encode(bencode.Dict(
		bencode.E("interval", bencode.Int(t.Interval)),
		bencode.E("peers", bencode.Bytes(peers)),
	)))
}
