package tracker

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
	"github.com/WendelHime/gotorrent/v2/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUDPTracker answers each datagram with whatever respond returns. n counts the
// datagrams received so far.
type fakeUDPTracker struct {
	mu       sync.Mutex
	requests [][]byte
	respond  func(n int, req []byte) [][]byte
}

func (f *fakeUDPTracker) Dial(ctx context.Context, network, address string) (transport.Conn, error) {
	return &fakeUDPConn{tracker: f, inbox: make(chan []byte, 16)}, nil
}

func (f *fakeUDPTracker) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.requests...)
}

type fakeUDPConn struct {
	tracker *fakeUDPTracker
	inbox   chan []byte
}

func (c *fakeUDPConn) Send(ctx context.Context, b []byte) error {
	c.tracker.mu.Lock()
	n := len(c.tracker.requests)
	c.tracker.requests = append(c.tracker.requests, append([]byte(nil), b...))
	responses := c.tracker.respond(n, b)
	c.tracker.mu.Unlock()

	for _, resp := range responses {
		c.inbox <- resp
	}
	return nil
}

func (c *fakeUDPConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case resp := <-c.inbox:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeUDPConn) Close() error { return nil }

const testConnectionID uint64 = 0xC0FFEE

func requestAction(req []byte) uint32        { return binary.BigEndian.Uint32(req[8:12]) }
func requestTransactionID(req []byte) uint32 { return binary.BigEndian.Uint32(req[12:16]) }

func connectResponse(transactionID uint32, connID uint64) []byte {
	resp := make([]byte, 16)
	binary.BigEndian.PutUint32(resp[0:4], actionConnect)
	binary.BigEndian.PutUint32(resp[4:8], transactionID)
	binary.BigEndian.PutUint64(resp[8:16], connID)
	return resp
}

func announceResponse(transactionID uint32, interval uint32, peers []byte) []byte {
	resp := make([]byte, 20, 20+len(peers))
	binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
	binary.BigEndian.PutUint32(resp[4:8], transactionID)
	binary.BigEndian.PutUint32(resp[8:12], interval)
	binary.BigEndian.PutUint32(resp[12:16], 1)
	binary.BigEndian.PutUint32(resp[16:20], 2)
	return append(resp, peers...)
}

func errorResponse(transactionID uint32, message string) []byte {
	resp := make([]byte, 8)
	binary.BigEndian.PutUint32(resp[0:4], actionError)
	binary.BigEndian.PutUint32(resp[4:8], transactionID)
	return append(resp, message...)
}

// wellBehaved implements the connect/announce exchange of a correct tracker.
func wellBehaved(t *testing.T) func(n int, req []byte) [][]byte {
	return func(n int, req []byte) [][]byte {
		switch requestAction(req) {
		case actionConnect:
			assert.Equal(t, protocolID, binary.BigEndian.Uint64(req[0:8]))
			return [][]byte{connectResponse(requestTransactionID(req), testConnectionID)}
		case actionAnnounce:
			return [][]byte{announceResponse(requestTransactionID(req), 120, compactPeer(t, "10.0.0.1", 6881))}
		}
		return nil
	}
}

func testUDPOptions() UDPOptions {
	return UDPOptions{
		RoundTripTimeout: 20 * time.Millisecond,
		RetryInterval:    time.Millisecond,
		MaxTries:         4,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUDPAnnounce(t *testing.T) {
	var tests = []struct {
		name    string
		respond func(t *testing.T) func(n int, req []byte) [][]byte
		ctx     func() context.Context
		assert  func(t *testing.T, actual models.AnnounceResult, err error, requests [][]byte)
	}{
		{
			name:    "connect then announce",
			respond: wellBehaved,
			assert: func(t *testing.T, actual models.AnnounceResult, err error, requests [][]byte) {
				require.NoError(t, err)
				assert.Equal(t, 2*time.Minute, actual.Interval)
				require.Len(t, actual.Peers, 1)
				assert.Equal(t, "10.0.0.1:6881", actual.Peers[0].String())

				require.Len(t, requests, 2)
				assert.Len(t, requests[0], connectRequestSize)

				announce := requests[1]
				require.Len(t, announce, announceRequestSize)
				assert.Equal(t, testConnectionID, binary.BigEndian.Uint64(announce[0:8]))
				assert.Equal(t, actionAnnounce, requestAction(announce))
				assert.Equal(t, "01234567891012345678", string(announce[16:36]))
				assert.Equal(t, "01234567891012345678", string(announce[36:56]))
				assert.Equal(t, uint64(100), binary.BigEndian.Uint64(announce[64:72]))
				assert.Equal(t, uint32(models.EventStarted), binary.BigEndian.Uint32(announce[80:84]))
				assert.Equal(t, uint32(0xFFFFFFFF), binary.BigEndian.Uint32(announce[92:96]))
				assert.Equal(t, uint16(6881), binary.BigEndian.Uint16(announce[96:98]))
			},
		},
		{
			name: "transaction id mismatch",
			respond: func(t *testing.T) func(n int, req []byte) [][]byte {
				return func(n int, req []byte) [][]byte {
					return [][]byte{connectResponse(requestTransactionID(req)+1, testConnectionID)}
				}
			},
			assert: func(t *testing.T, actual models.AnnounceResult, err error, requests [][]byte) {
				assert.ErrorIs(t, err, models.ErrTracker)
				assert.ErrorContains(t, err, "transaction id")
				assert.Len(t, requests, 4)
			},
		},
		{
			name: "late response to an earlier attempt is dropped",
			respond: func(t *testing.T) func(n int, req []byte) [][]byte {
				next := wellBehaved(t)
				var first []byte
				return func(n int, req []byte) [][]byte {
					switch n {
					case 0:
						first = req
						return nil
					case 1:
						return [][]byte{
							connectResponse(requestTransactionID(first), testConnectionID+1),
							connectResponse(requestTransactionID(req), testConnectionID),
						}
					}
					return next(n, req)
				}
			},
			assert: func(t *testing.T, actual models.AnnounceResult, err error, requests [][]byte) {
				require.NoError(t, err)
				assert.Len(t, actual.Peers, 1)
				require.Len(t, requests, 3)
				assert.Equal(t, testConnectionID, binary.BigEndian.Uint64(requests[2][0:8]))
			},
		},
		{
			name: "tracker error",
			respond: func(t *testing.T) func(n int, req []byte) [][]byte {
				return func(n int, req []byte) [][]byte {
					if requestAction(req) == actionConnect {
						return [][]byte{connectResponse(requestTransactionID(req), testConnectionID)}
					}
					return [][]byte{errorResponse(requestTransactionID(req), "info hash not found")}
				}
			},
			assert: func(t *testing.T, actual models.AnnounceResult, err error, requests [][]byte) {
				assert.ErrorIs(t, err, models.ErrTracker)
				assert.ErrorContains(t, err, "info hash not found")
				assert.Len(t, requests, 2)
			},
		},
		{
			name: "lost datagrams are retried",
			respond: func(t *testing.T) func(n int, req []byte) [][]byte {
				next := wellBehaved(t)
				return func(n int, req []byte) [][]byte {
					if n < 2 {
						return nil
					}
					return next(n, req)
				}
			},
			assert: func(t *testing.T, actual models.AnnounceResult, err error, requests [][]byte) {
				require.NoError(t, err)
				assert.Len(t, actual.Peers, 1)
				require.Len(t, requests, 4)
				assert.NotEqual(t, requestTransactionID(requests[0]), requestTransactionID(requests[1]))
			},
		},
		{
			name: "tracker never answers",
			respond: func(t *testing.T) func(n int, req []byte) [][]byte {
				return func(n int, req []byte) [][]byte { return nil }
			},
			assert: func(t *testing.T, actual models.AnnounceResult, err error, requests [][]byte) {
				assert.ErrorIs(t, err, models.ErrTracker)
				assert.Len(t, requests, 4)
			},
		},
		{
			name:    "cancelled context",
			respond: func(t *testing.T) func(n int, req []byte) [][]byte { return func(int, []byte) [][]byte { return nil } },
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			assert: func(t *testing.T, actual models.AnnounceResult, err error, requests [][]byte) {
				assert.ErrorIs(t, err, context.Canceled)
				assert.Len(t, requests, 1)
			},
		},
		{
			name: "short announce response",
			respond: func(t *testing.T) func(n int, req []byte) [][]byte {
				return func(n int, req []byte) [][]byte {
					if requestAction(req) == actionConnect {
						return [][]byte{connectResponse(requestTransactionID(req), testConnectionID)}
					}
					return [][]byte{announceResponse(requestTransactionID(req), 60, nil)[:12]}
				}
			},
			assert: func(t *testing.T, actual models.AnnounceResult, err error, requests [][]byte) {
				assert.ErrorIs(t, err, models.ErrTracker)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeUDPTracker{respond: tt.respond(t)}
			announcer := NewUDPAnnouncer(fake, "tracker.example.com:1337", testUDPOptions(), discardLogger())
			defer announcer.Close()

			ctx := context.Background()
			if tt.ctx != nil {
				ctx = tt.ctx()
			}
			actual, err := announcer.Announce(ctx, testAnnounceRequest())
			tt.assert(t, actual, err, fake.received())
		})
	}
}

func TestUDPAnnounceReusesConnectionID(t *testing.T) {
	fake := &fakeUDPTracker{respond: wellBehaved(t)}
	announcer := NewUDPAnnouncer(fake, "tracker.example.com:1337", testUDPOptions(), discardLogger())
	defer announcer.Close()

	_, err := announcer.Announce(context.Background(), testAnnounceRequest())
	require.NoError(t, err)
	_, err = announcer.Announce(context.Background(), testAnnounceRequest())
	require.NoError(t, err)

	requests := fake.received()
	require.Len(t, requests, 3)
	assert.Equal(t, actionConnect, requestAction(requests[0]))
	assert.Equal(t, actionAnnounce, requestAction(requests[1]))
	assert.Equal(t, actionAnnounce, requestAction(requests[2]))
}
