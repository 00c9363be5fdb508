package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type RoundTripFunc func(req *http.Request) *http.Response

func (f RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req), nil
}

func NewTestClient(fn RoundTripFunc) *http.Client {
	return &http.Client{
		Transport: RoundTripFunc(fn),
	}
}

type peersResponse struct {
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

type failureResponse struct {
	FailureReason string `bencode:"failure reason"`
}

func compactPeer(t *testing.T, ip string, port uint16) []byte {
	ipBytes := net.ParseIP(ip).To4()
	require.NotNil(t, ipBytes)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	return append(ipBytes, portBytes...)
}

func bencodeBody(t *testing.T, v interface{}) io.ReadCloser {
	resp := bytes.NewBuffer([]byte{})
	require.NoError(t, bencode.Marshal(resp, v))
	return io.NopCloser(resp)
}

func testAnnounceRequest() models.AnnounceRequest {
	var req models.AnnounceRequest
	copy(req.InfoHash[:], "01234567891012345678")
	copy(req.PeerID[:], "01234567891012345678")
	req.Port = 6881
	req.Left = 100
	req.Event = models.EventStarted
	return req
}

func TestHTTPAnnounce(t *testing.T) {
	var tests = []struct {
		name   string
		setup  func(t *testing.T) *http.Client
		req    func() models.AnnounceRequest
		assert func(t *testing.T, actual models.AnnounceResult, err error)
	}{
		{
			name: "get peers with success",
			setup: func(t *testing.T) *http.Client {
				return NewTestClient(func(req *http.Request) *http.Response {
					assert.Equal(t, "http://tracker.example.com?compact=1&downloaded=0&event=started&info_hash=01234567891012345678&left=100&peer_id=01234567891012345678&port=6881&uploaded=0", req.URL.String())
					return &http.Response{
						StatusCode: http.StatusOK,
						Body: bencodeBody(t, peersResponse{
							Interval: 60,
							Peers:    string(compactPeer(t, "192.168.100.100", 6889)),
						}),
					}
				})
			},
			req: testAnnounceRequest,
			assert: func(t *testing.T, actual models.AnnounceResult, err error) {
				require.NoError(t, err)
				assert.Equal(t, time.Minute, actual.Interval)
				require.Len(t, actual.Peers, 1)
				assert.Equal(t, net.IPv4(192, 168, 100, 100), actual.Peers[0].IP)
				assert.Equal(t, 6889, int(actual.Peers[0].Port))
			},
		},
		{
			name: "regular announce omits the event",
			setup: func(t *testing.T) *http.Client {
				return NewTestClient(func(req *http.Request) *http.Response {
					assert.Empty(t, req.URL.Query().Get("event"))
					assert.Equal(t, "42", req.URL.Query().Get("downloaded"))
					return &http.Response{
						StatusCode: http.StatusOK,
						Body:       bencodeBody(t, peersResponse{Peers: ""}),
					}
				})
			},
			req: func() models.AnnounceRequest {
				req := testAnnounceRequest()
				req.Event = models.EventNone
				req.Downloaded = 42
				return req
			},
			assert: func(t *testing.T, actual models.AnnounceResult, err error) {
				require.NoError(t, err)
				assert.Equal(t, DefaultInterval, actual.Interval)
				assert.Empty(t, actual.Peers)
			},
		},
		{
			name: "failure reason",
			setup: func(t *testing.T) *http.Client {
				return NewTestClient(func(req *http.Request) *http.Response {
					return &http.Response{
						StatusCode: http.StatusOK,
						Body:       bencodeBody(t, failureResponse{FailureReason: "torrent not registered"}),
					}
				})
			},
			req: testAnnounceRequest,
			assert: func(t *testing.T, actual models.AnnounceResult, err error) {
				assert.ErrorIs(t, err, models.ErrTracker)
				assert.ErrorContains(t, err, "torrent not registered")
			},
		},
		{
			name: "http error",
			setup: func(t *testing.T) *http.Client {
				return NewTestClient(func(req *http.Request) *http.Response {
					return &http.Response{
						StatusCode: http.StatusServiceUnavailable,
						Status:     "503 Service Unavailable",
						Body:       io.NopCloser(bytes.NewReader(nil)),
					}
				})
			},
			req: testAnnounceRequest,
			assert: func(t *testing.T, actual models.AnnounceResult, err error) {
				assert.ErrorIs(t, err, models.ErrTracker)
			},
		},
		{
			name: "malformed peer list",
			setup: func(t *testing.T) *http.Client {
				return NewTestClient(func(req *http.Request) *http.Response {
					return &http.Response{
						StatusCode: http.StatusOK,
						Body:       bencodeBody(t, peersResponse{Interval: 60, Peers: "12345"}),
					}
				})
			},
			req: testAnnounceRequest,
			assert: func(t *testing.T, actual models.AnnounceResult, err error) {
				assert.ErrorIs(t, err, models.ErrTracker)
			},
		},
		{
			name: "response is not bencode",
			setup: func(t *testing.T) *http.Client {
				return NewTestClient(func(req *http.Request) *http.Response {
					return &http.Response{
						StatusCode: http.StatusOK,
						Body:       io.NopCloser(bytes.NewBufferString("<html>")),
					}
				})
			},
			req: testAnnounceRequest,
			assert: func(t *testing.T, actual models.AnnounceResult, err error) {
				assert.ErrorIs(t, err, models.ErrTracker)
				assert.ErrorIs(t, err, models.ErrDecode)
			},
		},
		{
			name: "huge interval is capped",
			setup: func(t *testing.T) *http.Client {
				return NewTestClient(func(req *http.Request) *http.Response {
					return &http.Response{
						StatusCode: http.StatusOK,
						Body:       bencodeBody(t, peersResponse{Interval: 1 << 62}),
					}
				})
			},
			req: testAnnounceRequest,
			assert: func(t *testing.T, actual models.AnnounceResult, err error) {
				require.NoError(t, err)
				assert.Equal(t, MaxInterval, actual.Interval)
			},
		},
		{
			name: "deeply nested response",
			setup: func(t *testing.T) *http.Client {
				return NewTestClient(func(req *http.Request) *http.Response {
					return &http.Response{
						StatusCode: http.StatusOK,
						Body:       io.NopCloser(strings.NewReader(strings.Repeat("l", 500_000))),
					}
				})
			},
			req: testAnnounceRequest,
			assert: func(t *testing.T, actual models.AnnounceResult, err error) {
				assert.ErrorIs(t, err, models.ErrTracker)
				assert.ErrorIs(t, err, models.ErrDecode)
			},
		},
		{
			name: "oversized response",
			setup: func(t *testing.T) *http.Client {
				return NewTestClient(func(req *http.Request) *http.Response {
					return &http.Response{
						StatusCode: http.StatusOK,
						Body:       io.NopCloser(strings.NewReader("l" + strings.Repeat("i1e", maxResponseSize) + "e")),
					}
				})
			},
			req: testAnnounceRequest,
			assert: func(t *testing.T, actual models.AnnounceResult, err error) {
				assert.ErrorIs(t, err, models.ErrTracker)
				assert.ErrorContains(t, err, "larger than")
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			trackerURL, err := url.Parse("http://tracker.example.com")
			require.NoError(t, err)
			announcer := NewHTTPAnnouncer(tt.setup(t), trackerURL)
			actual, err := announcer.Announce(context.Background(), tt.req())
			tt.assert(t, actual, err)
		})
	}
}

func TestNewTracker(t *testing.T) {
	var tests = []struct {
		name   string
		url    string
		assert func(t *testing.T, actual Tracker, err error)
	}{
		{
			name: "http",
			url:  "http://tracker.example.com/announce",
			assert: func(t *testing.T, actual Tracker, err error) {
				require.NoError(t, err)
				assert.IsType(t, &HTTPAnnouncer{}, actual)
			},
		},
		{
			name: "https",
			url:  "https://tracker.example.com/announce",
			assert: func(t *testing.T, actual Tracker, err error) {
				require.NoError(t, err)
				assert.IsType(t, &HTTPAnnouncer{}, actual)
			},
		},
		{
			name: "udp",
			url:  "udp://tracker.example.com:1337/announce",
			assert: func(t *testing.T, actual Tracker, err error) {
				require.NoError(t, err)
				require.IsType(t, &UDPAnnouncer{}, actual)
				assert.Equal(t, "tracker.example.com:1337", actual.(*UDPAnnouncer).host)
			},
		},
		{
			name: "unsupported protocol",
			url:  "wss://tracker.example.com",
			assert: func(t *testing.T, actual Tracker, err error) {
				assert.ErrorIs(t, err, models.ErrTracker)
				assert.Nil(t, actual)
			},
		},
		{
			name: "empty url",
			url:  "",
			assert: func(t *testing.T, actual Tracker, err error) {
				assert.ErrorIs(t, err, models.ErrTracker)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			actual, err := NewTracker(tt.url)
			tt.assert(t, actual, err)
		})
	}
}
