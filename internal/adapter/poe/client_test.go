package poe

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudrook/obs-ingest/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePOE is a line-oriented fake downstream. handle receives each decoded
// request and returns the raw response line.
type fakePOE struct {
	listener net.Listener
	accepts  atomic.Int64
	requests chan request
}

func newFakePOE(t *testing.T, handle func(req request) string) *fakePOE {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	f := &fakePOE{listener: listener, requests: make(chan request, 16)}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			f.accepts.Add(1)
			go func() {
				defer conn.Close()
				br := bufio.NewReader(conn)
				for {
					line, err := br.ReadBytes('\n')
					if err != nil {
						return
					}
					var req request
					if err := json.Unmarshal(line, &req); err != nil {
						return
					}
					f.requests <- req
					if _, err := conn.Write(append([]byte(handle(req)), '\n')); err != nil {
						return
					}
				}
			}()
		}
	}()
	return f
}

func (f *fakePOE) addr() string { return f.listener.Addr().String() }

func echoStatuses(status string) func(request) string {
	return func(req request) string {
		resp := domain.ChunkResponse{Statuses: make([]domain.RecordStatus, len(req.Observations))}
		for i, obs := range req.Observations {
			resp.Statuses[i] = domain.RecordStatus{Key: obs.Key, Status: status}
		}
		data, _ := json.Marshal(resp)
		return string(data)
	}
}

func testChunk(seq, n int) domain.SubmissionChunk {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	chunk := domain.SubmissionChunk{Seq: seq}
	for i := 0; i < n; i++ {
		chunk.Observations = append(chunk.Observations, domain.GroupedObservation{
			Key:       domain.ObservationKey{StationID: "KSLC", Timestamp: base.Add(time.Duration(i) * time.Minute)},
			Variables: map[string]domain.Measurement{"TMPF": {Value: 21.5, Unit: "degC"}},
		})
	}
	return chunk
}

func TestSubmitChunk(t *testing.T) {
	server := newFakePOE(t, echoStatuses(domain.StatusInserted))
	client := NewClient(server.addr(), "acme_wx", time.Second, 2, testLogger())
	defer client.Close()

	resp, err := client.SubmitChunk(context.Background(), testChunk(3, 2))
	require.NoError(t, err)
	require.Len(t, resp.Statuses, 2)
	assert.Equal(t, domain.StatusInserted, resp.Statuses[0].Status)

	req := <-server.requests
	assert.Equal(t, "acme_wx", req.Ingest)
	assert.Equal(t, 3, req.Seq)
	require.Len(t, req.Observations, 2)
	assert.Equal(t, "KSLC|2024-01-01T00:00:00Z", req.Observations[0].Key)
	assert.Equal(t, domain.Measurement{Value: 21.5, Unit: "degC"}, req.Observations[0].Variables["TMPF"])
}

func TestSubmitChunk_ReusesPooledConnection(t *testing.T) {
	server := newFakePOE(t, echoStatuses(domain.StatusInserted))
	client := NewClient(server.addr(), "acme_wx", time.Second, 2, testLogger())
	defer client.Close()

	require.NoError(t, client.Ping(context.Background()))
	for seq := 0; seq < 3; seq++ {
		_, err := client.SubmitChunk(context.Background(), testChunk(seq, 1))
		require.NoError(t, err)
	}

	// The ping's connection is pooled and serves every sequential submit.
	assert.Equal(t, int64(1), server.accepts.Load())
}

func TestSubmitChunk_StatusCountMismatch(t *testing.T) {
	server := newFakePOE(t, func(request) string {
		return `{"statuses":[]}`
	})
	client := NewClient(server.addr(), "acme_wx", time.Second, 2, testLogger())
	defer client.Close()

	_, err := client.SubmitChunk(context.Background(), testChunk(0, 2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0 statuses for 2 records")
}

func TestSubmitChunk_MalformedResponse(t *testing.T) {
	server := newFakePOE(t, func(request) string {
		return `not json`
	})
	client := NewClient(server.addr(), "acme_wx", time.Second, 2, testLogger())
	defer client.Close()

	_, err := client.SubmitChunk(context.Background(), testChunk(0, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestSubmitChunk_FailedConnectionNotPooled(t *testing.T) {
	server := newFakePOE(t, func(request) string {
		return `not json`
	})
	client := NewClient(server.addr(), "acme_wx", time.Second, 2, testLogger())
	defer client.Close()

	_, err := client.SubmitChunk(context.Background(), testChunk(0, 1))
	require.Error(t, err)

	// The desynchronized connection was discarded; the next submit redials.
	_, err = client.SubmitChunk(context.Background(), testChunk(1, 1))
	require.Error(t, err)
	assert.Equal(t, int64(2), server.accepts.Load())
}

func TestPing(t *testing.T) {
	t.Run("reachable", func(t *testing.T) {
		server := newFakePOE(t, echoStatuses(domain.StatusInserted))
		client := NewClient(server.addr(), "acme_wx", time.Second, 2, testLogger())
		defer client.Close()
		assert.NoError(t, client.Ping(context.Background()))
	})

	t.Run("unreachable", func(t *testing.T) {
		client := NewClient("127.0.0.1:1", "acme_wx", 100*time.Millisecond, 2, testLogger())
		defer client.Close()
		err := client.Ping(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unreachable")
	})
}

func TestSubmitChunk_RespectsContextDeadline(t *testing.T) {
	// A server that accepts but never answers.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			io.Copy(io.Discard, conn) //nolint:errcheck
		}
	}()

	client := NewClient(listener.Addr().String(), "acme_wx", time.Minute, 2, testLogger())
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = client.SubmitChunk(ctx, testChunk(0, 1))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
