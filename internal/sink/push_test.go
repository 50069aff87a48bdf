package sink_test

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/sink"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/klauspost/compress/gzip"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSink(t *testing.T) {
	var (
		mu       sync.Mutex
		received []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Content-Type"))
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		assert.Equal(t, "Bearer t", r.Header.Get("Authorization"))

		zr, err := gzip.NewReader(r.Body)
		if !assert.NoError(t, err) {
			return
		}
		body, err := io.ReadAll(zr)
		assert.NoError(t, err)

		var rec map[string]any
		assert.NoError(t, json.Unmarshal(body, &rec))
		mu.Lock()
		received = append(received, rec)
		mu.Unlock()

		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := sink.NewHTTP()
	require.NoError(t, s.Configure(context.Background(), map[string]any{
		"url":     srv.URL + "/ingest",
		"format":  "ndjson",
		"gzip":    true,
		"headers": map[string]any{"Authorization": "Bearer t"},
	}))
	defer s.Close()

	require.NoError(t, s.Send(context.Background(), testEvent(map[string]any{"cpu": 3})))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "edge", received[0]["namespace"])
}

func TestHTTPSinkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := sink.NewHTTP()
	require.NoError(t, s.Configure(context.Background(), map[string]any{"url": srv.URL}))

	err := s.Send(context.Background(), testEvent(map[string]any{"cpu": 3}))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrDelivery))
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	drained  bool
	err      error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func (p *fakePublisher) Drain() error {
	p.drained = true
	return nil
}

func TestNATSSink(t *testing.T) {
	pub := &fakePublisher{}
	var gotURL string
	defer sink.SetNATSConnect(func(url string, _ ...nats.Option) (sink.Publisher, error) {
		gotURL = url
		return pub, nil
	})()

	s := sink.NewNATS()
	require.NoError(t, s.Configure(context.Background(), map[string]any{
		"url":     "nats://localhost:4222",
		"subject": "telemetry.{namespace}.{origin}",
	}))
	assert.Equal(t, "nats://localhost:4222", gotURL)

	ev := testEvent(map[string]any{"x": 1})
	ev.OriginName = "gpu.main"
	require.NoError(t, s.Send(context.Background(), ev))
	assert.Equal(t, []string{"telemetry.edge.gpu_main"}, pub.subjects)

	pub.err = io.ErrClosedPipe
	err := s.Send(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrDelivery))

	require.NoError(t, s.Close())
	assert.True(t, pub.drained)
}

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	return &sqs.SendMessageOutput{}, nil
}

func TestSQSSink(t *testing.T) {
	client := &fakeSQS{}
	defer sink.SetSQSClient(client)()

	s := sink.NewSQS()
	require.NoError(t, s.Configure(context.Background(), map[string]any{
		"queueUrl":       "https://sqs.eu-west-1.amazonaws.com/123/events.fifo",
		"region":         "eu-west-1",
		"format":         "cbor",
		"messageGroupId": "edge",
	}))

	ev := testEvent(map[string]any{"x": 1})
	require.NoError(t, s.Send(context.Background(), ev))
	require.Len(t, client.inputs, 1)

	in := client.inputs[0]
	assert.Equal(t, "https://sqs.eu-west-1.amazonaws.com/123/events.fifo", *in.QueueUrl)
	assert.Equal(t, "edge", *in.MessageAttributes["namespace"].StringValue)
	assert.Equal(t, ev.ID, *in.MessageDeduplicationId)
	_, err := base64.StdEncoding.DecodeString(*in.MessageBody)
	assert.NoError(t, err)
}

type fakeCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
}

func (f *fakeCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestCloudWatchSinkBatches(t *testing.T) {
	client := &fakeCloudWatch{}
	defer sink.SetCloudWatchClient(client)()

	s := sink.NewCloudWatch()
	require.NoError(t, s.Configure(context.Background(), map[string]any{"namespace": "Edge/Agent"}))

	payload := make(map[string]any, 1500)
	for i := 0; i < 1500; i++ {
		payload["m"+strconv.Itoa(i)] = i
	}
	payload["label"] = "ignored"

	require.NoError(t, s.Send(context.Background(), testEvent(payload)))
	require.Len(t, client.inputs, 2)
	assert.Len(t, client.inputs[0].MetricData, 1000)
	assert.Len(t, client.inputs[1].MetricData, 500)
	assert.Equal(t, "Edge/Agent", *client.inputs[0].Namespace)

	dims := client.inputs[0].MetricData[0].Dimensions
	require.Len(t, dims, 2)
	assert.Equal(t, "namespace", *dims[0].Name)
	assert.Equal(t, "gpu", *dims[1].Value)
}

type fakePool struct {
	sqls   []string
	args   [][]any
	closed bool
}

func (p *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.sqls = append(p.sqls, sql)
	p.args = append(p.args, args)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (*fakePool) Ping(context.Context) error { return nil }
func (p *fakePool) Close()                   { p.closed = true }

func TestPostgresSink(t *testing.T) {
	pool := &fakePool{}
	defer sink.SetPGPool(pool)()

	s := sink.NewPostgres()
	err := s.Configure(context.Background(), map[string]any{"dsn": "postgres://x", "table": "bad;name"})
	require.Error(t, err)

	s = sink.NewPostgres()
	require.NoError(t, s.Configure(context.Background(), map[string]any{"dsn": "postgres://x"}))
	require.Len(t, pool.sqls, 1)
	assert.Contains(t, pool.sqls[0], "CREATE TABLE IF NOT EXISTS edgetel_events")

	ev := testEvent(map[string]any{"x": 1})
	require.NoError(t, s.Send(context.Background(), ev))
	require.Len(t, pool.args, 2)
	assert.Equal(t, ev.ID, pool.args[1][0])
	assert.JSONEq(t, `{"x":1}`, string(pool.args[1][5].([]byte)))

	require.NoError(t, s.Close())
	assert.True(t, pool.closed)
}

func TestSQLiteSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "events.db")

	s := sink.NewSQLite()
	require.NoError(t, s.Configure(context.Background(), map[string]any{
		"path":         path,
		"batchSize":    2,
		"batchTimeout": 60,
	}))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Send(context.Background(), testEvent(map[string]any{"i": i})))
	}
	require.NoError(t, s.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM events WHERE namespace = 'edge'").Scan(&count))
	assert.Equal(t, 3, count)

	var version int
	require.NoError(t, db.QueryRow("SELECT version FROM schema_versions").Scan(&version))
	assert.Equal(t, sink.SchemaVersion, version)
}

func TestSQLiteSinkSchemaMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions VALUES (99, 'old');`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s := sink.NewSQLite()
	require.NoError(t, s.Configure(context.Background(), map[string]any{"path": path}))
	require.NoError(t, s.Close())

	backups, err := filepath.Glob(filepath.Join(dir, "backups", "events_v99_*.db"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestWebSocketSink(t *testing.T) {
	s := sink.NewWebSocket()
	require.NoError(t, s.Configure(context.Background(), map[string]any{
		"address": "127.0.0.1:0",
		"path":    "/events",
	}))
	defer s.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/events", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Send(context.Background(), testEvent(map[string]any{"x": 1})))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(msg, &rec))
	assert.Equal(t, "gpu", rec["origin"])
}
