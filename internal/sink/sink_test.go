package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vitals-pipeline/internal/models"
)

func testAnomaly(eventID string) *models.Anomaly {
	max := 100.0
	return &models.Anomaly{
		EventID: eventID,
		RecordRef: models.RecordRef{
			PatientID: "patient-001",
			SourceID:  "vitals:stream:0",
			Offset:    "1700000000000-3",
			Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		Kind:       models.KindTachycardia,
		Severity:   models.SeverityHigh,
		Vital:      "heart_rate",
		Value:      135,
		Threshold:  &models.Threshold{Max: &max},
		DetectedAt: time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC),
	}
}

func TestFileSink_AppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	s, err := NewFileSink(path, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Emit(ctx, testAnomaly("evt-1")))
	require.NoError(t, s.Emit(ctx, testAnomaly("evt-2")))
	require.NoError(t, s.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var events []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var anomaly models.Anomaly
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &anomaly))
		events = append(events, anomaly.EventID)
		assert.Equal(t, models.KindTachycardia, anomaly.Kind)
		assert.Equal(t, models.SeverityHigh, anomaly.Severity)
	}
	assert.Equal(t, []string{"evt-1", "evt-2"}, events)
}

func TestFileSink_ConcurrentEmit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	s, err := NewFileSink(path, zap.NewNop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Emit(context.Background(), testAnomaly("evt")))
		}()
	}
	wg.Wait()
	require.NoError(t, s.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := 0
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		var anomaly models.Anomaly
		// 并发写不得交错破坏行
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &anomaly))
		lines++
	}
	assert.Equal(t, 20, lines)
}

func TestStreamSink_PublishesAlert(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewStreamSink(client, "vitals:alerts:stream", zap.NewNop())

	ctx := context.Background()
	require.NoError(t, s.Emit(ctx, testAnomaly("evt-1")))

	msgs, err := client.XRange(ctx, "vitals:alerts:stream", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var anomaly models.Anomaly
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &anomaly))
	assert.Equal(t, "evt-1", anomaly.EventID)
	assert.Equal(t, models.KindTachycardia, anomaly.Kind)
}

func TestStreamSink_EmitFailsWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	s := NewStreamSink(client, "vitals:alerts:stream", zap.NewNop())

	assert.Error(t, s.Emit(context.Background(), testAnomaly("evt-1")))
}

func TestPostgresSink_InsertsAlert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresSink(db, "alert_events", zap.NewNop())
	anomaly := testAnomaly("evt-1")

	mock.ExpectExec(`INSERT INTO alert_events`).
		WithArgs(
			"evt-1", "patient-001", "vitals:stream:0", "1700000000000-3",
			anomaly.RecordRef.Timestamp, "tachycardia", "HIGH",
			sqlmock.AnyArg(), anomaly.DetectedAt,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Emit(context.Background(), anomaly))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSink_DuplicateEmitIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresSink(db, "alert_events", zap.NewNop())

	// ON CONFLICT DO NOTHING：重放产生的重复 event_id 影响 0 行，不报错
	mock.ExpectExec(`INSERT INTO alert_events`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Emit(context.Background(), testAnomaly("evt-1")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSink_InsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresSink(db, "alert_events", zap.NewNop())

	mock.ExpectExec(`INSERT INTO alert_events`).
		WillReturnError(assert.AnError)

	assert.Error(t, s.Emit(context.Background(), testAnomaly("evt-1")))
	require.NoError(t, mock.ExpectationsWereMet())
}
