package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/pixelproof/adcapture/internal/capture"
)

func TestNewWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "captures; DROP TABLE users", "batches")
	require.Error(t, err)

	_, err = NewWithPool(nil, "captures", "batches")
	require.Error(t, err)
}

func TestSaveCaptureInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "captures", "batches")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	job := capture.Job{
		ID:      "job-1",
		BatchID: "batch-1",
		Record: capture.AdRecord{
			WebsiteURL: "https://example.com/article",
			PID:        "pub-9",
			UID:        "unit-3",
			AdType:     "banner",
			DeviceUI:   capture.DeviceAndroid,
		},
		RetryCount: 1,
	}
	result := capture.CaptureResult{
		Success:     true,
		ArtifactRef: "gs://bucket/batch-1/pub-9/unit-3.png",
		Metadata: capture.CaptureMetadata{
			Timestamp: now,
			Device:    capture.DeviceAndroid,
			PID:       "pub-9",
			UID:       "unit-3",
		},
	}

	mock.ExpectExec("INSERT INTO captures").
		WithArgs(
			job.ID,
			job.BatchID,
			job.Record.PID,
			job.Record.UID,
			job.Record.WebsiteURL,
			job.Record.AdType,
			"android",
			true,
			result.ArtifactRef,
			"",
			"",
			1,
			now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveCapture(context.Background(), job, result))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCaptureRequiresJobID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	require.Error(t, store.SaveCapture(context.Background(), capture.Job{}, capture.CaptureResult{}))
}

func TestSaveBatchInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "captures", "batches")
	require.NoError(t, err)

	result := capture.BatchResult{
		BatchID:      "batch-1",
		TotalRecords: 3,
		SuccessCount: 2,
		ErrorCount:   1,
		Errors: []capture.BatchError{{
			Record: capture.AdRecord{PID: "pub-9", UID: "unit-4"},
			Class:  capture.ClassTimeout,
			Error:  "render wait exhausted",
		}},
		Duration: 90 * time.Second,
	}

	mock.ExpectExec("INSERT INTO batches").
		WithArgs(
			"batch-1",
			3,
			2,
			1,
			pgxmock.AnyArg(),
			int64(90000),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveBatch(context.Background(), result))
	require.NoError(t, mock.ExpectationsWereMet())
}
