package report_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/attendance/internal/domain"
	"github.com/victornm/attendance/internal/errors"
	"github.com/victornm/attendance/internal/event"
	"github.com/victornm/attendance/internal/report"
)

var t0 = time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)

func TestService_SaveReport(t *testing.T) {
	eb := event.NewBus()
	s := report.NewService(report.Config{
		EventBus: eb,
		Store:    report.NewMemoryStore(),
	})

	r := makeReport("s1", "t1", t0, 2, 4)
	eb.Publish(context.Background(), domain.EventSessionEnded{Report: r})
	eb.Stop()

	dup := makeReport("s1", "t1", t0, 1)
	eb.Publish(context.Background(), domain.EventSessionEnded{Report: dup})
	eb.Stop()

	got, err := s.GetReport(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, r, *got, "the first saved report should be kept")

	_, err = s.GetReport(context.Background(), "missing")
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestMemoryStore_KeepsOwnMarks(t *testing.T) {
	ctx := context.Background()
	st := report.NewMemoryStore()

	r := makeReport("s1", "t1", t0, 1, 2)
	require.NoError(t, st.SaveReport(ctx, r))

	r.Marks[0].ParticipantKey = 7

	got, err := st.GetReport(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Marks[0].ParticipantKey, "saved report should not follow the caller's marks")

	got.Marks[1].ParticipantKey = 8

	again, err := st.GetReport(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Marks[1].ParticipantKey, "loaded report should not share marks with the store")
}

func TestService_ListReports(t *testing.T) {
	tests := map[string]struct {
		req    report.ListReportsRequest
		assert func(t *testing.T, hs []domain.ReportHeader, err error)
	}{
		"should list reports of the owner newest first": {
			req: report.ListReportsRequest{OwnerID: "t1"},
			assert: func(t *testing.T, hs []domain.ReportHeader, err error) {
				require.NoError(t, err)
				require.Len(t, hs, 2)
				assert.Equal(t, "s2", hs[0].SessionID)
				assert.Equal(t, "s1", hs[1].SessionID)
			},
		},

		"should apply the limit": {
			req: report.ListReportsRequest{OwnerID: "t1", Limit: 1},
			assert: func(t *testing.T, hs []domain.ReportHeader, err error) {
				require.NoError(t, err)
				require.Len(t, hs, 1)
				assert.Equal(t, "s2", hs[0].SessionID)
			},
		},

		"should reject an empty owner": {
			req: report.ListReportsRequest{},
			assert: func(t *testing.T, _ []domain.ReportHeader, err error) {
				assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(err))
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := report.NewMemoryStore()
			for _, r := range []domain.Report{
				makeReport("s1", "t1", t0, 1),
				makeReport("s2", "t1", t0.Add(time.Hour), 1, 2),
				makeReport("s3", "t2", t0.Add(2*time.Hour)),
			} {
				require.NoError(t, store.SaveReport(context.Background(), r))
			}

			s := report.NewService(report.Config{EventBus: event.NewBus(), Store: store})

			hs, err := s.ListReports(context.Background(), tt.req)
			tt.assert(t, hs, err)
		})
	}
}

func TestWriteCSV(t *testing.T) {
	r := makeReport("s1", "t1", t0, 2, 4)

	var buf bytes.Buffer
	require.NoError(t, report.WriteCSV(&buf, &r))

	want := "participant_key,marked_at\n" +
		"2,2024-09-01T08:00:02Z\n" +
		"4,2024-09-01T08:00:04Z\n"
	assert.Equal(t, want, buf.String())
}

func TestWriteCSV_Empty(t *testing.T) {
	r := makeReport("s1", "t1", t0)

	var buf bytes.Buffer
	require.NoError(t, report.WriteCSV(&buf, &r))
	assert.Equal(t, "participant_key,marked_at\n", buf.String())
}

func makeReport(id, owner string, endedAt time.Time, keys ...int) domain.Report {
	marks := make([]domain.Mark, 0, len(keys))
	for _, k := range keys {
		marks = append(marks, domain.Mark{ParticipantKey: k, MarkedAt: t0.Add(time.Duration(k) * time.Second)})
	}

	return domain.Report{
		SessionID:   id,
		OwnerID:     owner,
		Capacity:    5,
		MarkedCount: len(marks),
		Marks:       marks,
		Reason:      domain.EndReasonStopped,
		EndedAt:     endedAt,
		Rate:        domain.AttendanceRate(len(marks), 5),
	}
}
