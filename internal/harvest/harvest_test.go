package harvest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParsedDataValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		data    ParsedData
		wantErr bool
	}{
		{
			name: "valid mixed",
			data: ParsedData{Problems: []CandidateProblem{
				{Content: "2+2?", Type: ProblemSingleChoice, Options: []string{"3", "4"}, Answer: "4"},
				{Content: "Explain gravity", Type: ProblemEssay},
			}},
		},
		{name: "no problems", data: ParsedData{}, wantErr: true},
		{name: "blank content", data: ParsedData{Problems: []CandidateProblem{{Content: "  ", Type: ProblemEssay}}}, wantErr: true},
		{name: "unknown type", data: ParsedData{Problems: []CandidateProblem{{Content: "x", Type: "MATCHING"}}}, wantErr: true},
		{name: "choice without options", data: ParsedData{Problems: []CandidateProblem{{Content: "x", Type: ProblemMultipleChoice, Options: []string{"a"}}}}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.data.Validate()
			if tc.wantErr {
				require.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestDecodeParsedDataRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := DecodeParsedData([]byte(`{"problems":`))
	require.ErrorIs(t, err, ErrValidation)

	data, err := DecodeParsedData([]byte(`{"problems":[{"content":"1+1","type":"SHORT_ANSWER"}]}`))
	require.NoError(t, err)
	require.Len(t, data.Problems, 1)
}

func TestAttemptRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	got, err := Attempt(func() (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("id taken: %w", ErrRetry)
		}
		return "id-3", nil
	}, 5)
	require.NoError(t, err)
	require.Equal(t, "id-3", got)
	require.Equal(t, 3, calls)
}

func TestAttemptExhausts(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Attempt(func() (int, error) {
		calls++
		return 0, ErrRetry
	}, 4)
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, 4, calls)
}

func TestAttemptStopsOnHardError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	calls := 0
	_, err := Attempt(func() (int, error) {
		calls++
		return 0, boom
	}, 4)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, calls)
}

func TestClassifyFetchError(t *testing.T) {
	t.Parallel()

	require.Equal(t, CategoryTimeout, ClassifyFetchError("u", context.DeadlineExceeded).Category)
	require.Equal(t, CategoryDNS, ClassifyFetchError("u", &net.DNSError{Err: "no such host", Name: "x"}).Category)
	require.Equal(t, CategoryNetwork, ClassifyFetchError("u", errors.New("connection reset")).Category)

	status := NewStatusError("u", http.StatusServiceUnavailable)
	require.Equal(t, CategoryHTTP5xx, status.Category)
	require.True(t, status.Transient())
	require.Same(t, status, ClassifyFetchError("u", fmt.Errorf("wrapped: %w", status)))

	require.False(t, NewStatusError("u", http.StatusNotFound).Transient())
	require.True(t, NewStatusError("u", http.StatusTooManyRequests).Transient())
}

func TestBatchDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)
	require.True(t, Batch{Status: BatchQueued}.Due(now))
	require.True(t, Batch{Status: BatchQueued, NextRunAt: &now}.Due(now))
	require.False(t, Batch{Status: BatchQueued, NextRunAt: &later}.Due(now))
	require.False(t, Batch{Status: BatchPaused}.Due(now))
}

func TestItemStatusValid(t *testing.T) {
	t.Parallel()

	for _, s := range []ItemStatus{ItemNew, ItemParsed, ItemFailed, ItemImported} {
		require.True(t, s.Valid(), s)
	}
	require.False(t, ItemStatus("PARSD").Valid())
	require.False(t, ItemStatus("").Valid())
}

func TestPageNormalize(t *testing.T) {
	t.Parallel()

	require.Equal(t, Page{Number: 1, Size: 20}, Page{}.Normalize())
	require.Equal(t, 200, Page{Number: 2, Size: 1000}.Normalize().Size)
	require.Equal(t, 40, Page{Number: 3, Size: 20}.Offset())
}
