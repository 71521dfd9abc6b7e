package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunOnceResumesAllListedSagas(t *testing.T) {
	ids := []string{"s1", "s2", "s3"}
	list := func(ctx context.Context, limit int) ([]string, error) { return ids, nil }

	resumed := map[string]int{}
	resume := func(ctx context.Context, sagaID string) (bool, error) {
		resumed[sagaID]++
		return true, nil
	}

	w := New(list, resume, 0, 0, nil, nil, "test")
	out, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, out.Scanned)
	assert.Equal(t, 3, out.Resumed)
	assert.Equal(t, 0, out.Failed)
	for _, id := range ids {
		assert.Equalf(t, 1, resumed[id], "resumed[%s]", id)
	}
}

func TestRunOnceRetriesFailingSagaUpToMax(t *testing.T) {
	list := func(ctx context.Context, limit int) ([]string, error) { return []string{"flaky"}, nil }

	attempts := 0
	resume := func(ctx context.Context, sagaID string) (bool, error) {
		attempts++
		return false, errors.New("transient failure")
	}

	w := New(list, resume, 3, 0, nil, nil, "test")
	out, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 0, out.Resumed)
	assert.Equal(t, 1, out.Failed)
	assert.Len(t, out.Errors, 1)
}

func TestRunOnceRecoversAfterInitialFailure(t *testing.T) {
	list := func(ctx context.Context, limit int) ([]string, error) { return []string{"eventually-ok"}, nil }

	attempts := 0
	resume := func(ctx context.Context, sagaID string) (bool, error) {
		attempts++
		if attempts < 2 {
			return false, errors.New("not yet")
		}
		return true, nil
	}

	w := New(list, resume, 3, 0, nil, nil, "test")
	out, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Resumed)
}

func TestRunOnceScanErrorPropagates(t *testing.T) {
	list := func(ctx context.Context, limit int) ([]string, error) { return nil, errors.New("db down") }
	resume := func(ctx context.Context, sagaID string) (bool, error) { return true, nil }

	w := New(list, resume, 0, 0, nil, nil, "test")
	_, err := w.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRunOnceEmptyBacklog(t *testing.T) {
	list := func(ctx context.Context, limit int) ([]string, error) { return nil, nil }
	resume := func(ctx context.Context, sagaID string) (bool, error) { return true, nil }

	w := New(list, resume, 0, 0, nil, nil, "test")
	out, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, out.Scanned)
	assert.Equal(t, 0, out.Resumed)
}
