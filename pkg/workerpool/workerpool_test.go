package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(t *testing.T) context.Context
		workerCount int
		items       []int
		failOn      int
		wantErr     error
		want        []int
	}{
		{
			name:        "results keep item order",
			setup:       func(_ *testing.T) context.Context { return context.Background() },
			workerCount: 3,
			items:       []int{1, 2, 3, 4, 5, 6, 7},
			want:        []int{2, 4, 6, 8, 10, 12, 14},
		},
		{
			name:        "more workers than items",
			setup:       func(_ *testing.T) context.Context { return context.Background() },
			workerCount: 64,
			items:       []int{5},
			want:        []int{10},
		},
		{
			name:        "empty input",
			setup:       func(_ *testing.T) context.Context { return context.Background() },
			workerCount: 4,
			want:        []int{},
		},
		{
			name:        "first error is returned",
			setup:       func(_ *testing.T) context.Context { return context.Background() },
			workerCount: 2,
			items:       []int{1, 2, 3, 4},
			failOn:      3,
			wantErr:     errBoom,
		},
		{
			name: "canceled context",
			setup: func(_ *testing.T) context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			workerCount: 2,
			items:       []int{1, 2},
			wantErr:     context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Map(tt.setup(t), tt.workerCount, tt.items, func(_ context.Context, v int) (int, error) {
				if tt.failOn != 0 && v == tt.failOn {
					return 0, errBoom
				}
				return v * 2, nil
			})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

var errBoom = errors.New("boom")

func TestProcessStopsAfterError(t *testing.T) {
	var processed atomic.Int32
	items := make([]int, 1000)
	for i := range items {
		items[i] = i
	}

	err := Process(context.Background(), 1, items, func(_ context.Context, v int) error {
		if v == 10 {
			return errBoom
		}
		processed.Add(1)
		return nil
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, int32(10), processed.Load())
}
