package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	ch := f.After(10 * time.Second)
	select {
	case <-ch:
		t.Fatal("should not fire before advance")
	default:
	}

	f.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("should not fire early")
	default:
	}

	f.Advance(5 * time.Second)
	select {
	case got := <-ch:
		require.Equal(t, start.Add(10*time.Second), got)
	default:
		t.Fatal("expected fire after full advance")
	}
}

func TestFakeTickerFiresRepeatedly(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	ticker := f.NewTicker(1 * time.Second)
	defer ticker.Stop()

	count := 0
	for i := 0; i < 3; i++ {
		f.Advance(1 * time.Second)
		select {
		case <-ticker.C():
			count++
		default:
			t.Fatalf("expected a tick after advance %d", i+1)
		}
	}
	require.Equal(t, 3, count)
}

func TestFakeNowMonotonicWithAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	require.Equal(t, start, f.Now())
	f.Advance(time.Minute)
	require.Equal(t, start.Add(time.Minute), f.Now())
}
