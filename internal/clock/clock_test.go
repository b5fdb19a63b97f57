package clock

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestConverterToTicks(t *testing.T) {
	t.Parallel()
	conv := NewConverter(0)
	tests := []struct {
		name string
		span Span
		want Tick
	}{
		{name: "ticks", span: Ticks(7), want: 7},
		{name: "zero", span: Span{}, want: 0},
		{name: "one second", span: Duration(time.Second), want: 20},
		{name: "floor", span: Duration(149 * time.Millisecond), want: 2},
		{name: "sub tick", span: Duration(10 * time.Millisecond), want: 0},
		{name: "negative ticks", span: Ticks(-3), want: -3},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := conv.ToTicks(tt.span)
			if err != nil {
				t.Fatalf("ToTicks(%s) error: %v", tt.span, err)
			}
			if got != tt.want {
				t.Fatalf("ToTicks(%s) = %d, want %d", tt.span, got, tt.want)
			}
		})
	}
}

func TestSpanNegative(t *testing.T) {
	t.Parallel()
	if !Duration(-time.Millisecond).Negative() {
		t.Fatal("expected negative duration span")
	}
	if Ticks(0).Negative() {
		t.Fatal("zero ticks must not be negative")
	}
	if !Duration(time.Second).IsWall() || Ticks(1).IsWall() {
		t.Fatal("IsWall mismatch")
	}
}

func TestDurationToTicks(t *testing.T) {
	t.Parallel()
	n, err := DurationToTicks(3 * time.Second)
	if err != nil || n != 60 {
		t.Fatalf("DurationToTicks(3s) = %d, %v", n, err)
	}
	if _, err := DurationToTicks(time.Duration(1<<62) * time.Nanosecond); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestConverterToDuration(t *testing.T) {
	t.Parallel()
	conv := NewConverter(100 * time.Millisecond)
	d, err := conv.ToDuration(15)
	if err != nil || d != 1500*time.Millisecond {
		t.Fatalf("ToDuration(15) = %v, %v", d, err)
	}
	if _, err := conv.ToDuration(Tick(1 << 62)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestManualClock(t *testing.T) {
	t.Parallel()
	m := NewManual(4)
	if m.CurrentTick() != 4 {
		t.Fatalf("start = %d", m.CurrentTick())
	}
	if got := m.Advance(6); got != 10 {
		t.Fatalf("Advance = %d, want 10", got)
	}
	m.Set(2)
	if m.CurrentTick() != 2 {
		t.Fatalf("Set: got %d", m.CurrentTick())
	}
}

func TestWallClock(t *testing.T) {
	t.Parallel()
	base := time.Unix(1000, 0)
	w := &Wall{start: base, conv: NewConverter(0), now: func() time.Time { return base.Add(510 * time.Millisecond) }}
	if got := w.CurrentTick(); got != 10 {
		t.Fatalf("CurrentTick = %d, want 10", got)
	}
}

func TestTickAdd(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		a, b     Tick
		want     Tick
		overflow bool
	}{
		{name: "small", a: 40, b: 2, want: 42},
		{name: "negative", a: 5, b: -7, want: -2},
		{name: "max edge", a: math.MaxInt64 - 1, b: 1, want: math.MaxInt64},
		{name: "past max", a: 1, b: math.MaxInt64, overflow: true},
		{name: "past min", a: math.MinInt64, b: -1, overflow: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.a.Add(tt.b)
			if tt.overflow {
				if !errors.Is(err, ErrOverflow) {
					t.Fatalf("%d.Add(%d) = %d, %v; want overflow", tt.a, tt.b, got, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("%d.Add(%d) = %d, %v; want %d", tt.a, tt.b, got, err, tt.want)
			}
		})
	}
}
