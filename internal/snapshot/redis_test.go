package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMemoryOnlyRoundTrip(t *testing.T) {
	s := NewStore(Config{Enabled: false}, zerolog.Nop())
	ctx := context.Background()

	snap, err := s.Load(ctx)
	if err != nil || snap != nil {
		t.Fatalf("empty store must load nil, got %+v err=%v", snap, err)
	}

	s.Save(ctx, PositionSnapshot{
		Side:       "CE",
		Symbol:     "NIFTY24500CE",
		Quantity:   75,
		EntryPrice: 103,
		EntryTS:    time.Now(),
	})

	snap, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap == nil || snap.Symbol != "NIFTY24500CE" || snap.Quantity != 75 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.SavedAt.IsZero() {
		t.Fatal("save must stamp SavedAt")
	}

	s.Clear(ctx)
	if snap, _ := s.Load(ctx); snap != nil {
		t.Fatalf("clear must remove the snapshot, got %+v", snap)
	}
}

func TestLoadReturnsCopy(t *testing.T) {
	s := NewStore(Config{Enabled: false}, zerolog.Nop())
	ctx := context.Background()
	s.Save(ctx, PositionSnapshot{Symbol: "A", Quantity: 1})

	first, _ := s.Load(ctx)
	first.Symbol = "mutated"

	second, _ := s.Load(ctx)
	if second.Symbol != "A" {
		t.Fatal("callers must not be able to mutate the stored snapshot")
	}
}
