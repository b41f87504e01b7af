package execution

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestPaperFillUsesPriceSource(t *testing.T) {
	g := NewGateway(Config{Mode: ModePaper, OrdersPerSec: 100, Burst: 100}, zerolog.Nop())
	g.SetPriceSource(func(symbol string) float64 { return 123.45 })

	res := g.PlaceMarketOrder(context.Background(), ActionBuy, "NIFTY24500CE", 75, "entry signal")
	if !res.OK || res.Status != "filled" {
		t.Fatalf("expected paper fill, got %+v", res)
	}
	if res.FillPrice != 123.45 {
		t.Fatalf("fill must use the price source, got %f", res.FillPrice)
	}
}

func TestPaperFillRejectsWithoutPrice(t *testing.T) {
	g := NewGateway(Config{Mode: ModePaper, OrdersPerSec: 100, Burst: 100}, zerolog.Nop())
	g.SetPriceSource(func(symbol string) float64 { return 0 })

	res := g.PlaceMarketOrder(context.Background(), ActionBuy, "SYM", 75, "entry signal")
	if res.OK || res.StatusCode != 422 {
		t.Fatalf("missing price must reject with 422, got %+v", res)
	}
}

func TestAssistModeSkips(t *testing.T) {
	g := NewGateway(Config{Mode: ModeAssist, OrdersPerSec: 100, Burst: 100}, zerolog.Nop())
	res := g.PlaceMarketOrder(context.Background(), ActionSell, "SYM", 75, "TP hit")
	if !res.OK || res.Status != "skipped" {
		t.Fatalf("assist mode must skip, got %+v", res)
	}
}

func TestValidation(t *testing.T) {
	g := NewGateway(Config{Mode: ModePaper, OrdersPerSec: 100, Burst: 100}, zerolog.Nop())

	if res := g.PlaceMarketOrder(context.Background(), ActionBuy, "", 75, "x"); res.OK || res.StatusCode != 400 {
		t.Fatalf("empty symbol must reject, got %+v", res)
	}
	if res := g.PlaceMarketOrder(context.Background(), ActionBuy, "SYM", 0, "x"); res.OK || res.StatusCode != 400 {
		t.Fatalf("zero quantity must reject, got %+v", res)
	}
}

func TestRateLimit(t *testing.T) {
	g := NewGateway(Config{Mode: ModeAssist, OrdersPerSec: 1, Burst: 1}, zerolog.Nop())

	first := g.PlaceMarketOrder(context.Background(), ActionBuy, "SYM", 75, "x")
	if !first.OK {
		t.Fatalf("first order must pass, got %+v", first)
	}
	second := g.PlaceMarketOrder(context.Background(), ActionBuy, "SYM", 75, "x")
	if second.OK || second.StatusCode != 429 {
		t.Fatalf("second immediate order must hit the limiter, got %+v", second)
	}
}

func TestLiveOrderNormalization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"filled","message":"ok","avg_price":101.5}`))
	}))
	defer srv.Close()

	g := NewGateway(Config{Mode: ModeLive, BaseURL: srv.URL, OrdersPerSec: 100, Burst: 100}, zerolog.Nop())
	res := g.PlaceMarketOrder(context.Background(), ActionBuy, "SYM", 75, "entry signal")
	if !res.OK || res.FillPrice != 101.5 {
		t.Fatalf("expected normalized live fill, got %+v", res)
	}
}

func TestLiveOrderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"rejected","message":"insufficient margin"}`))
	}))
	defer srv.Close()

	g := NewGateway(Config{Mode: ModeLive, BaseURL: srv.URL, OrdersPerSec: 100, Burst: 100}, zerolog.Nop())
	res := g.PlaceMarketOrder(context.Background(), ActionBuy, "SYM", 75, "entry signal")
	if res.OK {
		t.Fatalf("broker rejection must not report OK, got %+v", res)
	}
	if res.Message != "insufficient margin" {
		t.Fatalf("broker message must surface, got %q", res.Message)
	}
}
