package keepalive

import (
	"testing"
	"time"
)

func TestNormalizeCorrectsInvalidOrdering(t *testing.T) {
	bad := Config{
		PingInterval:        time.Minute, // violates pingInterval < maxIdleTime
		MaxIdleTime:         55 * time.Second,
		LoadBalancerTimeout: 60 * time.Second,
	}
	got := bad.Normalize(nil)
	want := DefaultConfig()
	if got != want {
		t.Errorf("Normalize(%v) = %v, want defaults %v", bad, got, want)
	}
}

func TestNormalizeFillsZeroFields(t *testing.T) {
	got := Config{}.Normalize(nil)
	want := DefaultConfig()
	if got != want {
		t.Errorf("Normalize(zero value) = %v, want %v", got, want)
	}
}

func TestCheckIdleTransitionsToAtRisk(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	base := time.Now()
	e.RecordActivity(base)

	riskAt := base.Add(DefaultConfig().LoadBalancerTimeout - 4*time.Second)
	if got := e.CheckIdle(riskAt); got != AtRisk {
		t.Errorf("CheckIdle = %v, want AtRisk", got)
	}
}

func TestRecordActivityRecoversFromAtRisk(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	base := time.Now()
	e.CheckIdle(base.Add(DefaultConfig().LoadBalancerTimeout))
	if e.State() != AtRisk {
		t.Fatalf("setup: expected AtRisk, got %v", e.State())
	}
	e.RecordActivity(base.Add(time.Second))
	if e.State() != Healthy {
		t.Errorf("expected Healthy after activity, got %v", e.State())
	}
}

func TestPongTimeoutTransitions(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)

	if got := e.OnPongTimeout(); got != Degraded {
		t.Fatalf("1st missed pong: got %v, want Degraded", got)
	}
	if got := e.OnPongTimeout(); got != Degraded {
		t.Fatalf("2nd missed pong: got %v, want Degraded", got)
	}
	if got := e.OnPongTimeout(); got != Unhealthy {
		t.Fatalf("3rd missed pong: got %v, want Unhealthy", got)
	}
}

func TestPongReceivedResetsToHealthy(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	e.OnPongTimeout()
	e.OnPongTimeout()
	e.OnPongReceived(time.Now())
	if e.State() != Healthy {
		t.Errorf("expected Healthy after pong, got %v", e.State())
	}
}

func TestCloseIsSticky(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	e.Close()
	e.OnPongReceived(time.Now())
	if e.State() != Closed {
		t.Errorf("expected Closed to stick, got %v", e.State())
	}
}

func TestAdaptIntervalRequiresHysteresis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHeartbeatInterval = 2 * time.Minute
	e := NewEngine(cfg, nil)
	initial := e.CurrentInterval()

	e.AdaptInterval(0.9)
	if got := e.AdaptInterval(0.9); got != initial {
		t.Errorf("expected no change before 3rd consecutive sample, got %v", got)
	}
	if got := e.AdaptInterval(0.9); got != initial*2 {
		t.Errorf("expected interval to double on 3rd high sample, got %v want %v", got, initial*2)
	}
}

func TestAdaptIntervalCapsAtMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHeartbeatInterval = 4 * time.Second
	e := NewEngine(cfg, nil)
	for i := 0; i < 10; i++ {
		e.AdaptInterval(0.95)
	}
	if got := e.CurrentInterval(); got != cfg.MaxHeartbeatInterval {
		t.Errorf("interval = %v, want capped at %v", got, cfg.MaxHeartbeatInterval)
	}
}

func TestAdaptIntervalHalvesOnLowQuality(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	for i := 0; i < 4; i++ {
		e.AdaptInterval(0.3)
	}
	if got := e.CurrentInterval(); got >= DefaultConfig().PingInterval {
		t.Errorf("expected interval to shrink under sustained low quality, got %v", got)
	}
}

func TestShouldPingRequiresMaxIdleTime(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	base := time.Now()
	e.RecordActivity(base)

	if e.ShouldPing(base.Add(10 * time.Second)) {
		t.Error("should not ping before MaxIdleTime elapses")
	}
	if !e.ShouldPing(base.Add(56 * time.Second)) {
		t.Error("should ping once idle past MaxIdleTime")
	}
}
