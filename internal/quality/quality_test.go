package quality

import (
	"testing"
	"time"
)

func TestNewMeterStartsAtPerfectScore(t *testing.T) {
	m := NewMeter(10)
	if got := m.Score(); got != 1.0 {
		t.Errorf("initial score = %v, want 1.0", got)
	}
}

func TestRecordPongLowersRTTPenalty(t *testing.T) {
	m := NewMeter(10)
	for i := 0; i < 10; i++ {
		m.RecordPong(20 * time.Millisecond)
	}
	if got := m.Score(); got < 0.9 {
		t.Errorf("score with low steady RTT = %v, want close to 1.0", got)
	}
	if got := m.EMARTT(); got <= 0 {
		t.Errorf("expected positive EMA RTT, got %v", got)
	}
}

func TestRecordPongHighRTTLowersScore(t *testing.T) {
	m := NewMeter(10)
	for i := 0; i < 10; i++ {
		m.RecordPong(900 * time.Millisecond)
	}
	if got := m.Score(); got > 0.7 {
		t.Errorf("score with high sustained RTT = %v, want penalized", got)
	}
}

func TestRecordMissedPingLowersScore(t *testing.T) {
	m := NewMeter(4)
	m.RecordPong(10 * time.Millisecond)
	m.RecordMissedPing()
	m.RecordMissedPing()
	m.RecordMissedPing()

	if got := m.LossRatio(); got != 0.75 {
		t.Errorf("loss ratio = %v, want 0.75", got)
	}
	if got := m.Score(); got >= 1.0 {
		t.Errorf("score with 75%% loss = %v, want penalized below 1.0", got)
	}
}

func TestWindowSlidesOutOldSamples(t *testing.T) {
	m := NewMeter(3)
	m.RecordMissedPing()
	m.RecordMissedPing()
	m.RecordMissedPing()
	if got := m.LossRatio(); got != 1.0 {
		t.Fatalf("loss ratio = %v, want 1.0", got)
	}

	// Three perfect pongs should now fully displace the missed pings.
	m.RecordPong(5 * time.Millisecond)
	m.RecordPong(5 * time.Millisecond)
	m.RecordPong(5 * time.Millisecond)
	if got := m.LossRatio(); got != 0 {
		t.Errorf("loss ratio after window slide = %v, want 0", got)
	}
}

func TestCountersAccumulate(t *testing.T) {
	m := NewMeter(10)
	m.RecordSent(100)
	m.RecordSent(50)
	m.RecordReceived(20)

	bs, br, fs, fr := m.Counters()
	if bs != 150 || br != 20 || fs != 2 || fr != 1 {
		t.Errorf("counters = (%d,%d,%d,%d), want (150,20,2,1)", bs, br, fs, fr)
	}
}

func TestScoreNeverBelowZeroOrAboveOne(t *testing.T) {
	m := NewMeter(5)
	for i := 0; i < 20; i++ {
		m.RecordMissedPing()
	}
	if got := m.Score(); got < 0 || got > 1 {
		t.Errorf("score out of range: %v", got)
	}
}
