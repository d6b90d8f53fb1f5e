package scrubber

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type counter struct {
	n  atomic.Int64
	ok bool
}

func (c *counter) Repair() bool {
	c.n.Add(1)
	return c.ok
}

func TestRegisterValidation(t *testing.T) {
	s := New(time.Second, quietLogger())

	if _, err := s.Register("zero", 0, func() bool { return true }); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("size 0 err = %v, want ErrInvalidSize", err)
	}
	if _, err := s.Register("nil", 4, nil); !errors.Is(err, ErrNilRepair) {
		t.Errorf("nil fn err = %v, want ErrNilRepair", err)
	}
	if _, err := s.RegisterTarget("nil target", 4, nil); !errors.Is(err, ErrNilRepair) {
		t.Errorf("nil target err = %v, want ErrNilRepair", err)
	}
}

func TestScrubOnceAndUnregister(t *testing.T) {
	s := New(time.Second, quietLogger())
	good := &counter{ok: true}
	bad := &counter{ok: false}

	hg, err := s.RegisterTarget("good", 4, good)
	if err != nil {
		t.Fatalf("RegisterTarget: %v", err)
	}
	hb, _ := s.RegisterTarget("bad", 8, bad)
	if hb <= hg {
		t.Errorf("handles not increasing: %d then %d", hg, hb)
	}

	report := s.ScrubOnce()
	if report.Regions != 2 || report.Failed != 1 {
		t.Errorf("report = %+v, want 2 regions, 1 failed", report)
	}

	regions := s.Regions()
	if len(regions) != 2 {
		t.Fatalf("Regions = %d, want 2", len(regions))
	}
	if regions[1].Name != "bad" || regions[1].Failures != 1 || regions[1].LastOK {
		t.Errorf("bad region = %+v", regions[1])
	}
	if regions[0].Scrubs != 1 || !regions[0].LastOK {
		t.Errorf("good region = %+v", regions[0])
	}

	if !s.Unregister(hb) {
		t.Error("Unregister(bad) = false")
	}
	if s.Unregister(hb) {
		t.Error("second Unregister(bad) = true")
	}
	s.ScrubOnce()
	if good.n.Load() != 2 || bad.n.Load() != 1 {
		t.Errorf("calls good=%d bad=%d, want 2 and 1", good.n.Load(), bad.n.Load())
	}
}

func TestRepairMayMutateRegistry(t *testing.T) {
	s := New(time.Second, quietLogger())

	var self Handle
	self, _ = s.Register("once", 1, func() bool {
		s.Unregister(self)
		s.Register("added", 1, func() bool { return true })
		return true
	})

	done := make(chan CycleReport, 1)
	go func() { done <- s.ScrubOnce() }()

	select {
	case report := <-done:
		if report.Regions != 1 {
			t.Errorf("Regions = %d, want 1", report.Regions)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ScrubOnce deadlocked when a repair touched the registry")
	}

	regions := s.Regions()
	if len(regions) != 1 || regions[0].Name != "added" {
		t.Errorf("Regions = %+v, want only 'added'", regions)
	}
}

func TestStartStop(t *testing.T) {
	s := New(5*time.Millisecond, quietLogger())
	c := &counter{ok: true}
	s.RegisterTarget("c", 4, c)

	cycles := make(chan CycleReport, 64)
	s.OnCycle(func(r CycleReport) {
		select {
		case cycles <- r:
		default:
		}
	})

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start err = %v, want ErrRunning", err)
	}
	if !s.Running() {
		t.Error("Running = false after Start")
	}

	for i := 0; i < 3; i++ {
		select {
		case <-cycles:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d cycles observed", i)
		}
	}

	s.Stop()
	s.Stop()
	if s.Running() {
		t.Error("Running = true after Stop")
	}

	after := c.n.Load()
	time.Sleep(30 * time.Millisecond)
	if c.n.Load() != after {
		t.Error("repairs continued after Stop")
	}

	if err := s.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	s.Stop()
}

func TestStopInterruptsLongInterval(t *testing.T) {
	s := New(time.Hour, quietLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop waited for the full interval")
	}
}

func TestHaltFromRepair(t *testing.T) {
	s := New(time.Millisecond, quietLogger())
	var calls atomic.Int64
	s.Register("self-halting", 4, func() bool {
		calls.Add(1)
		s.Halt()
		return true
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.Running() {
		if time.Now().After(deadline) {
			t.Fatal("scrubber still running after Halt")
		}
		time.Sleep(time.Millisecond)
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop after Halt blocked")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("repair calls = %d, want 1", got)
	}
	if s.Halt() {
		t.Error("Halt on a halted scrubber reported running")
	}
}

func TestSetInterval(t *testing.T) {
	s := New(0, quietLogger())
	if s.Interval() != DefaultInterval {
		t.Errorf("Interval = %v, want default %v", s.Interval(), DefaultInterval)
	}
	s.SetInterval(250 * time.Millisecond)
	if s.Interval() != 250*time.Millisecond {
		t.Errorf("Interval = %v, want 250ms", s.Interval())
	}
	s.SetInterval(-1)
	if s.Interval() != 250*time.Millisecond {
		t.Error("non-positive interval was applied")
	}
}

func TestConcurrentRegister(t *testing.T) {
	s := New(time.Millisecond, quietLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := s.Register("r", 1, func() bool { return true })
			if err != nil {
				t.Errorf("Register: %v", err)
				return
			}
			s.ScrubOnce()
			s.Unregister(h)
		}()
	}
	wg.Wait()

	if n := len(s.Regions()); n != 0 {
		t.Errorf("Regions = %d after all unregistered, want 0", n)
	}
}
