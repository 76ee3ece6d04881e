package system

import (
	"context"
	"fmt"
	"testing"
)

type recordingService struct {
	name     string
	events   *[]string
	startErr error
}

func (s *recordingService) Name() string { return s.name }

func (s *recordingService) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	*s.events = append(*s.events, "start:"+s.name)
	return nil
}

func (s *recordingService) Stop(context.Context) error {
	*s.events = append(*s.events, "stop:"+s.name)
	return nil
}

func TestManagerStartStopOrder(t *testing.T) {
	var events []string
	m := NewManager()
	for _, name := range []string{"a", "b", "c"} {
		if err := m.Register(&recordingService{name: name, events: &events}); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	want := []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, events[i], want[i])
		}
	}
}

func TestManagerRejectsDuplicateNames(t *testing.T) {
	var events []string
	m := NewManager()
	if err := m.Register(&recordingService{name: "dup", events: &events}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Register(&recordingService{name: "dup", events: &events}); err == nil {
		t.Error("Register() should reject duplicate name")
	}
}

func TestManagerStartFailureUnwindsStarted(t *testing.T) {
	var events []string
	m := NewManager()
	if err := m.Register(&recordingService{name: "ok", events: &events}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Register(&recordingService{name: "bad", events: &events, startErr: fmt.Errorf("boom")}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start() should propagate service failure")
	}

	want := []string{"start:ok", "stop:ok"}
	if len(events) != len(want) || events[0] != want[0] || events[1] != want[1] {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestNoopService(t *testing.T) {
	svc := NoopService{ServiceName: "noop"}
	if svc.Name() != "noop" {
		t.Errorf("Name() = %s, want noop", svc.Name())
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Errorf("Start() error = %v", err)
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
