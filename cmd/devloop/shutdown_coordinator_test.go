package main

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestShutdownCoordinatorRunsInOrder(t *testing.T) {
	coordinator := newShutdownCoordinator(nil)
	order := []string{}

	coordinator.Add("trigger", func(context.Context) error {
		order = append(order, "trigger")
		return nil
	})
	coordinator.Add("watcher", func(context.Context) error {
		order = append(order, "watcher")
		return errors.New("fail")
	})
	coordinator.Add("servers", func(context.Context) error {
		order = append(order, "servers")
		return nil
	})

	err := coordinator.Run(context.Background())
	if err == nil {
		t.Fatalf("expected shutdown error")
	}
	if !strings.Contains(err.Error(), "watcher: fail") {
		t.Fatalf("expected phase name in error, got %v", err)
	}

	expected := []string{"trigger", "watcher", "servers"}
	if !reflect.DeepEqual(order, expected) {
		t.Fatalf("expected order %v, got %v", expected, order)
	}
}

func TestShutdownCoordinatorRunsOnce(t *testing.T) {
	coordinator := newShutdownCoordinator(nil)
	calls := 0
	coordinator.Add("bus", func(context.Context) error {
		calls++
		return nil
	})
	coordinator.Add("ignored", nil)

	_ = coordinator.Run(context.Background())
	_ = coordinator.Run(context.Background())
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}
