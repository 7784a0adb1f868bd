package driftdb

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLiveNotifierWakesReplication(t *testing.T) {
	ctx := context.Background()

	serverDB := NewDatabase(Config{Name: "ws-server-" + t.Name()})
	t.Cleanup(func() { _ = serverDB.Destroy() })
	serverColl, err := serverDB.CreateCollection("docs", testSchema(), nil)
	if err != nil {
		t.Fatalf("create server collection: %v", err)
	}

	hub := NewLiveNotifyHub(serverColl, DefaultLiveNotifyConfig())
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	clientDB := newTestDatabase(t)
	clientColl := newTestCollection(t, clientDB)
	state, err := ReplicateCollection(ReplicationOptions{
		ReplicationIdentifier: "ws-chan",
		Collection:            clientColl,
		Pull: &PullOptions{Handler: func(context.Context, DocumentData) (*PullResult, error) {
			return &PullResult{}, nil
		}},
		Live:         true,
		LiveInterval: time.Hour,
		RetryTime:    time.Hour,
	})
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	defer state.Cancel()
	waitFor(t, 2*time.Second, func() bool { return state.RunCount() >= 1 }, "initial cycle")

	notifier := NewLiveNotifier(state, DefaultLiveNotifierConfig(wsURL))
	notifier.Start()
	defer notifier.Stop()
	waitFor(t, 3*time.Second, func() bool { return hub.ClientCount() == 1 }, "notifier to connect")

	baseline := state.RunCount()
	if _, err := serverColl.Insert(ctx, DocumentData{"id": "n1", "name": "new"}); err != nil {
		t.Fatalf("server insert: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return state.RunCount() > baseline }, "notification-driven cycle")
}

func TestLiveNotifyHubDropsDisconnectedClients(t *testing.T) {
	serverDB := NewDatabase(Config{Name: "ws-drop-" + t.Name()})
	t.Cleanup(func() { _ = serverDB.Destroy() })
	serverColl, err := serverDB.CreateCollection("docs", testSchema(), nil)
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}

	hub := NewLiveNotifyHub(serverColl, DefaultLiveNotifyConfig())
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	clientDB := newTestDatabase(t)
	clientColl := newTestCollection(t, clientDB)
	state, err := ReplicateCollection(ReplicationOptions{
		ReplicationIdentifier: "ws-drop-chan",
		Collection:            clientColl,
		Pull: &PullOptions{Handler: func(context.Context, DocumentData) (*PullResult, error) {
			return &PullResult{}, nil
		}},
		Live:         true,
		LiveInterval: time.Hour,
		RetryTime:    time.Hour,
	})
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	defer state.Cancel()

	notifier := NewLiveNotifier(state, DefaultLiveNotifierConfig(wsURL))
	notifier.Start()
	waitFor(t, 3*time.Second, func() bool { return hub.ClientCount() == 1 }, "connect")

	notifier.Stop()
	waitFor(t, 3*time.Second, func() bool { return hub.ClientCount() == 0 }, "disconnect")
}
