package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"clinicbook/backend/internal/notify"
)

func TestDrain_NotificationsFromInFlightRequestsAreDelivered(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	var mu sync.Mutex
	var delivered []notify.Event
	sender := notify.SenderFunc(func(ctx context.Context, ev notify.Event) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, ev)
		return nil
	})
	dispatcher := notify.NewDispatcher(sender, notify.DispatcherConfig{Workers: 1, QueueSize: 4}, log, nil)
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatched := make(chan struct{})
	go func() {
		_ = dispatcher.Run(dispatchCtx)
		close(dispatched)
	}()

	entered := make(chan struct{})
	release := make(chan struct{})
	notifyErr := make(chan error, 1)
	hs := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		notifyErr <- dispatcher.Notify(r.Context(), notify.Event{Type: notify.EventBooked, AppointmentID: uuid.New()})
		w.WriteHeader(http.StatusCreated)
	})}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = hs.Serve(lis) }()

	respCode := make(chan int, 1)
	go func() {
		resp, err := http.Post("http://"+lis.Addr().String()+"/appointments", "application/json", nil)
		if err != nil {
			respCode <- 0
			return
		}
		_ = resp.Body.Close()
		respCode <- resp.StatusCode
	}()
	<-entered

	drained := make(chan struct{})
	go func() {
		drain(log, hs, grpc.NewServer(), 5*time.Second, stopDispatch)
		close(drained)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-notifyErr)
	assert.Equal(t, http.StatusCreated, <-respCode)
	<-drained
	<-dispatched

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, delivered, 1)
}
