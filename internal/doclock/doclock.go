// Package doclock implements the advisory document lock (spec §4.10):
// mutual exclusion expressed as a `locks` array on a row in the control
// database. Acquiring pushes a {ts, holder, ...core} entry conditionally on
// no existing lock whose core matches; releasing pulls by {holder, ...core}.
// A background goroutine renews the timestamp every LOCK_RENEW_INTERVAL_S
// so the server doesn't reap the lock as stale.
package doclock

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nogproject/nog/internal/codec"
	"github.com/nogproject/nog/internal/httpclient"
	"github.com/nogproject/nog/internal/nogerr"
)

// DefaultRenewInterval is LOCK_RENEW_INTERVAL_S.
const DefaultRenewInterval = 60 * time.Second

// DefaultExpireTimedelta is LOCK_EXPIRE_TIMEDELTA: the server reaps a lock
// whose timestamp is older than this. The client's renew loop only needs
// to out-pace it, not implement the reaping itself.
const DefaultExpireTimedelta = 5 * time.Minute

// Handle is an acquired lock. Call Release to give it up; it also stops
// the background renewal goroutine.
type Handle struct {
	client     *httpclient.Client
	path       string
	core       map[string]any
	holder     string
	renewEvery time.Duration

	stop   chan struct{}
	stopWg sync.WaitGroup
}

// Lock acquires a lock on path's `locks` array, pushing {ts, holder,
// ...core} conditionally on no existing entry whose core fields match.
// holder defaults to a fresh UUID if empty, exercising the same
// google/uuid dependency as internal/signer. Starts a renewal goroutine
// that re-ticks the timestamp every renewEvery (DefaultRenewInterval if
// zero) until Release is called or ctx is cancelled.
func Lock(ctx context.Context, client *httpclient.Client, path string, core map[string]any, holder string, renewEvery time.Duration) (*Handle, error) {
	if holder == "" {
		holder = uuid.NewString()
	}
	if renewEvery <= 0 {
		renewEvery = DefaultRenewInterval
	}

	h := &Handle{
		client:     client,
		path:       path,
		core:       core,
		holder:     holder,
		renewEvery: renewEvery,
		stop:       make(chan struct{}),
	}
	if err := h.acquire(ctx); err != nil {
		return nil, err
	}

	h.stopWg.Add(1)
	go h.renewLoop(ctx)
	return h, nil
}

func (h *Handle) acquire(ctx context.Context) error {
	body, err := codec.Transport(map[string]any{
		"push": mergeCore(map[string]any{"ts": nowUnix(), "holder": h.holder}, h.core),
		"cond": map[string]any{"noneMatching": map[string]any{"core": h.core}},
	})
	if err != nil {
		return nogerr.New("doclock.acquire", nogerr.Unknown, err)
	}
	status, _, err := h.client.Do(ctx, http.MethodPost, h.path+"/locks", body)
	if err != nil {
		return err
	}
	if status == http.StatusConflict {
		return nogerr.New("doclock.acquire", nogerr.CASConflict,
			fmt.Errorf("lock already held for core %v", h.core))
	}
	if status/100 != 2 {
		return nogerr.New("doclock.acquire", nogerr.Transport, fmt.Errorf("unexpected status %d", status))
	}
	return nil
}

// renew pushes a fresh timestamp for this holder's lock entry. Acquire and
// renew are idempotent under retry: both are scoped by holder, so a retried
// renew after a dropped response just re-sets the same timestamp (or a
// later one), never creating a duplicate entry.
func (h *Handle) renew(ctx context.Context) error {
	body, err := codec.Transport(map[string]any{"ts": nowUnix()})
	if err != nil {
		return nogerr.New("doclock.renew", nogerr.Unknown, err)
	}
	status, _, err := h.client.Do(ctx, http.MethodPatch, h.path+"/locks/"+h.holder, body)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return nogerr.New("doclock.renew", nogerr.Transport, fmt.Errorf("unexpected status %d", status))
	}
	return nil
}

func (h *Handle) renewLoop(ctx context.Context) {
	defer h.stopWg.Done()
	ticker := time.NewTicker(h.renewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.renew(ctx); err != nil {
				slog.Warn("failed to renew document lock", "path", h.path, "holder", h.holder, "error", err)
			}
		}
	}
}

// Release stops the renewal goroutine and pulls this holder's entry from
// the locks array. Idempotent under retry: a release that never got its
// response can be safely retried, since pulling an already-absent entry by
// holder is a no-op on the server.
func (h *Handle) Release(ctx context.Context) error {
	close(h.stop)
	h.stopWg.Wait()

	body, err := codec.Transport(map[string]any{
		"pull": mergeCore(map[string]any{"holder": h.holder}, h.core),
	})
	if err != nil {
		return nogerr.New("doclock.Release", nogerr.Unknown, err)
	}
	status, _, err := h.client.Do(ctx, http.MethodPost, h.path+"/locks/release", body)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return nogerr.New("doclock.Release", nogerr.Transport, fmt.Errorf("unexpected status %d", status))
	}
	return nil
}

func mergeCore(base, core map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(core))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range core {
		out[k] = v
	}
	return out
}

func nowUnix() int64 { return time.Now().Unix() }
