package engine

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/kv"
	"github.com/roach88/tether/internal/mutation"
	"github.com/roach88/tether/internal/reconcile"
)

// pipelines are the background goroutines of a started DataStore.
type pipelines struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	session *reconcile.Session
}

func (p *pipelines) current() *reconcile.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

func errClosed() error {
	return ir.NewInvalidOperationError("datastore is closed")
}

// Start opens storage if needed, resets mutations left in process by a
// previous run and starts the sender and the reconciliation session.
// Starting a started or local-only DataStore only ensures storage is open.
func (d *DataStore) Start(ctx context.Context) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	if _, err := d.storage(ctx); err != nil {
		return err
	}
	if d.run != nil {
		return nil
	}
	if d.LocalOnly() {
		d.logger.Info("datastore started local-only")
		return nil
	}

	released, err := d.queue.Recover(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p := &pipelines{cancel: cancel}

	sender := mutation.NewSender(d.queue, d.channel, d.hub,
		append([]mutation.SenderOption{mutation.WithSenderLogger(d.logger)}, d.senderOpts...)...)
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		if err := sender.Run(runCtx); err != nil {
			d.logger.Error("mutation sender stopped", "error", err)
		}
	}()
	go func() {
		defer p.wg.Done()
		d.superviseSession(runCtx, p)
	}()

	d.run = p
	d.logger.Info("datastore started", "path", d.path, "released", released)
	return nil
}

// superviseSession runs sessions until ctx ends, replacing a failed one
// after the restart delay. Every replacement redoes the initial sync unless
// the last one is recent.
func (d *DataStore) superviseSession(ctx context.Context, p *pipelines) {
	opts := append([]reconcile.SessionOption{reconcile.WithSessionLogger(d.logger)}, d.sessionOpts...)
	for {
		s := reconcile.NewSession(d.channel, d.rec, d.kv, d.hub, opts...)
		p.mu.Lock()
		p.session = s
		p.mu.Unlock()

		err := s.Run(ctx)
		if err == nil || ctx.Err() != nil || d.restartDelay < 0 {
			return
		}
		d.logger.Warn("reconciliation session failed, restarting", "delay", d.restartDelay, "error", err)

		t := time.NewTimer(d.restartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Stop stops the background pipelines and waits for them. A mutation being
// delivered is released back to the queue. Stopping a stopped DataStore is
// a no-op.
func (d *DataStore) Stop() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	d.stopLocked()
}

func (d *DataStore) stopLocked() {
	if d.run == nil {
		return
	}
	d.run.cancel()
	d.run.wg.Wait()
	d.run = nil
	d.logger.Info("datastore stopped")
}

// Running reports whether the background pipelines are running.
func (d *DataStore) Running() bool {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	return d.run != nil
}

// SyncState returns the state of the current reconciliation session, or
// notStarted when none runs.
func (d *DataStore) SyncState() reconcile.State {
	d.lifecycle.Lock()
	p := d.run
	d.lifecycle.Unlock()
	if p == nil {
		return reconcile.StateNotStarted
	}
	if s := p.current(); s != nil {
		return s.State()
	}
	return reconcile.StateNotStarted
}

// Clear stops the DataStore and deletes every record, queued mutation and
// sync metadata. The next Start performs a full initial sync. Clear does
// not restart the pipelines.
func (d *DataStore) Clear(ctx context.Context) error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	d.stopLocked()
	st, err := d.storage(ctx)
	if err != nil {
		return err
	}
	if err := st.Clear(ctx); err != nil {
		return err
	}
	for _, key := range []string{kv.KeyInitialSyncDone, kv.KeyLastSync} {
		if err := d.kv.Delete(key); err != nil {
			return ir.NewStorageError("clear "+key, false, err)
		}
	}
	d.logger.Info("datastore cleared")
	return nil
}

// Close stops the DataStore, closes storage and ends every subscription.
func (d *DataStore) Close() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	d.stopLocked()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.hub.Close()
	if d.st != nil {
		return d.st.Close()
	}
	return nil
}
