package share

import (
	"context"
	"sync"
)

// OnceActivateHandler is called exactly once, with shutdown paused, to activate an
// object. A non-nil return prevents activation and starts shutdown with that error.
type OnceActivateHandler func() error

// OnceShutdownHandler is implemented by the object managed by ShutdownHelper
type OnceShutdownHandler interface {
	// HandleOnceShutdown is called exactly once, in its own goroutine. completionErr is
	// advisory; the returned value becomes the final completion status.
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is implemented by objects that shut down asynchronously
type AsyncShutdowner interface {
	// StartShutdown schedules shutdown. Later calls have no effect.
	StartShutdown(completionErr error)

	// ShutdownDoneChan is closed once shutdown is complete
	ShutdownDoneChan() <-chan struct{}

	IsDoneShutdown() bool

	// WaitShutdown blocks until shutdown is complete and returns the final status
	WaitShutdown() error
}

// ShutdownHelper manages once-only asynchronous shutdown of an object that
// implements OnceShutdownHandler. It is meant to be embedded.
type ShutdownHelper struct {
	Logger

	// Lock guards the helper state. Embedding objects may use it for their own
	// fields as well, but must never hold it across a call into the helper.
	Lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	shutdownPauseCount  int
	isActivated         bool
	isScheduledShutdown bool
	isStartedShutdown   bool
	isDoneShutdown      bool

	// shutdownErr is the advisory status until the handler returns, then the final one
	shutdownErr error

	shutdownStartedChan     chan struct{}
	shutdownHandlerDoneChan chan struct{}
	shutdownDoneChan        chan struct{}

	// wg is waited on after the handler returns and before shutdown is done
	wg sync.WaitGroup
}

// InitShutdownHelper initializes a ShutdownHelper in place
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDoneChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

// asyncDoStartedShutdown runs the shutdown sequence in the background. The caller
// must already have set isStartedShutdown.
func (h *ShutdownHelper) asyncDoStartedShutdown() {
	h.TLogf("->shutdownStarted")
	close(h.shutdownStartedChan)
	go func() {
		err := h.shutdownHandler.HandleOnceShutdown(h.shutdownErr)
		h.Lock.Lock()
		h.shutdownErr = err
		h.Lock.Unlock()
		close(h.shutdownHandlerDoneChan)
		h.wg.Wait()
		h.Lock.Lock()
		h.isDoneShutdown = true
		h.Lock.Unlock()
		h.TLogf("->shutdownDone")
		close(h.shutdownDoneChan)
	}()
}

// PauseShutdown prevents a scheduled shutdown from starting until the matching
// ResumeShutdown. Fails if shutdown has already started.
func (h *ShutdownHelper) PauseShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.isStartedShutdown {
		return h.Errorf("shutdown already started; cannot pause")
	}
	h.shutdownPauseCount++
	return nil
}

// ResumeShutdown undoes one PauseShutdown. If the count reaches zero and shutdown
// was scheduled meanwhile, shutdown starts now.
func (h *ShutdownHelper) ResumeShutdown() {
	h.Lock.Lock()
	if h.shutdownPauseCount < 1 {
		h.Lock.Unlock()
		h.Panicf("ResumeShutdown before PauseShutdown")
		return
	}
	h.shutdownPauseCount--
	doShutdownNow := h.shutdownPauseCount == 0 && h.isScheduledShutdown && !h.isStartedShutdown
	if doShutdownNow {
		h.isStartedShutdown = true
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// IsActivated returns true if this helper has been activated
func (h *ShutdownHelper) IsActivated() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isActivated
}

// Activate sets the activated flag. Fails if shutdown has already started.
func (h *ShutdownHelper) Activate() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if !h.isActivated {
		if h.isStartedShutdown {
			return h.Errorf("cannot activate; shutdown already initiated")
		}
		h.isActivated = true
	}
	return nil
}

// DoOnceActivate runs onceActivateHandler with shutdown paused and activates the
// object if it succeeds. On failure shutdown is started with the handler's error
// and, if waitOnFail is set, waited for. Already-activated objects return nil
// immediately.
func (h *ShutdownHelper) DoOnceActivate(onceActivateHandler OnceActivateHandler, waitOnFail bool) error {
	h.Lock.Lock()
	if h.isActivated {
		h.Lock.Unlock()
		return nil
	}
	if h.isStartedShutdown {
		h.Lock.Unlock()
		var err error
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("shutdown already started; cannot activate")
		}
		return err
	}
	h.shutdownPauseCount++
	h.Lock.Unlock()

	err := onceActivateHandler()
	if err == nil {
		err = h.Activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.ResumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// ShutdownOnContext starts shutdown with ctx.Err() when ctx is done. It does not block.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsStartedShutdown returns true once shutdown has begun
func (h *ShutdownHelper) IsStartedShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isStartedShutdown
}

// IsScheduledShutdown returns true once StartShutdown has been called, even if
// shutdown is still paused
func (h *ShutdownHelper) IsScheduledShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isScheduledShutdown
}

// IsDoneShutdown returns true if shutdown is complete
func (h *ShutdownHelper) IsDoneShutdown() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.isDoneShutdown
}

// AddShutdownWork registers one unit of background work that shutdown must wait
// for. It returns false, without registering anything, if shutdown has already
// started. Each true return must be paired with a call to ShutdownWG().Done().
func (h *ShutdownHelper) AddShutdownWork() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.isScheduledShutdown {
		return false
	}
	h.wg.Add(1)
	return true
}

// ShutdownWG returns the WaitGroup that final shutdown waits on
func (h *ShutdownHelper) ShutdownWG() *sync.WaitGroup {
	return &h.wg
}

// ShutdownStartedChan returns a channel that is closed as soon as shutdown starts
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownDoneChan returns a channel that is closed after shutdown is done
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// WaitShutdown waits for shutdown to complete and returns the final status. It does
// not initiate shutdown.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.shutdownDoneChan
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.shutdownErr
}

// Shutdown starts shutdown if needed, waits for it, and returns the final status
func (h *ShutdownHelper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// StartShutdown schedules asynchronous shutdown. Only the first call has any
// effect; completionErr is advisory. If shutdown is paused, the start is deferred
// to the final ResumeShutdown. The sequence is: HandleOnceShutdown, then
// shutdown of registered children, then waiting on ShutdownWG, then done.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	var doShutdownNow bool
	h.Lock.Lock()
	if !h.isScheduledShutdown {
		h.shutdownErr = completionErr
		h.isScheduledShutdown = true
		doShutdownNow = h.shutdownPauseCount == 0
		h.isStartedShutdown = doShutdownNow
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// Close shuts down with a nil advisory status and returns the final status
func (h *ShutdownHelper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChild registers a child that is shut down after HandleOnceShutdown
// returns, and waited for before this object's shutdown is complete. A child that
// finishes on its own is simply released.
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownHandlerDoneChan:
			h.Lock.Lock()
			err := h.shutdownErr
			h.Lock.Unlock()
			child.StartShutdown(err)
			child.WaitShutdown()
		}
	}()
}
