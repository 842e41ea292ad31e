package ocrsdk

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const callbackQueueSize = 64

// Async exposes the Client through non-blocking calls that report completion
// via callbacks. Every call returns immediately and later fires exactly one
// of its two callbacks. All callbacks run on a single dispatcher goroutine
// owned by Async, so they never run concurrently with each other and may
// touch shared caller state without extra locking.
//
// No ordering is guaranteed between distinct calls.
type Async struct {
	client *Client
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	callbacks chan func()
	done      chan struct{}

	mu        sync.Mutex
	closed    bool
	inflight  sync.WaitGroup
	closeOnce sync.Once
}

// NewAsync starts the dispatcher for client.
func NewAsync(client *Client) *Async {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Async{
		client:    client,
		logger:    client.logger.Named("async"),
		ctx:       ctx,
		cancel:    cancel,
		callbacks: make(chan func(), callbackQueueSize),
		done:      make(chan struct{}),
	}
	go a.dispatch()
	return a
}

// Client returns the underlying blocking client.
func (a *Async) Client() *Client {
	return a.client
}

// ActivateInstallation is the non-blocking form of Client.ActivateInstallation.
// A cached identifier still completes through the dispatcher, without a network call.
func (a *Async) ActivateInstallation(deviceID string, force bool, success func(), failure func(error)) {
	if success == nil {
		success = func() {}
	}
	failure = failureOrNoop(failure)
	a.start(failure, func(ctx context.Context) func() {
		if err := a.client.ActivateInstallation(ctx, deviceID, force); err != nil {
			return func() { failure(err) }
		}
		return success
	})
}

// StartTask is the non-blocking form of Client.StartTask.
func (a *Async) StartTask(image []byte, params ProcessingParams, success func(*Task), failure func(error)) {
	failure = failureOrNoop(failure)
	a.start(failure, func(ctx context.Context) func() {
		task, err := a.client.StartTask(ctx, image, params)
		return deliver(task, err, success, failure)
	})
}

// GetTaskInfo is the non-blocking form of Client.GetTaskInfo.
func (a *Async) GetTaskInfo(taskID string, success func(*Task), failure func(error)) {
	failure = failureOrNoop(failure)
	a.start(failure, func(ctx context.Context) func() {
		task, err := a.client.GetTaskInfo(ctx, taskID)
		return deliver(task, err, success, failure)
	})
}

// DownloadRecognizedData is the non-blocking form of Client.DownloadRecognizedData.
func (a *Async) DownloadRecognizedData(resultURL string, success func([]byte), failure func(error)) {
	failure = failureOrNoop(failure)
	a.start(failure, func(ctx context.Context) func() {
		data, err := a.client.DownloadRecognizedData(ctx, resultURL)
		return deliver(data, err, success, failure)
	})
}

// Close cancels in-flight requests, waits until their failure callbacks have
// run, and stops the dispatcher. Calls made after Close fail with ErrClosed on
// the calling goroutine. Close must not be called from inside a callback.
func (a *Async) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()

		a.cancel()
		a.inflight.Wait()
		close(a.callbacks)
	})
	<-a.done
}

func (a *Async) start(failure func(error), work func(ctx context.Context) func()) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		failure(ErrClosed)
		return
	}
	a.inflight.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.inflight.Done()
		a.callbacks <- work(a.ctx)
	}()
}

func (a *Async) dispatch() {
	defer close(a.done)
	for cb := range a.callbacks {
		a.run(cb)
	}
}

func (a *Async) run(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("callback panicked", zap.Any("panic", r))
		}
	}()
	cb()
}

func deliver[T any](value T, err error, success func(T), failure func(error)) func() {
	if err != nil {
		return func() { failure(err) }
	}
	if success == nil {
		return func() {}
	}
	return func() { success(value) }
}

func failureOrNoop(failure func(error)) func(error) {
	if failure == nil {
		return func(error) {}
	}
	return failure
}
