// Package workerpool provides the shared task pool the piece pipeline and
// the batch uploader fan work out on.
package workerpool

import (
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/multierr"
)

type WorkerPool struct {
	config    Config
	taskQueue chan task
	closeOnce sync.Once
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

type task struct {
	run  func() interface{}
	room *Room
}

// Room collects the results of one logical group of tasks.
type Room struct {
	resultChan chan interface{}
	wg         sync.WaitGroup
	wp         *WorkerPool
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan task, config.GlobalBuffer),
	}
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	for t := range wp.taskQueue {
		t.room.resultChan <- t.run()
		t.room.wg.Done()
	}
}

// CreateRoom returns a room buffered for up to size results.
func (wp *WorkerPool) CreateRoom(size int) *Room {
	return &Room{
		resultChan: make(chan interface{}, size),
		wp:         wp,
	}
}

// NewTaskWaitForFreeSlot enqueues a task, blocking while the global buffer
// is full.
func (ro *Room) NewTaskWaitForFreeSlot(job func() interface{}) {
	ro.wg.Add(1)
	ro.wp.taskQueue <- task{run: job, room: ro}
}

// NewTask enqueues a task or reports that a buffer is full.
func (ro *Room) NewTask(job func() interface{}) error {
	if len(ro.wp.taskQueue) == cap(ro.wp.taskQueue) {
		return fmt.Errorf("global task buffer is full")
	}
	if len(ro.resultChan) == cap(ro.resultChan) {
		return fmt.Errorf("room result buffer is full")
	}
	ro.NewTaskWaitForFreeSlot(job)
	return nil
}

// Collect waits for every enqueued task and returns all results.
func (ro *Room) Collect() []interface{} {
	go func() {
		ro.wg.Wait()
		close(ro.resultChan)
	}()

	results := make([]interface{}, 0)
	for result := range ro.resultChan {
		results = append(results, result)
	}
	return results
}

// CollectErr waits for every task and returns the errors among the results
// combined into one; nil when all tasks succeeded.
func (ro *Room) CollectErr() error {
	var combined error
	for _, result := range ro.Collect() {
		if err, ok := result.(error); ok {
			combined = multierr.Append(combined, err)
		}
	}
	return combined
}

// Close stops the workers once all queued tasks drain.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		close(wp.taskQueue)
	})
}
