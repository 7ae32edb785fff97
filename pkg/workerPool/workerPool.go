package workerpool

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

var (
	ErrGlobalBufferFull = errors.New("workerpool: global buffer is full")
	ErrTaskPanicked     = errors.New("workerpool: task panicked")
)

// WorkerPool runs tasks on a fixed set of goroutines. Tasks are grouped in
// rooms; a room is the join point for the tasks submitted to it.
type WorkerPool struct {
	config    Config
	taskQueue chan Task
	closeOnce sync.Once
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Room collects the errors of the tasks submitted to it.
type Room struct {
	wg       sync.WaitGroup
	errMutex sync.Mutex
	errs     []error
	wp       *WorkerPool
}

type Task struct {
	run  func() error
	room *Room
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU()
	}

	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = config.WorkerCount * 4
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan Task, config.GlobalBuffer),
	}

	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

// WorkerCount is the number of goroutines serving the pool.
func (wp *WorkerPool) WorkerCount() int {
	return wp.config.WorkerCount
}

func (wp *WorkerPool) worker() {
	for t := range wp.taskQueue {
		t.room.record(t.execute())
		t.room.wg.Done()
	}
}

func (t Task) execute() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return t.run()
}

// Close stops the workers once queued tasks are drained. Submitting to a
// closed pool panics.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		close(wp.taskQueue)
	})
}

func (wp *WorkerPool) CreateRoom() *Room {
	return &Room{wp: wp}
}

// NewTaskWaitForFreeSlot queues job, blocking while the global buffer is full.
func (ro *Room) NewTaskWaitForFreeSlot(job func() error) {
	ro.wg.Add(1)
	ro.wp.taskQueue <- Task{run: job, room: ro}
}

// NewTask queues job or fails immediately when the global buffer is full.
func (ro *Room) NewTask(job func() error) error {
	ro.wg.Add(1)
	select {
	case ro.wp.taskQueue <- Task{run: job, room: ro}:
		return nil
	default:
		ro.wg.Done()
		return ErrGlobalBufferFull
	}
}

func (ro *Room) record(err error) {
	if err == nil {
		return
	}
	ro.errMutex.Lock()
	ro.errs = append(ro.errs, err)
	ro.errMutex.Unlock()
}

// Wait blocks until every task of the room has finished and returns their
// joined errors.
func (ro *Room) Wait() error {
	ro.wg.Wait()

	ro.errMutex.Lock()
	defer ro.errMutex.Unlock()
	return errors.Join(ro.errs...)
}
