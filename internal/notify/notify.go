package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Message is one best-effort notification event.
type Message struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Driver delivers a single message. Implementations are demo/logging stubs;
// real email/SMS delivery lives outside this service.
type Driver interface {
	Deliver(msg Message) error
}

// LogDriver writes notifications to the service log.
type LogDriver struct {
	Log *zap.Logger
}

func (d *LogDriver) Deliver(msg Message) error {
	d.Log.Info("notification",
		zap.String("event", msg.Event),
		zap.Time("timestamp", msg.Timestamp),
		zap.Any("payload", msg.Payload),
	)
	return nil
}

// FileDriver appends JSON lines to a log file.
type FileDriver struct {
	Path string
	mu   sync.Mutex
}

func (d *FileDriver) Deliver(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.OpenFile(d.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open notify log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append notify log: %w", err)
	}
	return nil
}

// Dispatcher decouples notification delivery from the request path: Notify
// enqueues and returns immediately, a single worker drains the queue. A full
// queue drops the message with a log line rather than blocking a booking.
type Dispatcher struct {
	driver Driver
	log    *zap.Logger
	queue  chan Message
	done   chan struct{}
	once   sync.Once
}

func NewDispatcher(driver Driver, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		driver: driver,
		log:    log,
		queue:  make(chan Message, 256),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Notify(event string, payload map[string]any) {
	msg := Message{Event: event, Timestamp: time.Now(), Payload: payload}
	select {
	case d.queue <- msg:
	default:
		d.log.Warn("notification queue full, dropping", zap.String("event", event))
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for msg := range d.queue {
		if err := d.driver.Deliver(msg); err != nil {
			d.log.Warn("notification delivery failed",
				zap.String("event", msg.Event),
				zap.Error(err),
			)
		}
	}
}

// Close drains outstanding messages and stops the worker.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.queue)
	})
	<-d.done
}
