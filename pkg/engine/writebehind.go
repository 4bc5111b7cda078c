package engine

import (
	"context"
	"log"
	"time"
)

// WriteBehindExposures keeps the allocation hot path in memory and
// mirrors exposure facts to a durable sink (Redis) from a background
// goroutine. Reads and first-writes never touch the network; the mirror
// is best-effort, so a lost write costs durability, never an allocation.
// After a restart the memory front starts empty and the deterministic
// allocator re-derives the same variants, rebuilding the facts as
// subjects return.
type WriteBehindExposures struct {
	mem   *MemoryExposures
	sink  ExposureStore
	queue chan exposureWrite
	stop  chan struct{}
	done  chan struct{}
}

type exposureWrite struct {
	expID     string
	subjectID string
	variantID string
	at        time.Time
}

// NewWriteBehindExposures fronts sink with an in-memory store and starts
// the mirror goroutine. buffer bounds the number of pending mirror
// writes; overflow is dropped with a log line.
func NewWriteBehindExposures(sink ExposureStore, buffer int) *WriteBehindExposures {
	if buffer <= 0 {
		buffer = 4096
	}
	w := &WriteBehindExposures{
		mem:   NewMemoryExposures(),
		sink:  sink,
		queue: make(chan exposureWrite, buffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go w.mirror()
	return w
}

func (w *WriteBehindExposures) mirror() {
	defer close(w.done)
	for {
		select {
		case wr := <-w.queue:
			w.flush(wr)
		case <-w.stop:
			// Drain what is already queued, then exit.
			for {
				select {
				case wr := <-w.queue:
					w.flush(wr)
				default:
					return
				}
			}
		}
	}
}

func (w *WriteBehindExposures) flush(wr exposureWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := w.sink.Put(ctx, wr.expID, wr.subjectID, wr.variantID, wr.at); err != nil {
		log.Printf("exposures: mirror %s/%s: %v", wr.expID, wr.subjectID, err)
	}
}

// Close stops the mirror after draining queued writes.
func (w *WriteBehindExposures) Close() {
	close(w.stop)
	<-w.done
}

func (w *WriteBehindExposures) Get(ctx context.Context, expID, subjectID string) (string, bool, error) {
	return w.mem.Get(ctx, expID, subjectID)
}

func (w *WriteBehindExposures) Put(ctx context.Context, expID, subjectID, variantID string, at time.Time) (bool, string, error) {
	created, stored, err := w.mem.Put(ctx, expID, subjectID, variantID, at)
	if err != nil || !created {
		return created, stored, err
	}
	select {
	case w.queue <- exposureWrite{expID: expID, subjectID: subjectID, variantID: variantID, at: at}:
	default:
		log.Printf("exposures: mirror queue full, dropping %s/%s", expID, subjectID)
	}
	return created, stored, nil
}

// Purge clears both tiers. Archival is not a hot path, so the sink purge
// runs inline.
func (w *WriteBehindExposures) Purge(ctx context.Context, expID string) error {
	if err := w.mem.Purge(ctx, expID); err != nil {
		return err
	}
	return w.sink.Purge(ctx, expID)
}
