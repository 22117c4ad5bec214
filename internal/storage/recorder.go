package storage

import (
	"context"
	"time"

	"spawnscout/internal/catalog"
	logx "spawnscout/pkg/logx"
)

// Recorder decouples the visit path from persistence latency: writes are
// queued and flushed by a single background goroutine. Enqueue never blocks;
// when the queue is full the write is dropped and counted, because a missed
// write is an acceptable loss here and a stalled worker is not.
type Recorder struct {
	store Store
	log   logx.Logger

	queue   chan recorderItem
	dropped func() // optional metrics hook
}

type recorderItem struct {
	sp *catalog.SpawnPoint
	sg *Sighting
}

func NewRecorder(store Store, queueSize int, log logx.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = 512
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		store: store,
		log:   log,
		queue: make(chan recorderItem, queueSize),
	}
}

// OnDrop installs a callback invoked once per dropped write.
func (r *Recorder) OnDrop(fn func()) { r.dropped = fn }

// SaveSpawnPoint queues a spawn point upsert. No-op when storage is disabled.
func (r *Recorder) SaveSpawnPoint(sp catalog.SpawnPoint) {
	if r == nil || r.store == nil {
		return
	}
	r.enqueue(recorderItem{sp: &sp})
}

// SaveSighting queues a sighting append. No-op when storage is disabled.
func (r *Recorder) SaveSighting(sg Sighting) {
	if r == nil || r.store == nil {
		return
	}
	r.enqueue(recorderItem{sg: &sg})
}

func (r *Recorder) enqueue(it recorderItem) {
	select {
	case r.queue <- it:
	default:
		if r.dropped != nil {
			r.dropped()
		}
		r.log.Warn("persistence queue full; write dropped",
			logx.Int("queue_cap", cap(r.queue)),
		)
	}
}

// Run drains the queue until ctx is cancelled, then performs a final
// best-effort drain with a short deadline. Intended to run under the
// supervisor.
func (r *Recorder) Run(ctx context.Context) error {
	if r == nil || r.store == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			r.drainRemaining()
			return nil
		case it := <-r.queue:
			r.write(ctx, it)
		}
	}
}

func (r *Recorder) drainRemaining() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		select {
		case it := <-r.queue:
			r.write(ctx, it)
			if ctx.Err() != nil {
				return
			}
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, it recorderItem) {
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var err error
	switch {
	case it.sp != nil:
		err = r.store.SaveSpawnPoint(wctx, *it.sp)
	case it.sg != nil:
		err = r.store.SaveSighting(wctx, *it.sg)
	}
	if err != nil {
		if r.dropped != nil {
			r.dropped()
		}
		r.log.Warn("persistence write failed", logx.Err(err))
	}
}

// FlushCatalog persists a full catalog snapshot synchronously. Used by the
// maintenance cron and at shutdown.
func (r *Recorder) FlushCatalog(ctx context.Context, points []catalog.SpawnPoint) {
	if r == nil || r.store == nil {
		return
	}
	for _, sp := range points {
		if ctx.Err() != nil {
			return
		}
		if err := r.store.SaveSpawnPoint(ctx, sp); err != nil {
			r.log.Warn("catalog flush write failed", logx.String("spawn", sp.ID), logx.Err(err))
		}
	}
}
