package pagedb

import "time"

// flusher periodically calls fn until closed.
type flusher struct {
	stop chan struct{}
	done chan struct{}
}

func startFlusher(interval time.Duration, fn func()) *flusher {
	f := &flusher{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(f.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-f.stop:
				return
			case <-t.C:
				fn()
			}
		}
	}()
	return f
}

// close stops the worker and waits for an in-flight call to return.
func (f *flusher) close() {
	close(f.stop)
	<-f.done
}
