package tunnel

import "time"

// keepalive calls send on every tick until halted.
type keepalive struct {
	stop chan struct{}
	done chan struct{}
}

func startKeepalive(interval time.Duration, send func()) *keepalive {
	k := &keepalive{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(k.done)
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-k.stop:
				return
			case <-tick.C:
				send()
			}
		}
	}()
	return k
}

// halt stops the ticker and waits for an in-flight send to finish.
// Safe on a nil keepalive; must be called at most once.
func (k *keepalive) halt() {
	if k == nil {
		return
	}
	close(k.stop)
	<-k.done
}
