package channels

import (
	"sync"
	"testing"

	"github.com/moziai/mozi/internal/bus"
)

func TestBaseAdapterStatusConcurrentAccess(t *testing.T) {
	a := NewBaseAdapter("test", "Test", nil, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if i%2 == 0 {
				a.SetStatus(bus.StatusConnecting)
			} else {
				a.SetStatus(bus.StatusConnected)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = a.Status()
		}
	}()
	wg.Wait()

	a.SetStatus(bus.StatusDisconnected)
	if got := a.Status(); got != bus.StatusDisconnected {
		t.Errorf("Status() = %q after final SetStatus", got)
	}
}

func TestBaseAdapterStatusObserver(t *testing.T) {
	a := NewBaseAdapter("test", "Test", nil, nil)

	var mu sync.Mutex
	var seen []bus.ChannelStatus
	a.OnStatusChange(func(s bus.ChannelStatus) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	a.SetStatus(bus.StatusConnecting)
	a.SetStatus(bus.StatusConnected)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != bus.StatusConnecting || seen[1] != bus.StatusConnected {
		t.Errorf("observer saw %v", seen)
	}
}
