package server

import (
	"sync"

	"payoutdesk/internal/wallet"
)

// providerLeases counts payouts still driving a wallet provider so that a
// disconnect does not close it under a receipt poll. A retired provider is
// closed when its last lease ends.
type providerLeases struct {
	mu       sync.Mutex
	active   map[wallet.Provider]int
	retiring map[wallet.Provider]bool
	close    func(wallet.Provider)
}

func newProviderLeases(closeFn func(wallet.Provider)) *providerLeases {
	return &providerLeases{
		active:   make(map[wallet.Provider]int),
		retiring: make(map[wallet.Provider]bool),
		close:    closeFn,
	}
}

// lease marks p in use until the returned func is called.
func (l *providerLeases) lease(p wallet.Provider) func() {
	if p == nil {
		return func() {}
	}
	l.mu.Lock()
	l.active[p]++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.active[p]--
			idle := l.active[p] == 0
			closing := idle && l.retiring[p]
			if idle {
				delete(l.active, p)
				delete(l.retiring, p)
			}
			l.mu.Unlock()
			if closing {
				l.close(p)
			}
		})
	}
}

// retire closes p now, or after its last lease when payouts still use it.
func (l *providerLeases) retire(p wallet.Provider) {
	if p == nil {
		return
	}
	l.mu.Lock()
	busy := l.active[p] > 0
	if busy {
		l.retiring[p] = true
	}
	l.mu.Unlock()
	if !busy {
		l.close(p)
	}
}
