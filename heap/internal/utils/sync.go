package utils

import (
	"sync"
)

// OptionalMutex is a mutex that can be switched off for owners that guarantee external
// synchronization. The zero value locks.
type OptionalMutex struct {
	mutex    sync.Mutex
	disabled bool
}

func NewOptionalMutex(useMutex bool) OptionalMutex {
	return OptionalMutex{disabled: !useMutex}
}

func (m *OptionalMutex) Lock() {
	if !m.disabled {
		m.mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if !m.disabled {
		m.mutex.Unlock()
	}
}
