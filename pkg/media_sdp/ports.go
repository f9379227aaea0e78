package media_sdp

import (
	"sync"
)

// portAllocator выделяет четные RTP порты из диапазона; нечетный остается для RTCP
type portAllocator struct {
	min, max int
	used     map[int]bool
	mutex    sync.Mutex
	next     int
}

func newPortAllocator(min, max int) *portAllocator {
	if min%2 != 0 {
		min++
	}
	return &portAllocator{
		min:  min,
		max:  max,
		used: make(map[int]bool),
		next: min,
	}
}

// Allocate выделяет свободный порт
func (pa *portAllocator) Allocate() (int, error) {
	pa.mutex.Lock()
	defer pa.mutex.Unlock()

	start := pa.next
	for {
		port := pa.next
		pa.next += 2
		if pa.next+1 > pa.max {
			pa.next = pa.min
		}

		if !pa.used[port] {
			pa.used[port] = true
			return port, nil
		}

		// Если сделали полный круг, все порты заняты
		if pa.next == start {
			return 0, NewSDPError(ErrorCodePortsExhausted, "",
				"все порты в диапазоне %d-%d заняты", pa.min, pa.max)
		}
	}
}

// Release освобождает порт
func (pa *portAllocator) Release(port int) {
	pa.mutex.Lock()
	defer pa.mutex.Unlock()
	delete(pa.used, port)
}

// InUse количество занятых портов
func (pa *portAllocator) InUse() int {
	pa.mutex.Lock()
	defer pa.mutex.Unlock()
	return len(pa.used)
}
