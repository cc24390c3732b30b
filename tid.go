package main

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

const alpha = "234567abcdefghijklmnopqrstuvwxyz"

func s32encode(i uint64) string {
	var s string
	for i > 0 {
		c := i & 0x1f
		i = i >> 5
		s = alpha[c:c+1] + s
	}
	return s
}

// tidClock hands out sortable 13 character ids: 53 bits of microseconds
// followed by a 10 bit clock id. Ids from one clock strictly increase.
type tidClock struct {
	lk      sync.Mutex
	last    uint64
	clockID uint64
}

func newTidClock() *tidClock {
	return &tidClock{clockID: uint64(rand.Intn(1024))}
}

func (c *tidClock) Next() string {
	c.lk.Lock()
	defer c.lk.Unlock()

	t := uint64(time.Now().UnixMicro())
	if t <= c.last {
		t = c.last + 1
	}
	c.last = t

	s := s32encode((t&(1<<53-1))<<10 | c.clockID)
	if len(s) < 13 {
		s = strings.Repeat(alpha[:1], 13-len(s)) + s
	}
	return s
}
