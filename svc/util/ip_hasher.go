package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrHasherStopped   = errors.New("IP hasher stopped")
	ErrInvalidInterval = errors.New("rotation interval must be >= 15 minutes")
)

// IPHasher turns client addresses into HMACs keyed per rotation epoch, so
// stored hashes stop being linkable once the epoch rolls over.
type IPHasher struct {
	interval time.Duration
	mu       sync.Mutex
	pepper   []byte
	epoch    int64
	key      []byte
	stopped  bool
	now      func() time.Time
}

func NewIPHasher(pepper []byte, interval time.Duration) (*IPHasher, error) {
	if interval < 15*time.Minute {
		return nil, ErrInvalidInterval
	}
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	return &IPHasher{
		interval: interval,
		pepper:   append([]byte(nil), pepper...),
		epoch:    -1,
		now:      time.Now,
	}, nil
}

func (h *IPHasher) HashIP(ip string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return "", ErrHasherStopped
	}
	epoch := h.now().Unix() / int64(h.interval.Seconds())
	if epoch != h.epoch {
		Wipe(h.key)
		mac := hmac.New(sha256.New, h.pepper)
		fmt.Fprintf(mac, "ip-hasher-v1:%d", epoch)
		h.key = mac.Sum(nil)
		h.epoch = epoch
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(ip))
	return fmt.Sprintf("hmac-sha256:%d:%s", epoch, hex.EncodeToString(mac.Sum(nil))), nil
}

func (h *IPHasher) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	Wipe(h.key)
	Wipe(h.pepper)
	h.key, h.pepper = nil, nil
}
