package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"pasteforge/svc/util"
)

const (
	maxPasswordLength = 1024
	keyLength         = 32
	// dummyHash keeps verification of malformed input as slow as a real one.
	dummyHash = "$argon2id$v=19$m=65536,t=1,p=1$ZHVtbXlzYWx0$ZHVtbXloYXNo"
)

var (
	ErrHasherStopped   = errors.New("hasher is shutting down")
	ErrHashQueueFull   = errors.New("hash queue full")
	ErrPasswordTooLong = errors.New("password too long")
)

// Hasher hashes account and paste passwords with argon2id on a bounded
// worker pool. Passwords are HMAC'd with a server pepper first. Legacy
// bcrypt hashes verify but always report that they need a rehash.
type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	minVerify   time.Duration

	mu     sync.RWMutex
	pepper []byte

	jobs     chan hashJob
	quit     chan struct{}
	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

type hashJob struct {
	password string
	resp     chan hashResult
}

type hashResult struct {
	hash string
	err  error
}

func NewHasher(iterations, memory uint32, parallelism uint8, pepper []byte) (*Hasher, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	if iterations == 0 || iterations > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	return &Hasher{
		iterations:  iterations,
		memory:      memory,
		parallelism: parallelism,
		minVerify:   350 * time.Millisecond,
		pepper:      append([]byte(nil), pepper...),
		jobs:        make(chan hashJob, 1024),
		quit:        make(chan struct{}),
	}, nil
}

// SetMinVerifyDuration sets the floor every Verify call is padded to.
func (h *Hasher) SetMinVerifyDuration(d time.Duration) {
	h.minVerify = d
}

func (h *Hasher) Start(workers int) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("hasher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	h.started = true
	return nil
}

func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.mu.Lock()
		util.Wipe(h.pepper)
		h.pepper = nil
		h.mu.Unlock()
	})
}

func (h *Hasher) worker() {
	defer h.wg.Done()
	for {
		select {
		case job := <-h.jobs:
			hash, err := h.hash(job.password)
			job.resp <- hashResult{hash: hash, err: err}
		case <-h.quit:
			return
		}
	}
}

// Hash queues the password on the worker pool and waits for the result.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	h.startMu.Lock()
	started := h.started
	h.startMu.Unlock()
	if !started {
		return "", errors.New("hasher not started")
	}
	if len(password) > maxPasswordLength {
		return "", ErrPasswordTooLong
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp := make(chan hashResult, 1)
	select {
	case h.jobs <- hashJob{password: password, resp: resp}:
	case <-h.quit:
		return "", ErrHasherStopped
	case <-ctx.Done():
		return "", ErrHashQueueFull
	}
	select {
	case res := <-resp:
		return res.hash, res.err
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "hash")
	}
}

func (h *Hasher) hash(password string) (string, error) {
	peppered := h.applyPepper(password)
	if peppered == nil {
		return "", ErrHasherStopped
	}
	defer util.Wipe(peppered)
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey(peppered, salt, h.iterations, h.memory, h.parallelism, keyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// IsLegacy reports whether encoded is a bcrypt hash.
func IsLegacy(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") || strings.HasPrefix(encoded, "$2b$") || strings.HasPrefix(encoded, "$2y$")
}

// Verify returns (match, needsRehash). It always takes at least the
// configured minimum so timing does not reveal which branch ran.
func (h *Hasher) Verify(password, encoded string) (bool, bool) {
	start := time.Now()
	defer func() {
		if elapsed := time.Since(start); elapsed < h.minVerify {
			time.Sleep(h.minVerify - elapsed)
		}
	}()
	if len(password) > maxPasswordLength {
		h.verifyArgon(strings.Repeat("x", 16), dummyHash)
		return false, false
	}
	if IsLegacy(encoded) {
		return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password)) == nil, true
	}
	return h.verifyArgon(password, encoded)
}

func (h *Hasher) verifyArgon(password, encoded string) (bool, bool) {
	mem, iters, threads := h.memory, h.iterations, h.parallelism
	salt, want := make([]byte, 16), make([]byte, keyLength)
	valid := false
	parts := strings.Split(encoded, "$")
	if len(parts) == 6 && parts[0] == "" && parts[1] == "argon2id" {
		var m, t uint32
		var p uint8
		if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p); err == nil &&
			m >= 8 && m <= 2*1024*1024 && t >= 1 && t <= 1000 && p >= 1 && p <= 128 {
			s, errS := base64.RawStdEncoding.DecodeString(parts[4])
			k, errK := base64.RawStdEncoding.DecodeString(parts[5])
			if errS == nil && errK == nil && len(s) > 0 && len(k) > 0 && len(k) <= 256 {
				mem, iters, threads, salt, want = m, t, p, s, k
				valid = true
			}
		}
	}
	peppered := h.applyPepper(password)
	if peppered == nil {
		return false, false
	}
	defer util.Wipe(peppered)
	got := argon2.IDKey(peppered, salt, iters, mem, threads, uint32(len(want)))
	defer util.Wipe(got)
	if !valid || subtle.ConstantTimeCompare(want, got) != 1 {
		return false, false
	}
	return true, mem != h.memory || iters != h.iterations || threads != h.parallelism
}

// VerifyUnknown spends the same time as Verify against a real hash using
// the current parameters. Call it when the account does not exist.
func (h *Hasher) VerifyUnknown(password string) {
	zero := base64.RawStdEncoding.EncodeToString(make([]byte, 16))
	h.Verify(password, fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism, zero, zero+zero))
}

func (h *Hasher) applyPepper(password string) []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pepper) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}

// RehashIfNeeded verifies password and returns a fresh hash when the stored
// one uses stale parameters or bcrypt. changed is false when oldHash stays.
func (h *Hasher) RehashIfNeeded(ctx context.Context, password, oldHash string) (hash string, changed bool, err error) {
	match, stale := h.Verify(password, oldHash)
	if !match {
		return "", false, errors.New("password mismatch")
	}
	if !stale {
		return oldHash, false, nil
	}
	hash, err = h.Hash(ctx, password)
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}
