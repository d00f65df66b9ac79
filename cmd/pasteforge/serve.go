package main

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/hkdf"

	"pasteforge/cfg"
	"pasteforge/pkg/kms"
	"pasteforge/svc/api"
	"pasteforge/svc/auth"
	"pasteforge/svc/cache"
	"pasteforge/svc/db"
	"pasteforge/svc/lim"
	"pasteforge/svc/svc"
	"pasteforge/svc/util"
)

// app owns every long-lived component; close releases them in reverse
// start order.
type app struct {
	store    *db.SQLite
	rdb      *db.Redis
	hasher   *auth.Hasher
	sessions *auth.Sessions
	ipHasher *util.IPHasher
	env      *kms.Envelope
	limiter  *lim.Limiter
	pastes   *svc.Paste
	purger   *svc.Purger
	deps     api.Deps
	closers  []func()
}

func (a *app) onClose(f func()) { a.closers = append(a.closers, f) }

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func secretFromKMS(ctx context.Context, adapter *kms.Adapter, key string) ([]byte, error) {
	v, err := adapter.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%s is not base64: %w", key, err)
	}
	return b, nil
}

// deriveKey expands a purpose-bound key from the pepper when the KMS has
// no dedicated secret.
func deriveKey(pepper []byte, purpose string) ([]byte, error) {
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, pepper, nil, []byte("pasteforge/"+purpose)), out); err != nil {
		return nil, err
	}
	return out, nil
}

func loadSecrets(ctx context.Context, c *cfg.Cfg, adapter *kms.Adapter) (pepper, jwtSecret, tokenSecret []byte, err error) {
	if c.PepperFromKMS {
		if pepper, err = secretFromKMS(ctx, adapter, "ARGON2_PEPPER"); err != nil {
			return nil, nil, nil, fmt.Errorf("load pepper from KMS: %w", err)
		}
	} else {
		pepper = []byte(c.Pepper.Value())
	}
	if len(pepper) < 32 {
		util.Wipe(pepper)
		return nil, nil, nil, fmt.Errorf("pepper too short: %d bytes, need 32", len(pepper))
	}

	if c.JWTSecretFromKMS {
		if jwtSecret, err = secretFromKMS(ctx, adapter, "JWT_SECRET"); err != nil {
			util.Wipe(pepper)
			return nil, nil, nil, fmt.Errorf("load JWT secret from KMS: %w", err)
		}
	} else {
		jwtSecret = []byte(c.JWTSecret.Value())
	}

	tokenSecret, err = secretFromKMS(ctx, adapter, "DELETION_TOKEN_SECRET")
	if err != nil {
		if c.Environment == "production" {
			util.Wipe(pepper)
			util.Wipe(jwtSecret)
			return nil, nil, nil, fmt.Errorf("load deletion token secret: %w", err)
		}
		util.Warn().Err(err).Msg("DELETION_TOKEN_SECRET unavailable, deriving from pepper")
		if tokenSecret, err = deriveKey(pepper, "deletion-token"); err != nil {
			return nil, nil, nil, err
		}
	}
	return pepper, jwtSecret, tokenSecret, nil
}

// bootstrap builds the full service graph. On error everything already
// started is torn down.
func bootstrap(ctx context.Context, c *cfg.Cfg) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	adapter, err := kms.NewAdapter(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize KMS adapter: %w", err)
	}
	pepper, jwtSecret, tokenSecret, err := loadSecrets(ctx, c, adapter)
	if err != nil {
		return nil, err
	}
	defer util.Wipe(pepper)
	defer util.Wipe(jwtSecret)
	defer util.Wipe(tokenSecret)

	a.store, err = db.NewSQLite(c.DatabasePath, db.Options{
		MaxOpenConns: c.DBMaxOpenConns,
		MaxIdleConns: c.DBMaxIdleConns,
		QueryTimeout: c.DBQueryTimeout,
		Migrate:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	a.onClose(func() { a.store.Close() })
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	if c.RedisURL != "" {
		rdb, rerr := db.NewRedis(c)
		switch {
		case rerr == nil:
			a.rdb = rdb
			a.onClose(func() { rdb.Close() })
			util.Info().Msg("redis connected")
		case c.Environment == "production":
			return nil, fmt.Errorf("redis required in production: %w", rerr)
		default:
			util.Warn().Err(rerr).Msg("redis unavailable, running on local state")
		}
	}

	var (
		tracker util.UsedTokenTracker = a.store
		revoker auth.Revoker          = a.store
		counter lim.Counter
	)
	if a.rdb != nil {
		tracker, revoker, counter = a.rdb, a.rdb, a.rdb
	}

	lru, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create LRU cache: %w", err)
	}

	a.hasher, err = auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper)
	if err != nil {
		return nil, fmt.Errorf("initialize hasher: %w", err)
	}
	if err := a.hasher.Start(c.HasherWorkerCount); err != nil {
		return nil, fmt.Errorf("start hasher: %w", err)
	}
	a.onClose(a.hasher.Stop)

	a.sessions, err = auth.NewSessions(jwtSecret, c.SessionTTL, revoker)
	if err != nil {
		return nil, fmt.Errorf("initialize sessions: %w", err)
	}
	a.onClose(a.sessions.Stop)

	tokens, err := util.NewDeletionTokens(tokenSecret, c.DeletionTokenExpiry, c.TokenReplayTTL)
	if err != nil {
		return nil, fmt.Errorf("initialize deletion tokens: %w", err)
	}
	tokens.SetTracker(tracker)

	a.ipHasher, err = util.NewIPHasher(pepper, c.IPHashRotationInterval)
	if err != nil {
		return nil, fmt.Errorf("initialize IP hasher: %w", err)
	}
	a.onClose(a.ipHasher.Stop)

	a.env = kms.NewEnvelope(adapter, c.KEKCacheTTL)
	a.onClose(a.env.Stop)

	a.pastes = svc.NewPaste(a.store, lru, a.rdb, a.hasher, a.env, tokens, c)
	a.onClose(a.pastes.Shutdown)
	users := svc.NewUsers(a.store, a.hasher, a.sessions)
	social := svc.NewSocial(a.store)

	a.purger, err = svc.NewPurger(a.pastes, c.PurgeSchedule, time.Minute)
	if err != nil {
		return nil, err
	}

	a.limiter, err = lim.New(lim.Config{
		RPM:               c.RateLimit.RPM,
		Burst:             c.RateLimit.Burst,
		ConservativeLimit: c.RateLimit.ConservativeLimit,
		TrustedProxies:    c.TrustedProxies,
	}, counter)
	if err != nil {
		return nil, fmt.Errorf("initialize rate limiter: %w", err)
	}
	a.onClose(a.limiter.Stop)

	a.deps = api.Deps{
		Pastes:      a.pastes,
		Users:       users,
		Social:      social,
		Comments:    svc.NewComments(a.store, a.pastes, social),
		Collections: svc.NewCollections(a.store, a.pastes),
		Projects:    svc.NewProjects(a.store),
		Limiter:     a.limiter,
		IPHasher:    a.ipHasher,
		DB:          a.store,
		Redis:       a.rdb,
	}
	return a, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	c, err := loadCfg()
	if err != nil {
		return err
	}
	defer c.Wipe()
	util.Info().Str("environment", c.Environment).Strs("allowed_origins", c.AllowedOrigins).Msg("starting pasteforge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bootstrap(ctx, c)
	if err != nil {
		return err
	}
	defer a.close()

	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		a.store.RunWALMaintenance(ctx)
	}()
	a.purger.Start()
	util.Info().Str("schedule", c.PurgeSchedule).Msg("expired paste purge scheduled")

	server := api.NewServer(c, a.deps)
	serveErr := make(chan error, 1)
	go func() {
		util.Info().Str("port", c.Port).Msg("server starting")
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case sig := <-sigCh:
		util.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	case err = <-serveErr:
		util.Error().Err(err).Msg("server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		util.Error().Err(serr).Msg("server shutdown error")
	}
	a.purger.Stop()
	cancel()
	walDone := make(chan struct{})
	go func() {
		bg.Wait()
		close(walDone)
	}()
	select {
	case <-walDone:
	case <-time.After(35 * time.Second):
		util.Warn().Msg("WAL maintenance did not stop in time")
	}
	util.Info().Msg("shutdown complete")
	return err
}
