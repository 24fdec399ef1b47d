package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"sealchat/internal/cache"
	"sealchat/internal/config"
	"sealchat/internal/core"
	"sealchat/internal/crypto"
	"sealchat/internal/keys"
	"sealchat/internal/logging"
	"sealchat/internal/protocol"
	"sealchat/internal/relay"
)

var log = logging.Logger("app")

// App ties the configuration, identity, cache and engine of one data
// directory together for the command line.
type App struct {
	dataDir string
	cfg     config.Config

	engine *core.Engine
	pool   *relay.Pool
	cache  *cache.Cache
}

// DefaultDataDir is <user config dir>/sealchat, or a directory next to
// the executable when there is no user config dir.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "sealchat")
	}
	exePath, _ := os.Executable()
	return filepath.Join(filepath.Dir(exePath), "sealchat-data")
}

func NewApp(dataDir string) *App {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	return &App{dataDir: dataDir}
}

// HasIdentity reports whether an identity was created in the data dir.
func (a *App) HasIdentity() bool {
	_, err := os.Stat(filepath.Join(a.dataDir, config.IdentityFileName))
	return err == nil
}

// Init creates the identity (importing secret when given) and writes the
// configuration if there is none yet.
func (a *App) Init(passphrase, secret string, relays []string) (keys.KeyPair, error) {
	if passphrase == "" {
		return keys.KeyPair{}, xerrors.New("a passphrase is required")
	}
	if a.HasIdentity() {
		return keys.KeyPair{}, xerrors.Errorf("identity already exists in %s", a.dataDir)
	}
	kp := keys.Generate()
	if secret != "" {
		var err error
		if kp, err = keys.ParseAny(secret); err != nil {
			return keys.KeyPair{}, err
		}
	}

	cfg, err := config.Load(a.dataDir)
	if err != nil {
		return keys.KeyPair{}, err
	}
	if len(relays) > 0 {
		cfg.Relays = relays
		if err := cfg.Validate(); err != nil {
			return keys.KeyPair{}, err
		}
	}
	if err := cfg.Save(); err != nil {
		return keys.KeyPair{}, err
	}
	if err := config.SaveIdentity(cfg.IdentityPath(), kp, passphrase); err != nil {
		return keys.KeyPair{}, err
	}
	a.cfg = cfg
	return kp, nil
}

// Connect unlocks the identity and builds the engine. The cache is
// optional: when it cannot be opened the app runs from memory.
func (a *App) Connect(passphrase string) error {
	cfg, err := config.Load(a.dataDir)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.LogLevel); err != nil {
		return err
	}
	kp, err := config.LoadIdentity(cfg.IdentityPath(), passphrase)
	if err != nil {
		return err
	}
	return a.open(cfg, kp)
}

// open wires cache, pool and engine for an unlocked identity. On error
// everything opened so far is closed again.
func (a *App) open(cfg config.Config, kp keys.KeyPair) (err error) {
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	c, err := cache.Open(cfg.CachePath(), crypto.DeriveKey(kp.Secret))
	switch {
	case errors.Is(err, cache.ErrCacheUnavailable):
		log.Warnf("running without local history: %v", err)
	case err != nil:
		return err
	default:
		c.ProfileTTL = cfg.ProfileTTL.Std()
		a.cache = c
	}

	reg := relay.NewRegistry()
	reg.Cooldown = cfg.Cooldown.Std()
	reg.Threshold = cfg.FailureThreshold
	for _, u := range cfg.Relays {
		if _, err := reg.Add(u); err != nil {
			return err
		}
	}
	transport := relay.NewWebsocketTransport(relay.WebsocketOptions{InsecureTLS: cfg.InsecureTLS})
	a.pool = relay.NewPool(reg, transport, relay.Options{
		Defaults:       cfg.DefaultRelays,
		PublishTimeout: cfg.PublishTimeout.Std(),
		QueryTimeout:   cfg.QueryTimeout.Std(),
	})

	opts := core.Options{
		Identity:       kp,
		Pool:           a.pool,
		Relays:         cfg.Relays,
		BackfillWindow: cfg.BackfillWindow.Std(),
		ProfileTTL:     cfg.ProfileTTL.Std(),
	}
	if a.cache != nil {
		opts.Cache = a.cache
	}
	eng, err := core.New(opts)
	if err != nil {
		return err
	}
	eng.OnStatus = func(s string, online bool) {
		log.WithField("online", online).Info(s)
	}
	a.engine = eng
	a.cfg = cfg
	return nil
}

func (a *App) Config() config.Config { return a.cfg }

func (a *App) Engine() *core.Engine { return a.engine }

func (a *App) Registry() *relay.Registry { return a.pool.Registry() }

// SendMessage sends text to peer and waits for the publish outcome.
func (a *App) SendMessage(ctx context.Context, peer, text string) (core.SendResult, error) {
	if a.engine == nil {
		return core.SendResult{}, core.ErrIdentityRequired
	}
	return a.engine.Send(ctx, peer, text)
}

// GetHistory returns the stored conversation with peer.
func (a *App) GetHistory(peer string) ([]protocol.Message, error) {
	if a.engine == nil {
		return nil, core.ErrIdentityRequired
	}
	return a.engine.LoadConversation(peer)
}

// WipeData forgets every message in memory and in the cache. The
// identity and configuration stay.
func (a *App) WipeData() error {
	if a.engine != nil {
		a.engine.Store().Clear()
	}
	if a.cache != nil {
		return a.cache.Clear()
	}
	return nil
}

// AddRelay adds a relay to our own set and saves the configuration.
// Announcing the new set is left to the caller.
func (a *App) AddRelay(raw string) (string, error) {
	if a.engine == nil {
		return "", core.ErrIdentityRequired
	}
	u, err := a.Registry().Add(raw)
	if err != nil {
		return "", err
	}
	cfg := a.cfg
	cfg.Relays = append(append([]string(nil), cfg.Relays...), u)
	if err := a.saveRelays(cfg); err != nil {
		return "", err
	}
	return u, nil
}

// RemoveRelay drops a relay from our own set and saves the configuration.
func (a *App) RemoveRelay(raw string) (string, error) {
	if a.engine == nil {
		return "", core.ErrIdentityRequired
	}
	u, err := relay.NormalizeURL(raw)
	if err != nil {
		return "", err
	}
	cfg := a.cfg
	cfg.Relays = nil
	for _, r := range a.cfg.Relays {
		if r != u {
			cfg.Relays = append(cfg.Relays, r)
		}
	}
	if len(cfg.Relays) == len(a.cfg.Relays) {
		return "", xerrors.Errorf("%s is not one of our relays", u)
	}
	if err := a.saveRelays(cfg); err != nil {
		return "", err
	}
	a.Registry().Remove(u)
	return u, nil
}

func (a *App) saveRelays(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(); err != nil {
		return err
	}
	a.cfg = cfg
	a.engine.SetRelays(cfg.Relays)
	return nil
}

// AddContact saves peer (hex or npub) with an optional display name.
func (a *App) AddContact(peer, name string) (string, error) {
	pk, err := keys.NormalizePublic(peer)
	if err != nil {
		return "", err
	}
	if a.cache == nil {
		return "", cache.ErrCacheUnavailable
	}
	return pk, a.cache.AddContact(pk, name)
}

func (a *App) Contacts() ([]cache.Contact, error) {
	if a.cache == nil {
		return nil, cache.ErrCacheUnavailable
	}
	return a.cache.Contacts()
}

func (a *App) Close() {
	if a.engine != nil {
		a.engine.Close()
		a.engine = nil
	}
	if a.pool != nil {
		_ = a.pool.Close()
		a.pool = nil
	}
	if a.cache != nil {
		_ = a.cache.Close()
		a.cache = nil
	}
}
