// Package vault manages a set of leased Vault secrets and republishes them
// as a single merged credential view (spec §4.9). A background tick renews
// leases before they expire, falling back to a full reread when a renewal
// fails, returns a short duration, or the lease is not renewable (AWS STS
// leases never are, regardless of what Vault reports).
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/vault/api"
)

// View is the current merged set of secret values, published atomically so
// readers never observe a torn mix (e.g. a new access key with the old
// secret key).
type View struct {
	AccessKey string
	SecretKey string
	Token     string
	MTime     int64
}

// renewBeforeExpiry mirrors the original's "refresh leases 30 minutes
// before they expire".
const renewBeforeExpiry = 30 * time.Minute

// shortRenewalThreshold mirrors the original's "fall back to reread if a
// renewal leaves less than 45 minutes remaining".
const shortRenewalThreshold = 45 * time.Minute

// DefaultTickInterval is how often Run reexamines every lease.
const DefaultTickInterval = 60 * time.Second

type target struct {
	keymap map[string]string // vault secret field -> View field name
}

type lease struct {
	path      string
	leaseID   string
	renewable bool
	duration  time.Duration
	data      map[string]any
	rtime     time.Time
	targets   []target
}

func (l *lease) expiresAt() time.Time { return l.rtime.Add(l.duration) }

// Manager owns the Vault connection, the lease table, and the published
// View. It follows the original's two-lock discipline: leaseLock guards the
// lease table and the shutdown flag (the section that talks to Vault);
// readLock guards the merged staging map that readLock-protected writers
// fold into the atomically published View.
type Manager struct {
	client    *api.Client
	tokenFile string
	token     string

	readLock sync.RWMutex
	cfg      map[string]string
	view     atomic.Pointer[View]

	leaseLock    sync.Mutex
	leases       map[string]*lease
	leaving      bool
	forceReread  bool
	tickInterval time.Duration
}

// New creates a Manager against a Vault server at addr, reading the initial
// token from tokenFile.
func New(addr, tokenFile string) (*Manager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = addr
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault: creating client: %w", err)
	}
	m := &Manager{
		client:       client,
		tokenFile:    tokenFile,
		cfg:          map[string]string{},
		leases:       map[string]*lease{},
		tickInterval: DefaultTickInterval,
	}
	if err := m.loadToken(); err != nil {
		return nil, err
	}
	m.publish()
	return m, nil
}

func (m *Manager) loadToken() error {
	data, err := os.ReadFile(m.tokenFile)
	if err != nil {
		return fmt.Errorf("vault: reading token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == m.token {
		return nil
	}
	m.token = token
	m.client.SetToken(token)
	return nil
}

// View returns the current published credential snapshot. Safe for
// concurrent use; never blocks on a Vault round trip.
func (m *Manager) View() *View {
	return m.view.Load()
}

// LeaseTo registers path as the source of the View fields named in keymap
// (vault secret field -> View field name: "AccessKey", "SecretKey", or
// "Token") and triggers an initial read if path hasn't been leased yet.
func (m *Manager) LeaseTo(ctx context.Context, path string, keymap map[string]string) error {
	path = strings.TrimPrefix(path, "vault:")

	m.leaseLock.Lock()
	l, ok := m.leases[path]
	if !ok {
		var err error
		l, err = m.readVault(ctx, path)
		if err != nil {
			m.leaseLock.Unlock()
			return err
		}
		m.leases[path] = l
		slog.Info("read vault secret", "path", path)
	}
	l.targets = append(l.targets, target{keymap: keymap})
	m.leaseLock.Unlock()

	m.applyTarget(l, keymap)
	return nil
}

func (m *Manager) readVault(_ context.Context, path string) (*lease, error) {
	secret, err := m.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("vault: reading %q: %w", path, err)
	}
	if secret == nil {
		return nil, fmt.Errorf("vault: %q: no secret returned", path)
	}
	renewable := secret.Renewable
	// AWS STS leases are reported renewable by older Vault versions even
	// though they never are; detect them by lease path and force false.
	if strings.Contains(secret.LeaseID, "/sts/") {
		renewable = false
	}
	return &lease{
		path:      path,
		leaseID:   secret.LeaseID,
		renewable: renewable,
		duration:  time.Duration(secret.LeaseDuration) * time.Second,
		data:      secret.Data,
		rtime:     time.Now(),
	}, nil
}

// applyTarget folds one lease's current data into the shared staging map
// under readLock, then republishes the merged View.
func (m *Manager) applyTarget(l *lease, km map[string]string) {
	m.readLock.Lock()
	for src, dst := range km {
		if v, ok := l.data[src].(string); ok && v != "" {
			m.cfg[dst] = v
		} else {
			delete(m.cfg, dst)
		}
	}
	m.readLock.Unlock()
	m.publish()
}

func (m *Manager) publish() {
	m.readLock.RLock()
	v := &View{
		AccessKey: m.cfg["AccessKey"],
		SecretKey: m.cfg["SecretKey"],
		Token:     m.cfg["Token"],
		MTime:     time.Now().Unix(),
	}
	m.readLock.RUnlock()
	m.view.Store(v)
}

// Run is the dedicated background worker. It ticks every tickInterval until
// ctx is cancelled, at which point it shuts down leases before returning.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return m.Shutdown(context.Background())
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick reexamines every lease: a token replacement forces a reread of all
// leases (the old token is probably about to be revoked along with them);
// otherwise a lease within renewBeforeExpiry of expiry is renewed, falling
// back to a full reread if the renewal fails, returns a short duration, or
// the lease isn't renewable. This is the corrected form of the original's
// tick(): its Python fell through an undefined-name typo on the
// short-renewal fallback branch, silently skipping the intended reread;
// here that branch is an explicit bool, always reached.
func (m *Manager) tick(ctx context.Context) {
	changed, err := m.tokenChanged()
	if err != nil {
		slog.Error("failed to check vault token", "error", err)
	} else if changed {
		m.forceReread = true
		slog.Info("vault token changed, forcing lease reread")
	}

	m.leaseLock.Lock()
	defer m.leaseLock.Unlock()
	if m.leaving {
		return
	}

	for path, l := range m.leases {
		if !m.forceReread && time.Now().Before(l.expiresAt().Add(-renewBeforeExpiry)) {
			continue
		}

		shouldReread := !l.renewable
		if l.renewable && !m.forceReread {
			renewed, err := m.renew(ctx, l)
			if err != nil {
				slog.Warn("failed to renew vault lease, falling back to reread", "leaseID", l.leaseID, "error", err)
				shouldReread = true
			} else {
				l.rtime = time.Now()
				l.duration = renewed
				slog.Info("renewed vault lease", "leaseID", l.leaseID)
				if time.Now().Add(shortRenewalThreshold).After(l.expiresAt()) {
					slog.Warn("renewed vault lease has a short duration, falling back to reread", "leaseID", l.leaseID)
					shouldReread = true
				}
			}
		}

		if !m.forceReread && !shouldReread {
			continue
		}

		fresh, err := m.readVault(ctx, path)
		if err != nil {
			slog.Error("failed to reread vault secret", "path", path, "error", err)
			continue
		}
		fresh.targets = l.targets
		m.leases[path] = fresh
		slog.Info("reread vault secret", "path", path)

		for _, t := range fresh.targets {
			m.applyTarget(fresh, t.keymap)
		}
	}

	if m.forceReread {
		slog.Info("completed rereading leases after vault token replacement")
	}
	m.forceReread = false
}

func (m *Manager) tokenChanged() (bool, error) {
	data, err := os.ReadFile(m.tokenFile)
	if err != nil {
		return false, err
	}
	token := strings.TrimSpace(string(data))
	if token == m.token {
		return false, nil
	}
	m.token = token
	m.client.SetToken(token)
	return true, nil
}

func (m *Manager) renew(_ context.Context, l *lease) (time.Duration, error) {
	secret, err := m.client.Sys().Renew(l.leaseID, 0)
	if err != nil {
		return 0, err
	}
	return time.Duration(secret.LeaseDuration) * time.Second, nil
}

// Shutdown revokes every outstanding lease. It is idempotent: once the
// manager is leaving, further calls return nil without revoking again. It
// typically runs from Run's ctx.Done() path, but is exported so callers
// that never start Run can still clean up leases they registered via
// LeaseTo.
func (m *Manager) Shutdown(_ context.Context) error {
	m.leaseLock.Lock()
	defer m.leaseLock.Unlock()
	if m.leaving {
		return nil
	}
	m.leaving = true

	var firstErr error
	for path, l := range m.leases {
		if l.leaseID == "" {
			continue
		}
		if err := m.client.Sys().Revoke(l.leaseID); err != nil {
			slog.Error("failed to revoke vault lease", "path", path, "leaseID", l.leaseID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		slog.Info("revoked vault lease", "leaseID", l.leaseID)
	}
	return firstErr
}
