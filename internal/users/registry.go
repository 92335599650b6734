// Package users resolves application identities to internal users and
// manages their flags. Balances are never written here.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"matebot/internal/cache"
	"matebot/internal/core"
	applog "matebot/internal/log"
	"matebot/internal/storage"
)

const (
	DefaultCommunityName = "Community"
	aliasCacheSize       = 1024
	aliasCacheTTL        = 10 * time.Minute
)

type aliasKey struct {
	application string
	externalID  string
}

type Registry struct {
	store         storage.UserStore
	aliases       *cache.LRU[aliasKey, int64]
	logger        *applog.Logger
	now           func() time.Time
	communityName string
}

type Option func(*Registry)

func WithLogger(l *applog.Logger) Option {
	return func(r *Registry) { r.logger = l.WithComponent(applog.ComponentUsers) }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithCommunityName(name string) Option {
	return func(r *Registry) {
		if name = strings.TrimSpace(name); name != "" {
			r.communityName = name
		}
	}
}

func New(store storage.UserStore, opts ...Option) *Registry {
	r := &Registry{
		store:         store,
		aliases:       cache.NewLRU[aliasKey, int64](aliasCacheSize, aliasCacheTTL),
		logger:        applog.New(applog.DefaultConfig()).WithComponent(applog.ComponentUsers),
		now:           time.Now,
		communityName: DefaultCommunityName,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AliasCache exposes the alias cache so a janitor can purge it.
func (r *Registry) AliasCache() cache.Cleaner {
	return r.aliases
}

// Resolve returns the user bound to (application, externalID), creating
// the application, user and alias on first sight. It is idempotent.
func (r *Registry) Resolve(ctx context.Context, application, externalID, name string) (core.User, error) {
	application = strings.TrimSpace(application)
	externalID = strings.TrimSpace(externalID)
	if application == "" || externalID == "" {
		return core.User{}, fmt.Errorf("resolve: application and external id required: %w", core.ErrNotFound)
	}
	key := aliasKey{application: application, externalID: externalID}

	if id, ok := r.aliases.Get(key); ok {
		u, err := r.store.GetUser(ctx, id)
		if err == nil {
			return u, nil
		}
		r.aliases.Delete(key)
	}

	var user core.User
	created := false
	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		app, err := r.store.EnsureApplication(ctx, application)
		if err != nil {
			return err
		}
		alias, err := r.store.FindAlias(ctx, app.ID, externalID)
		switch {
		case err == nil:
			user, err = r.store.GetUser(ctx, alias.UserID)
			if err != nil {
				return err
			}
			user.AccessedAt = r.now().UTC()
			if user.Name == "" && strings.TrimSpace(name) != "" {
				user.Name = strings.TrimSpace(name)
			}
			return r.store.UpdateUser(ctx, user)
		case errors.Is(err, core.ErrNotFound):
		default:
			return err
		}

		now := r.now().UTC()
		user, err = r.store.CreateUser(ctx, core.User{
			Name:       strings.TrimSpace(name),
			Active:     true,
			CreatedAt:  now,
			AccessedAt: now,
		})
		if err != nil {
			return err
		}
		if _, err := r.store.CreateAlias(ctx, core.Alias{
			UserID:        user.ID,
			ApplicationID: app.ID,
			AppUserID:     externalID,
		}); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return core.User{}, fmt.Errorf("resolve %s/%s: %w", application, externalID, err)
	}

	r.aliases.Set(key, user.ID)
	if created {
		r.logger.InfoContext(ctx, "User created",
			applog.FieldUserID, user.ID,
			"application", application)
	}
	return user, nil
}

// CreateAlias links an existing user to an external id of another
// application. Existing bindings are never overwritten.
func (r *Registry) CreateAlias(ctx context.Context, application, externalID string, userID int64) (core.Alias, error) {
	var alias core.Alias
	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := r.store.GetUser(ctx, userID); err != nil {
			return err
		}
		app, err := r.store.EnsureApplication(ctx, strings.TrimSpace(application))
		if err != nil {
			return err
		}
		alias, err = r.store.CreateAlias(ctx, core.Alias{
			UserID:        userID,
			ApplicationID: app.ID,
			AppUserID:     strings.TrimSpace(externalID),
		})
		return err
	})
	if err != nil {
		return core.Alias{}, fmt.Errorf("create alias: %w", err)
	}
	return alias, nil
}

func (r *Registry) Get(ctx context.Context, id int64) (core.User, error) {
	return r.store.GetUser(ctx, id)
}

// BalanceOf returns the balance of a user.
func (r *Registry) BalanceOf(ctx context.Context, id int64) (int64, error) {
	u, err := r.store.GetUser(ctx, id)
	if err != nil {
		return 0, err
	}
	return u.Balance, nil
}

// Names resolves display names for rendering. Unknown ids are skipped.
func (r *Registry) Names(ctx context.Context, ids ...int64) core.Names {
	names := make(core.Names, len(ids))
	for _, id := range ids {
		if _, ok := names[id]; ok {
			continue
		}
		if u, err := r.store.GetUser(ctx, id); err == nil {
			names[id] = u.DisplayName()
		}
	}
	return names
}

func (r *Registry) update(ctx context.Context, id int64, fn func(ctx context.Context, u *core.User) error) (core.User, error) {
	var user core.User
	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		u, err := r.store.GetUser(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(ctx, &u); err != nil {
			return err
		}
		user = u
		return r.store.UpdateUser(ctx, u)
	})
	return user, err
}

// SetActive enables or soft-deletes a user. The community account stays active.
func (r *Registry) SetActive(ctx context.Context, id int64, active bool) (core.User, error) {
	return r.update(ctx, id, func(ctx context.Context, u *core.User) error {
		if u.Special && !active {
			return fmt.Errorf("deactivate community user: %w", core.ErrForbidden)
		}
		u.Active = active
		return nil
	})
}

// SetPermission grants or revokes co-admin and restricted-ballot rights.
func (r *Registry) SetPermission(ctx context.Context, id int64, permission bool) (core.User, error) {
	return r.update(ctx, id, func(ctx context.Context, u *core.User) error {
		if u.Special {
			return fmt.Errorf("community user permission: %w", core.ErrForbidden)
		}
		u.Permission = permission
		return nil
	})
}

// SetExternal marks a user as external. Internal users lose their voucher.
func (r *Registry) SetExternal(ctx context.Context, id int64, external bool) (core.User, error) {
	return r.update(ctx, id, func(ctx context.Context, u *core.User) error {
		if u.Special {
			return fmt.Errorf("community user external flag: %w", core.ErrForbidden)
		}
		u.External = external
		if !external {
			u.VoucherID = nil
		}
		return nil
	})
}

// SetVoucher assigns or clears the voucher of an external user. A voucher
// must be an active internal user other than the user itself.
func (r *Registry) SetVoucher(ctx context.Context, id int64, voucherID *int64) (core.User, error) {
	return r.update(ctx, id, func(ctx context.Context, u *core.User) error {
		if voucherID == nil {
			u.VoucherID = nil
			return nil
		}
		if !u.External {
			return fmt.Errorf("voucher for internal user: %w", core.ErrForbidden)
		}
		if *voucherID == u.ID {
			return fmt.Errorf("self voucher: %w", core.ErrForbidden)
		}
		v, err := r.store.GetUser(ctx, *voucherID)
		if err != nil {
			return err
		}
		if !v.Active || v.External || v.Special {
			return fmt.Errorf("user %d cannot vouch: %w", v.ID, core.ErrForbidden)
		}
		vid := v.ID
		u.VoucherID = &vid
		return nil
	})
}

// EnsureCommunity returns the community account, creating it if missing.
func (r *Registry) EnsureCommunity(ctx context.Context) (core.User, error) {
	var community core.User
	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		u, err := r.store.GetCommunityUser(ctx)
		if err == nil {
			community = u
			return nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return err
		}
		now := r.now().UTC()
		community, err = r.store.CreateUser(ctx, core.User{
			Name:       r.communityName,
			Active:     true,
			Special:    true,
			CreatedAt:  now,
			AccessedAt: now,
		})
		return err
	})
	if err != nil {
		return core.User{}, fmt.Errorf("ensure community user: %w", err)
	}
	return community, nil
}
