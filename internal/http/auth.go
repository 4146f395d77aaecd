package http

import (
	"context"
	"crypto/subtle"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/0xMgwan/rampa/internal/models"
)

type contextKey string

const partnerKey contextKey = "partner"

// PartnerFromContext returns the authenticated partner, or nil outside the
// partner-auth middleware.
func PartnerFromContext(ctx context.Context) *models.Partner {
	p, _ := ctx.Value(partnerKey).(*models.Partner)
	return p
}

// PartnerStore lists the partners eligible to authenticate.
type PartnerStore interface {
	ListActivePartners(ctx context.Context) ([]*models.Partner, error)
}

// auth holds the middleware state: the active partner set is cached briefly
// so every request does not hit the database, but a revoked partner falls out
// within the cache window.
type auth struct {
	store       PartnerStore
	adminSecret string

	mu        sync.Mutex
	partners  []*models.Partner
	fetchedAt time.Time
}

const partnerCacheTTL = 30 * time.Second

func newAuth(store PartnerStore, adminSecret string) *auth {
	return &auth{store: store, adminSecret: adminSecret}
}

// partnerAuth authenticates by X-API-Key. Keys are stored as bcrypt hashes,
// so authentication scans the active set; partner counts are small enough
// that this is fine.
func (a *auth) partnerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		partners, err := a.activePartners(r.Context())
		if err != nil {
			log.Printf("partner list load failed: %v", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		for _, p := range partners {
			if bcrypt.CompareHashAndPassword([]byte(p.APIKeyHash), []byte(key)) != nil {
				continue
			}
			if !ipAllowed(p, r) {
				writeError(w, http.StatusForbidden, "source address not allowed")
				return
			}
			ctx := context.WithValue(r.Context(), partnerKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid API key")
	})
}

// adminAuth gates operator endpoints with a static bearer secret.
func (a *auth) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminSecret == "" {
			writeError(w, http.StatusUnauthorized, "admin access not configured")
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.adminSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *auth) activePartners(ctx context.Context) ([]*models.Partner, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if time.Since(a.fetchedAt) < partnerCacheTTL && a.partners != nil {
		return a.partners, nil
	}
	partners, err := a.store.ListActivePartners(ctx)
	if err != nil {
		return nil, err
	}
	a.partners = partners
	a.fetchedAt = time.Now()
	return partners, nil
}

func ipAllowed(p *models.Partner, r *http.Request) bool {
	if len(p.IPAllowlist) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	for _, allowed := range p.IPAllowlist {
		if allowed == host {
			return true
		}
	}
	return false
}
