package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	HeaderUserID      = "X-User-ID"
	HeaderPermissions = "X-Permissions"

	PermFulfilOrders = "orders:fulfil"
	PermManageStock  = "stock:manage"
)

// Identity is asserted by the upstream auth proxy and trusted as is.
type Identity struct {
	UserID      int64
	Permissions map[string]bool
}

func (id Identity) Can(perm string) bool {
	return id.Permissions[perm]
}

// Actor is what the status and callback logs record as changed_by.
func (id Identity) Actor() string {
	return fmt.Sprintf("user:%d", id.UserID)
}

type identityKey struct{}

func identityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid "+HeaderUserID)
			return
		}

		id := Identity{UserID: userID, Permissions: map[string]bool{}}
		for _, p := range strings.Split(r.Header.Get(HeaderPermissions), ",") {
			if p = strings.TrimSpace(p); p != "" {
				id.Permissions[p] = true
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := identityFrom(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "missing "+HeaderUserID)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, _ := identityFrom(r.Context())
			if !id.Can(perm) {
				writeError(w, http.StatusForbidden, "missing permission "+perm)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
