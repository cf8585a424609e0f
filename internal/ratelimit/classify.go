package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/mtiwari1/gopherscan/internal/apperr"
	"github.com/mtiwari1/gopherscan/internal/config"
	"github.com/mtiwari1/gopherscan/internal/hasher"
	"github.com/mtiwari1/gopherscan/internal/repository"
)

// ActorClass buckets callers for quota purposes.
type ActorClass string

const (
	ClassGuest ActorClass = "guest"
	ClassUser  ActorClass = "user"
	ClassKey   ActorClass = "key"
)

// Caller is a classified request originator.
type Caller struct {
	Class       ActorClass
	ID          string
	AccountTier string
	Admin       bool
	IP          string
}

// QuotaRow returns the quota table row governing c.
func (c Caller) QuotaRow() string {
	switch c.Class {
	case ClassKey:
		return config.RowMachine
	case ClassUser:
		switch c.AccountTier {
		case config.RowFree, config.RowVerified, config.RowPremium, config.RowMachine:
			return c.AccountTier
		}
		return config.RowFree
	default:
		return config.RowGuest
	}
}

// Identity is the stable string used to attribute sessions and jobs.
func (c Caller) Identity() string { return string(c.Class) + ":" + c.ID }

type callerKey struct{}

// WithCaller returns a context carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored by the middleware, if any.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// Authenticator resolves presented credentials into a Caller. Unknown,
// revoked or expired credentials are treated as absent.
type Authenticator struct {
	creds  repository.CredentialRepository
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewAuthenticator(creds repository.CredentialRepository, clock clockwork.Clock, logger *slog.Logger) *Authenticator {
	return &Authenticator{creds: creds, clock: clock, logger: logger}
}

// HashToken is the lookup form of a presented secret.
func HashToken(token string) string { return hasher.SumBytes([]byte(token)) }

// Resolve classifies a caller: API key first, then a verified session, then
// the client IP.
func (a *Authenticator) Resolve(ctx context.Context, apiKey, bearer, ip string) (Caller, error) {
	if apiKey != "" {
		k, err := a.creds.LookupAPIKey(ctx, HashToken(apiKey))
		switch {
		case err == nil && !k.Revoked:
			return Caller{Class: ClassKey, ID: k.ID, AccountTier: config.RowMachine, Admin: k.IsAdmin, IP: ip}, nil
		case err == nil:
			a.logger.Warn("revoked api key presented", slog.String("key_id", k.ID), slog.String("client_ip", ip))
		case !errors.Is(err, repository.ErrNotFound):
			return Caller{}, apperr.Infrastructure("ratelimit.resolve", err)
		}
	}

	if bearer != "" {
		s, err := a.creds.LookupUserSession(ctx, HashToken(bearer))
		switch {
		case err == nil && a.clock.Now().Before(s.ExpiresAt):
			return Caller{Class: ClassUser, ID: s.UserID, AccountTier: s.AccountTier, Admin: s.IsAdmin, IP: ip}, nil
		case err == nil:
			// expired session, fall through to guest
		case !errors.Is(err, repository.ErrNotFound):
			return Caller{}, apperr.Infrastructure("ratelimit.resolve", err)
		}
	}

	return Caller{Class: ClassGuest, ID: ip, IP: ip}, nil
}

// ResolveRequest reads the X-API-Key and Authorization: Bearer headers.
func (a *Authenticator) ResolveRequest(r *http.Request) (Caller, error) {
	return a.Resolve(r.Context(), r.Header.Get("X-API-Key"), bearerToken(r.Header.Get("Authorization")), ClientIP(r))
}

func bearerToken(h string) string {
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// ClientIP returns the host part of the connection's remote address.
// Forwarding headers are not trusted.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// OperationClassifier maps a route and method onto an operation tier.
type OperationClassifier struct {
	ExceptionPrefixes []string
	UploadPrefixes    []string
	TransferPrefixes  []string
}

func NewOperationClassifier(cfg config.RateLimitConfig) OperationClassifier {
	return OperationClassifier{
		ExceptionPrefixes: cfg.ExceptionPrefixes,
		UploadPrefixes:    cfg.UploadPrefixes,
		TransferPrefixes:  cfg.TransferPrefixes,
	}
}

// Classify checks exception routes, then upload routes on mutating methods,
// then any mutating method, and defaults to read. Chunk transfers count as
// reads: the file was already charged to files_upload when it was initiated.
func (c OperationClassifier) Classify(path, method string) string {
	if hasAnyPrefix(path, c.ExceptionPrefixes) {
		return config.TierExceptions
	}
	mutating := isMutating(method)
	if mutating && hasAnyPrefix(path, c.TransferPrefixes) {
		return config.TierRead
	}
	if mutating && hasAnyPrefix(path, c.UploadPrefixes) {
		return config.TierFilesUpload
	}
	if mutating {
		return config.TierWrite
	}
	return config.TierRead
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// hasAnyPrefix matches whole path segments, so "/api/v1/uploads" does not
// match the prefix "/api/v1/upload".
func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}
