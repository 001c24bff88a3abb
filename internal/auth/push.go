package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// GoogleCertsURL is the JWKS that signs Pub/Sub push OIDC tokens.
const GoogleCertsURL = "https://www.googleapis.com/oauth2/v3/certs"

var (
	ErrMissingToken = eris.New("missing push token")
	ErrBadToken     = eris.New("invalid push token")
)

// PushConfig configures push endpoint authentication.
type PushConfig struct {
	Production bool
	// Secret is compared against the bearer token or the "token" query
	// parameter.
	Secret string
	// JWKSURL enables OIDC token verification when set.
	JWKSURL string
	// Audience and ServiceAccount constrain accepted OIDC tokens when set.
	Audience       string
	ServiceAccount string
}

// PushVerifier authenticates inbound push requests. Outside production it
// logs failures and lets requests through.
type PushVerifier struct {
	cfg    PushConfig
	logger zerolog.Logger

	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	lastFetch   time.Time
}

// NewPushVerifier creates a verifier. With a JWKS URL configured the key set
// is fetched once up front and refreshed by the cache afterwards.
func NewPushVerifier(ctx context.Context, cfg PushConfig, logger zerolog.Logger) (*PushVerifier, error) {
	v := &PushVerifier{
		cfg:    cfg,
		logger: logger.With().Str("component", "push-auth").Logger(),
	}
	if cfg.JWKSURL == "" {
		return v, nil
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, eris.Wrap(err, "register JWKS url")
	}
	v.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(fetchCtx, cfg.JWKSURL); err != nil {
		if cfg.Production {
			return nil, eris.Wrap(err, "initial JWKS fetch")
		}
		v.logger.Warn().Err(err).Msg("initial JWKS fetch failed, will retry on demand")
	}
	return v, nil
}

// WithKeySet pins a static key set instead of fetching a JWKS.
func (v *PushVerifier) WithKeySet(set jwk.Set) *PushVerifier {
	v.keySetMutex.Lock()
	defer v.keySetMutex.Unlock()
	v.keySet = set
	v.lastFetch = time.Now()
	return v
}

func (v *PushVerifier) getKeySet(ctx context.Context) (jwk.Set, error) {
	v.keySetMutex.RLock()
	set := v.keySet
	v.keySetMutex.RUnlock()
	if set != nil {
		return set, nil
	}
	if v.cache == nil {
		return nil, eris.New("no key set configured")
	}
	return v.cache.Get(ctx, v.cfg.JWKSURL)
}

func (v *PushVerifier) oidcEnabled() bool {
	if v.cache != nil {
		return true
	}
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet != nil
}

// Verify checks a push request. A nil error means the request may proceed.
func (v *PushVerifier) Verify(r *http.Request) error {
	err := v.verify(r)
	if err == nil {
		return nil
	}
	if !v.cfg.Production {
		v.logger.Debug().Err(err).Msg("push auth failed, allowed outside production")
		return nil
	}
	return err
}

func (v *PushVerifier) verify(r *http.Request) error {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return ErrMissingToken
	}

	if v.cfg.Secret != "" && subtle.ConstantTimeCompare([]byte(token), []byte(v.cfg.Secret)) == 1 {
		return nil
	}
	if !v.oidcEnabled() {
		return ErrBadToken
	}
	return v.verifyOIDC(r.Context(), token)
}

func (v *PushVerifier) verifyOIDC(ctx context.Context, raw string) error {
	set, err := v.getKeySet(ctx)
	if err != nil {
		return eris.Wrap(err, "load push signing keys")
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(set),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(30 * time.Second),
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	token, err := jwt.ParseString(raw, opts...)
	if err != nil {
		return eris.Wrap(ErrBadToken, err.Error())
	}

	switch token.Issuer() {
	case "accounts.google.com", "https://accounts.google.com":
	default:
		return eris.Wrapf(ErrBadToken, "unexpected issuer %q", token.Issuer())
	}

	if v.cfg.ServiceAccount != "" {
		var email string
		if claim, ok := token.Get("email"); ok {
			email, _ = claim.(string)
		}
		if !strings.EqualFold(email, v.cfg.ServiceAccount) {
			return eris.Wrapf(ErrBadToken, "unexpected service account %q", email)
		}
		if claim, ok := token.Get("email_verified"); ok {
			if verified, _ := claim.(bool); !verified {
				return eris.Wrap(ErrBadToken, "service account email not verified")
			}
		}
	}
	return nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
