package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/modelgate/modelgate/internal/db/models"
	"golang.org/x/sync/singleflight"
)

// RefreshGroup serializes token refreshes per credential key. N
// concurrent callers for the same credential converge on one network
// call and all receive the same resulting credential.
type RefreshGroup struct {
	group singleflight.Group
}

// Do runs fn for the credential key unless a refresh for that key is
// already in flight, in which case it waits for and shares the result.
func (r *RefreshGroup) Do(key string, fn func() (*models.Credential, error)) (*models.Credential, error) {
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	cred, ok := v.(*models.Credential)
	if !ok {
		return nil, fmt.Errorf("unexpected refresh result type %T", v)
	}
	return cred, nil
}

// NewState generates a CSRF state token for an OAuth flow.
func NewState() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
