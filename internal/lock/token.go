package lock

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

// hostname is resolved once so tokens stay stable if the host is renamed.
var hostname = sync.OnceValue(func() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
})

// newToken returns "<identity>:<uuid><uuid>". Two random UUIDs keep
// collisions out of reach even across very long-lived deployments.
func newToken(identity string) (string, error) {
	a, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	b, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s%s", identity, a, b), nil
}
