package executor

import (
	"os"
	"sync"
)

// envMu serializes process-environment mutation for executors that are
// inherently process-global. The subprocess executor never takes it.
var envMu sync.Mutex

// WithProcessEnv runs fn with the credential variables swapped into the
// process environment, holding the guard for the duration of the invocation.
// The prior environment is captured and restored on all exit paths including
// panics.
func WithProcessEnv(creds SessionCredentials, fn func() error) error {
	envMu.Lock()
	defer envMu.Unlock()

	keys := []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN"}
	prior := make(map[string]*string, len(keys))
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			val := v
			prior[k] = &val
		} else {
			prior[k] = nil
		}
	}

	restore := func() {
		for k, v := range prior {
			if v == nil {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, *v)
			}
		}
	}
	defer restore()

	os.Setenv("AWS_ACCESS_KEY_ID", creds.AccessKeyID)
	os.Setenv("AWS_SECRET_ACCESS_KEY", creds.SecretAccessKey)
	if creds.SessionToken != "" {
		os.Setenv("AWS_SESSION_TOKEN", creds.SessionToken)
	} else {
		os.Unsetenv("AWS_SESSION_TOKEN")
	}

	return fn()
}
