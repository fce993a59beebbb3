package executor

import (
	"os"
	"sync"
	"testing"
)

func TestWithProcessEnvRestores(t *testing.T) {
	os.Setenv("AWS_ACCESS_KEY_ID", "original")
	os.Unsetenv("AWS_SESSION_TOKEN")
	t.Cleanup(func() {
		os.Unsetenv("AWS_ACCESS_KEY_ID")
		os.Unsetenv("AWS_SECRET_ACCESS_KEY")
		os.Unsetenv("AWS_SESSION_TOKEN")
	})

	err := WithProcessEnv(SessionCredentials{
		AccessKeyID: "scoped", SecretAccessKey: "secret", SessionToken: "token",
	}, func() error {
		if os.Getenv("AWS_ACCESS_KEY_ID") != "scoped" {
			t.Error("credentials not swapped in")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("with env: %v", err)
	}

	if got := os.Getenv("AWS_ACCESS_KEY_ID"); got != "original" {
		t.Errorf("prior value not restored: %q", got)
	}
	if _, ok := os.LookupEnv("AWS_SESSION_TOKEN"); ok {
		t.Error("unset variable must stay unset after restore")
	}
}

func TestWithProcessEnvRestoresOnPanic(t *testing.T) {
	os.Setenv("AWS_ACCESS_KEY_ID", "original")
	t.Cleanup(func() { os.Unsetenv("AWS_ACCESS_KEY_ID") })

	func() {
		defer func() { recover() }()
		WithProcessEnv(SessionCredentials{AccessKeyID: "scoped"}, func() error {
			panic("executor blew up")
		})
	}()

	if got := os.Getenv("AWS_ACCESS_KEY_ID"); got != "original" {
		t.Errorf("environment not restored after panic: %q", got)
	}
}

func TestWithProcessEnvSerializes(t *testing.T) {
	os.Setenv("AWS_ACCESS_KEY_ID", "base")
	t.Cleanup(func() { os.Unsetenv("AWS_ACCESS_KEY_ID") })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		key := "key-" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			WithProcessEnv(SessionCredentials{AccessKeyID: key}, func() error {
				// Under the guard, the observed value is always our own.
				if got := os.Getenv("AWS_ACCESS_KEY_ID"); got != key {
					t.Errorf("observed %q inside guarded section for %q", got, key)
				}
				return nil
			})
		}()
	}
	wg.Wait()

	if got := os.Getenv("AWS_ACCESS_KEY_ID"); got != "base" {
		t.Errorf("base environment not restored: %q", got)
	}
}

func TestBuildChildEnvScopesCredentials(t *testing.T) {
	os.Setenv("AWS_ACCESS_KEY_ID", "parent")
	t.Cleanup(func() { os.Unsetenv("AWS_ACCESS_KEY_ID") })

	env := buildChildEnv(SessionCredentials{
		AccessKeyID: "child", SecretAccessKey: "s", SessionToken: "t", Region: "us-east-1",
	})

	sawChild := false
	for _, kv := range env {
		if kv == "AWS_ACCESS_KEY_ID=parent" {
			t.Error("parent credentials leaked into child env")
		}
		if kv == "AWS_ACCESS_KEY_ID=child" {
			sawChild = true
		}
	}
	if !sawChild {
		t.Error("child credentials missing from env")
	}
}
