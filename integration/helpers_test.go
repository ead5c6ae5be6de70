//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/eugenetaranov/leaselock/pkg/dlock/store"
)

const keyPrefix = "leaselock:"

var (
	buildOnce  sync.Once
	binaryPath string
	buildErr   error
)

// JobDef defines a job for test configuration.
type JobDef struct {
	Name      string
	Schedule  string
	Command   string
	Timeout   string
	Lease     string
	Wait      string
	OnFailure string
}

// RedisContainer wraps a testcontainers Redis instance.
type RedisContainer struct {
	container testcontainers.Container
	addr      string
	client    *redis.Client
}

// setupRedis starts a Redis container and terminates it when the test ends.
func setupRedis(t *testing.T) *RedisContainer {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	addr := fmt.Sprintf("%s:%s", host, port.Port())
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err(), "failed to ping redis")

	return &RedisContainer{container: container, addr: addr, client: client}
}

// Addr returns the Redis address.
func (r *RedisContainer) Addr() string {
	return r.addr
}

// Store returns a lock store on a fresh client.
func (r *RedisContainer) Store(t *testing.T) *store.Redis {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: r.addr})
	st := store.NewRedis(client, keyPrefix)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// LockExists checks if a lock key exists in Redis.
func (r *RedisContainer) LockExists(ctx context.Context, name string) (bool, error) {
	n, err := r.client.Exists(ctx, keyPrefix+name).Result()
	return n > 0, err
}

// LockValue returns the token stored for a lock, empty if none.
func (r *RedisContainer) LockValue(ctx context.Context, name string) (string, error) {
	v, err := r.client.Get(ctx, keyPrefix+name).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// buildLeaselock builds the daemon once per test binary.
func buildLeaselock(t *testing.T) string {
	buildOnce.Do(func() {
		wd, err := os.Getwd()
		if err != nil {
			buildErr = fmt.Errorf("failed to get working directory: %w", err)
			return
		}
		root := filepath.Dir(wd)

		binaryPath = filepath.Join(root, "leaselock-test")
		cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/leaselock")
		cmd.Dir = root
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			buildErr = fmt.Errorf("failed to build leaselock: %w", err)
		}
	})

	if buildErr != nil {
		t.Fatalf("build failed: %v", buildErr)
	}
	return binaryPath
}

// writeTestConfig generates a YAML config file for nodeID and returns its path.
func writeTestConfig(t *testing.T, redisAddr, nodeID, lockSection string, jobs []JobDef) string {
	t.Helper()

	var b strings.Builder
	fmt.Fprintf(&b, "node:\n  id: %q\n  grace_period: 500ms\n\n", nodeID)
	fmt.Fprintf(&b, "redis:\n  address: %q\n  key_prefix: %q\n\n", redisAddr, keyPrefix)
	if lockSection != "" {
		fmt.Fprintf(&b, "lock:\n%s\n", lockSection)
	}
	b.WriteString("jobs:\n")
	for _, job := range jobs {
		fmt.Fprintf(&b, "  - name: %q\n    schedule: %q\n    command: %q\n", job.Name, job.Schedule, job.Command)
		for key, val := range map[string]string{
			"timeout":    job.Timeout,
			"lease":      job.Lease,
			"wait":       job.Wait,
			"on_failure": job.OnFailure,
		} {
			if val != "" {
				fmt.Fprintf(&b, "    %s: %q\n", key, val)
			}
		}
	}

	path := filepath.Join(t.TempDir(), fmt.Sprintf("leaselock-%s.yaml", nodeID))
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return path
}

// Process wraps a running daemon.
type Process struct {
	cmd    *exec.Cmd
	stderr *os.File
}

// startLeaselock starts the daemon with configPath and stops it when the test ends.
func startLeaselock(t *testing.T, configPath string) *Process {
	t.Helper()

	bin := buildLeaselock(t)
	stderr, err := os.CreateTemp(t.TempDir(), "leaselock-stderr-*")
	require.NoError(t, err)

	cmd := exec.Command(bin, "-config", configPath, "-debug")
	cmd.Stderr = stderr
	require.NoError(t, cmd.Start(), "failed to start leaselock")

	p := &Process{cmd: cmd, stderr: stderr}
	t.Cleanup(func() {
		_ = p.Stop()
		_ = stderr.Close()
	})

	// Wait for process to initialize and connect to Redis
	time.Sleep(500 * time.Millisecond)
	return p
}

// Stop sends SIGINT and waits for the process to exit.
func (p *Process) Stop() error {
	if p.cmd.Process == nil || p.cmd.ProcessState != nil {
		return nil
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		_ = p.cmd.Process.Kill()
		return fmt.Errorf("process did not exit gracefully")
	}
}

// Kill forcefully kills the process.
func (p *Process) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	}
}

// Logs returns the stderr output so far.
func (p *Process) Logs() string {
	data, _ := os.ReadFile(p.stderr.Name())
	return string(data)
}

// waitForFile waits for a file to exist.
func waitForFile(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for file %s", path)
}

// countLines counts non-empty lines in a file.
func countLines(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n, nil
}
