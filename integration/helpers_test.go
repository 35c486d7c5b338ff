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

	"leaselock/internal/store"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "leaselock:"

var (
	buildOnce  sync.Once
	binaryPath string
	buildErr   error
)

// JobDef defines a job for test configuration.
type JobDef struct {
	Name        string
	Schedule    string
	Command     string
	Timeout     string
	LockTTL     string
	WaitTimeout string
}

// Backend is a running store server the binary and the lock package can
// both talk to.
type Backend interface {
	// Name is the store.backend value selecting it.
	Name() string
	// ConfigYAML is the connection section of a config file.
	ConfigYAML() string
	// Store opens a new client on the backend.
	Store(t *testing.T) store.Store
}

// RedisContainer wraps a testcontainers Redis instance.
type RedisContainer struct {
	container testcontainers.Container
	addr      string
	client    *redis.Client
}

// setupRedis starts a Redis container that is terminated with the test.
func setupRedis(t *testing.T) *RedisContainer {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Skipf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	addr, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}

	return &RedisContainer{container: container, addr: addr, client: client}
}

func (r *RedisContainer) Name() string { return "redis" }

func (r *RedisContainer) ConfigYAML() string {
	return fmt.Sprintf("redis:\n  address: %q\n", r.addr)
}

func (r *RedisContainer) Store(t *testing.T) store.Store {
	st := store.NewRedis(redis.NewClient(&redis.Options{Addr: r.addr}))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// LockExists checks if the lock of a job exists.
func (r *RedisContainer) LockExists(ctx context.Context, jobName string) (bool, error) {
	n, err := r.client.Exists(ctx, jobKey(jobName)).Result()
	return n > 0, err
}

// LockOwner returns the record stored under the lock of a job.
func (r *RedisContainer) LockOwner(ctx context.Context, jobName string) (string, error) {
	return r.client.Get(ctx, jobKey(jobName)).Result()
}

// LockTTL returns the TTL of the lock of a job.
func (r *RedisContainer) LockTTL(ctx context.Context, jobName string) (time.Duration, error) {
	return r.client.TTL(ctx, jobKey(jobName)).Result()
}

// EtcdContainer wraps a single-node etcd started with GenericContainer.
type EtcdContainer struct {
	container testcontainers.Container
	endpoint  string
}

// setupEtcd starts an etcd container that is terminated with the test.
func setupEtcd(t *testing.T) *EtcdContainer {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "quay.io/coreos/etcd:v3.5.17",
		ExposedPorts: []string{"2379/tcp"},
		Cmd: []string{
			"etcd",
			"--name", "leaselock-test",
			"--listen-client-urls", "http://0.0.0.0:2379",
			"--advertise-client-urls", "http://0.0.0.0:2379",
		},
		WaitingFor: wait.ForLog("ready to serve client requests"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("failed to start etcd container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.PortEndpoint(ctx, "2379/tcp", "")
	if err != nil {
		t.Fatalf("failed to get etcd endpoint: %v", err)
	}
	return &EtcdContainer{container: container, endpoint: endpoint}
}

func (e *EtcdContainer) Name() string { return "etcd" }

func (e *EtcdContainer) ConfigYAML() string {
	return fmt.Sprintf("etcd:\n  endpoints: [%q]\n", e.endpoint)
}

func (e *EtcdContainer) Store(t *testing.T) store.Store {
	t.Helper()
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{e.endpoint},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create etcd client: %v", err)
	}
	st := store.NewEtcd(client)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// backends starts every supported server backend.
func backends(t *testing.T) []Backend {
	t.Helper()
	return []Backend{setupRedis(t), setupEtcd(t)}
}

func jobKey(jobName string) string {
	return keyPrefix + "job:" + jobName
}

// buildLeaselock builds the binary once and returns the path.
func buildLeaselock(t *testing.T) string {
	t.Helper()
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

// writeConfig generates a YAML config file for nodeID and returns its path.
func writeConfig(t *testing.T, b Backend, nodeID string, jobs []JobDef) string {
	t.Helper()

	var sb strings.Builder
	fmt.Fprintf(&sb, "node:\n  id: %q\n  grace_period: 1s\n", nodeID)
	fmt.Fprintf(&sb, "store:\n  backend: %s\n  key_prefix: %q\n", b.Name(), keyPrefix)
	sb.WriteString(b.ConfigYAML())
	sb.WriteString("jobs:\n")
	for _, job := range jobs {
		fmt.Fprintf(&sb, "  - name: %q\n    schedule: %q\n    command: %q\n", job.Name, job.Schedule, job.Command)
		for _, kv := range [][2]string{
			{"timeout", job.Timeout},
			{"lock_ttl", job.LockTTL},
			{"wait_timeout", job.WaitTimeout},
		} {
			if kv[1] != "" {
				fmt.Fprintf(&sb, "    %s: %s\n", kv[0], kv[1])
			}
		}
	}

	path := filepath.Join(t.TempDir(), fmt.Sprintf("leaselock-%s.yaml", nodeID))
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// Process wraps a running leaselock binary.
type Process struct {
	cmd    *exec.Cmd
	stderr *os.File
	done   chan struct{}
	err    error
}

// startServe runs "leaselock serve" with the given config until the test ends.
func startServe(t *testing.T, configPath string) *Process {
	t.Helper()
	bin := buildLeaselock(t)

	stderr, err := os.Create(filepath.Join(t.TempDir(), "stderr.log"))
	if err != nil {
		t.Fatalf("failed to create log file: %v", err)
	}

	cmd := exec.Command(bin, "--log-level", "debug", "serve", "--config", configPath)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		stderr.Close()
		t.Fatalf("failed to start leaselock: %v", err)
	}

	p := &Process{cmd: cmd, stderr: stderr, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	t.Cleanup(func() {
		_ = p.Kill()
		stderr.Close()
	})

	// Let the process connect and register its jobs.
	time.Sleep(500 * time.Millisecond)
	return p
}

// Stop sends SIGINT and waits for a graceful exit.
func (p *Process) Stop(timeout time.Duration) error {
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		return nil
	}
	select {
	case <-p.done:
		return p.err
	case <-time.After(timeout):
		_ = p.cmd.Process.Kill()
		<-p.done
		return fmt.Errorf("process did not exit within %s", timeout)
	}
}

// Kill terminates the process without giving it a chance to release locks.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := p.cmd.Process.Kill()
	<-p.done
	return err
}

// Logs returns the stderr output so far.
func (p *Process) Logs() string {
	data, _ := os.ReadFile(p.stderr.Name())
	return string(data)
}

// waitForFile waits for a file to exist with at least minSize bytes.
func waitForFile(path string, timeout time.Duration, minSize int64) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if info, err := os.Stat(path); err == nil && info.Size() >= minSize {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for file %s", path)
}

// countOccurrences counts occurrences of substr in a file. A missing file
// counts as empty.
func countOccurrences(path, substr string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strings.Count(string(data), substr), nil
}

// countLines counts newline-terminated lines in a file.
func countLines(path string) (int, error) {
	return countOccurrences(path, "\n")
}
