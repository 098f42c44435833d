// Package pool maintains per-cluster pools of open SSH connections,
// re-using them across runner operations and verifying their health in the
// background without blocking callers that merely want to acquire one.
package pool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jobcore/jobcore/internal/clock"
	"github.com/jobcore/jobcore/internal/coreerr"
	"github.com/jobcore/jobcore/internal/secret"
	"github.com/jobcore/jobcore/internal/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// HostKeyMode selects how the pool's connections verify the remote host
// key. The mode is set once in Config and applies to every cluster the
// pool dials; there is no per-cluster setting. ModeInsecureAcceptNew must
// be set explicitly and is logged at every dial — there is deliberately no
// "disable" value.
type HostKeyMode string

const (
	// ModeKnownHostsFile verifies against a configured known_hosts file.
	ModeKnownHostsFile HostKeyMode = "known_hosts_file"
	// ModeUserDefault verifies against the user's default known_hosts file.
	ModeUserDefault HostKeyMode = "user_default"
	// ModeInsecureAcceptNew accepts any host key without verifying or
	// recording it, logging a warning at every dial. It applies to all
	// clusters of the pool.
	ModeInsecureAcceptNew HostKeyMode = "insecure_accept_new"
)

// Config tunes pool behaviour; all fields have sane defaults via
// setDefaults so a zero Config is usable in tests.
type Config struct {
	HostKeyMode        HostKeyMode
	KnownHostsPath     string
	DialTimeout        time.Duration
	ProbeTimeout       time.Duration
	HealthInterval     time.Duration
	FailureThreshold   int
	StaleAge           time.Duration
	MaxProbeFanout     int64
}

func (c *Config) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.StaleAge <= 0 {
		c.StaleAge = 10 * time.Minute
	}
	if c.MaxProbeFanout <= 0 {
		c.MaxProbeFanout = 16
	}
	if c.HostKeyMode == "" {
		c.HostKeyMode = ModeUserDefault
	}
}

// Connection is a leased SSH handle to one cluster. Callers obtained it
// from Acquire and must Release it on every exit path.
type Connection struct {
	ClusterID    int64
	client       *ssh.Client
	inUse        bool
	failureCount int
	createdAt    time.Time
	lastUsedAt   time.Time
}

// Pool owns every open Connection, grouped by cluster. All bookkeeping
// mutations happen under mu; no network I/O is ever performed while mu is
// held — see probeRound, the method most load-bearing for that invariant.
type Pool struct {
	mu      sync.Mutex
	byCluster map[int64][]*Connection

	cfg     Config
	secrets secret.Store
	clock   clock.Clock
	logger  *logrus.Logger
}

// New constructs a Pool. secrets supplies cluster passwords; clock and
// logger default to clock.System{} and a fresh logrus.Logger when nil.
func New(cfg Config, secrets secret.Store, clk clock.Clock, logger *logrus.Logger) *Pool {
	cfg.setDefaults()
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Pool{
		byCluster: make(map[int64][]*Connection),
		cfg:       cfg,
		secrets:   secrets,
		clock:     clk,
		logger:    logger,
	}
}

// Acquire returns an idle connection to cluster if one exists, otherwise
// dials a new one. The returned Connection is marked in-use (and therefore
// excluded from eviction) until Release is called.
func (p *Pool) Acquire(ctx context.Context, cl *store.Cluster) (*Connection, error) {
	p.mu.Lock()
	for _, c := range p.byCluster[cl.ID] {
		if !c.inUse {
			c.inUse = true
			p.mu.Unlock()
			return c, nil
		}
	}
	p.mu.Unlock()

	// Dialing is network I/O and must never happen while mu is held.
	client, err := p.dial(ctx, cl)
	if err != nil {
		return nil, err
	}

	now := p.clock.Now()
	conn := &Connection{ClusterID: cl.ID, client: client, inUse: true, createdAt: now, lastUsedAt: now}

	p.mu.Lock()
	p.byCluster[cl.ID] = append(p.byCluster[cl.ID], conn)
	p.mu.Unlock()

	return conn, nil
}

// Release returns conn to its cluster's idle set.
func (p *Pool) Release(conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn.inUse = false
	conn.lastUsedAt = p.clock.Now()
}

// Close shuts down every connection in the pool, in-use or not. Intended
// for process shutdown only.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, conns := range p.byCluster {
		for _, c := range conns {
			if err := c.client.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	p.byCluster = make(map[int64][]*Connection)
	return firstErr
}

func (p *Pool) dial(ctx context.Context, cl *store.Cluster) (*ssh.Client, error) {
	hostKeyCallback, err := p.hostKeyCallback(cl.Hostname)
	if err != nil {
		return nil, err
	}

	auth, err := p.authMethod(cl.ID)
	if err != nil {
		return nil, err
	}

	clientConfig := &ssh.ClientConfig{
		User:            cl.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         p.cfg.DialTimeout,
	}

	addr := fmt.Sprintf("%s:%d", cl.Hostname, cl.Port)

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		c, err := ssh.Dial("tcp", addr, clientConfig)
		resultCh <- dialResult{c, err}
	}()

	select {
	case <-dialCtx.Done():
		return nil, coreerr.NewConnectivityError(addr, dialCtx.Err())
	case res := <-resultCh:
		if res.err != nil {
			var keyErr *knownhosts.KeyError
			if ok := asKeyError(res.err, &keyErr); ok {
				return nil, &coreerr.HostKeyUnverifiable{Host: addr, Fingerprint: fingerprintFromKeyError(keyErr)}
			}
			return nil, coreerr.NewConnectivityError(addr, res.err)
		}
		return res.client, nil
	}
}

func (p *Pool) authMethod(clusterID int64) (ssh.AuthMethod, error) {
	password, ok, err := p.secrets.GetPassword(clusterID)
	if err != nil {
		return nil, coreerr.NewStorageError("secret_lookup", err)
	}
	if !ok {
		return nil, coreerr.NewValidationError("cluster_id", fmt.Sprintf("no credential registered for cluster %d", clusterID))
	}
	return ssh.Password(password), nil
}

func (p *Pool) hostKeyCallback(host string) (ssh.HostKeyCallback, error) {
	switch p.cfg.HostKeyMode {
	case ModeInsecureAcceptNew:
		p.logger.WithField("host", host).Warn("accepting unknown host key: insecure_accept_new is enabled for this cluster")
		return ssh.InsecureIgnoreHostKey(), nil
	case ModeKnownHostsFile:
		return knownhosts.New(p.cfg.KnownHostsPath)
	case ModeUserDefault:
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, coreerr.NewStorageError("host_key_callback", err)
		}
		return knownhosts.New(filepath.Join(home, ".ssh", "known_hosts"))
	default:
		return nil, coreerr.NewValidationError("host_key_mode", fmt.Sprintf("unrecognized host key mode %q", p.cfg.HostKeyMode))
	}
}

// Run executes command on conn with a bounded timeout, returning stdout,
// stderr, and the remote exit code. exitCode is -1 when the command could
// not be started at all (distinct from a 0 exit).
func (p *Pool) Run(ctx context.Context, conn *Connection, command string, timeout time.Duration) (stdout, stderr string, exitCode int, err error) {
	if timeout <= 0 {
		timeout = p.cfg.ProbeTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := conn.client.NewSession()
	if err != nil {
		return "", "", -1, coreerr.NewConnectivityError(fmt.Sprintf("cluster %d", conn.ClusterID), err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return outBuf.String(), errBuf.String(), -1, &coreerr.Timeout{Op: "pool.Run", Elapsed: timeout.String()}
	case runErr := <-done:
		if runErr == nil {
			return outBuf.String(), errBuf.String(), 0, nil
		}
		var exitErr *ssh.ExitError
		if ok := asExitError(runErr, &exitErr); ok {
			return outBuf.String(), errBuf.String(), exitErr.ExitStatus(), nil
		}
		return outBuf.String(), errBuf.String(), -1, coreerr.NewConnectivityError(fmt.Sprintf("cluster %d", conn.ClusterID), runErr)
	}
}

// Upload streams local file src to dest on the remote host using the pack's
// only available transport primitive — an exec session piping stdin to
// "cat > dest" — since no SFTP client ships in this dependency set.
func (p *Pool) Upload(ctx context.Context, conn *Connection, src io.Reader, dest string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := conn.client.NewSession()
	if err != nil {
		return coreerr.NewConnectivityError(fmt.Sprintf("cluster %d", conn.ClusterID), err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return coreerr.NewConnectivityError(fmt.Sprintf("cluster %d", conn.ClusterID), err)
	}

	quoted, err := shellQuoteOne(dest)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- session.Run("cat > " + quoted) }()

	if _, err := io.Copy(stdin, src); err != nil {
		return coreerr.NewConnectivityError(fmt.Sprintf("cluster %d", conn.ClusterID), err)
	}
	_ = stdin.Close()

	select {
	case <-runCtx.Done():
		return &coreerr.Timeout{Op: "pool.Upload", Elapsed: timeout.String()}
	case err := <-done:
		if err != nil {
			return coreerr.NewConnectivityError(fmt.Sprintf("cluster %d", conn.ClusterID), err)
		}
		return nil
	}
}

// Download streams remote file src into dst.
func (p *Pool) Download(ctx context.Context, conn *Connection, src string, dst io.Writer, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	quoted, err := shellQuoteOne(src)
	if err != nil {
		return err
	}
	stdout, _, exitCode, err := p.Run(ctx, conn, "cat "+quoted, timeout)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return coreerr.NewConnectivityError(fmt.Sprintf("cluster %d", conn.ClusterID), fmt.Errorf("download %s: remote cat exited %d", src, exitCode))
	}
	_, writeErr := io.WriteString(dst, stdout)
	return writeErr
}

// ListDir returns the newline-split output of "ls -1a" on dir.
func (p *Pool) ListDir(ctx context.Context, conn *Connection, dir string, timeout time.Duration) ([]string, error) {
	quoted, err := shellQuoteOne(dir)
	if err != nil {
		return nil, err
	}
	stdout, _, exitCode, err := p.Run(ctx, conn, "ls -1a "+quoted, timeout)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, coreerr.NewConnectivityError(fmt.Sprintf("cluster %d", conn.ClusterID), fmt.Errorf("list %s: remote ls exited %d", dir, exitCode))
	}
	return splitNonEmptyLines(stdout), nil
}

// StartHealthLoop runs the background health-check loop until ctx is
// cancelled: snapshot idle connections under the lock, probe them
// concurrently with no lock held, then re-acquire the lock to apply
// failure counts and evictions.
func (p *Pool) StartHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.healthTick(ctx)
		}
	}
}

func (p *Pool) healthTick(ctx context.Context) {
	snapshot := p.snapshotProbeable()
	if len(snapshot) == 0 {
		return
	}

	results := p.probeRound(ctx, snapshot)
	p.applyProbeResults(results)
}

// snapshotProbeable copies the (cluster_id, connection) pairs for every
// non-in-use, non-stale connection. In the same pass, under the lock, it
// removes idle connections unused for longer than StaleAge from the pool
// and closes them; apart from those Close calls the work is in-memory
// slice operations.
func (p *Pool) snapshotProbeable() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	var out []*Connection
	for clusterID, conns := range p.byCluster {
		kept := conns[:0]
		for _, c := range conns {
			if c.inUse {
				kept = append(kept, c)
				continue
			}
			if now.Sub(c.lastUsedAt) > p.cfg.StaleAge {
				_ = c.client.Close()
				continue
			}
			kept = append(kept, c)
			out = append(out, c)
		}
		p.byCluster[clusterID] = kept
	}
	return out
}

type probeResult struct {
	conn *Connection
	ok   bool
}

// probeRound fans out a cheap command to every connection in snapshot
// without ever touching p.mu — this function must never acquire the pool
// lock; that is what keeps health-checking from blocking Acquire/Release.
func (p *Pool) probeRound(ctx context.Context, snapshot []*Connection) []probeResult {
	results := make([]probeResult, len(snapshot))
	sem := semaphore.NewWeighted(p.cfg.MaxProbeFanout)
	g, gctx := errgroup.WithContext(ctx)

	for i, conn := range snapshot {
		i, conn := i, conn
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[i] = probeResult{conn: conn, ok: false}
				return nil
			}
			defer sem.Release(1)

			_, _, exitCode, err := p.Run(gctx, conn, "true", p.cfg.ProbeTimeout)
			results[i] = probeResult{conn: conn, ok: err == nil && exitCode == 0}
			return nil
		})
	}
	_ = g.Wait() // probe goroutines never return an error; every slot is always filled
	return results
}

// applyProbeResults re-acquires the lock to increment failure counters and
// evict connections over threshold. Stale idle connections are evicted
// separately, by snapshotProbeable.
func (p *Pool) applyProbeResults(results []probeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	toEvict := make(map[*Connection]bool)
	for _, r := range results {
		if r.ok {
			r.conn.failureCount = 0
			continue
		}
		r.conn.failureCount++
		if r.conn.failureCount > p.cfg.FailureThreshold {
			toEvict[r.conn] = true
		}
	}
	if len(toEvict) == 0 {
		return
	}

	for clusterID, conns := range p.byCluster {
		kept := conns[:0]
		for _, c := range conns {
			if toEvict[c] {
				_ = c.client.Close()
				p.logger.WithFields(logrus.Fields{"cluster_id": c.ClusterID, "failures": c.failureCount}).
					Warn("evicting connection after repeated health-check failures")
				continue
			}
			kept = append(kept, c)
		}
		p.byCluster[clusterID] = kept
	}
}
