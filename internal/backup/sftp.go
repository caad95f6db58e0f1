// Copyright (c) 2026 Fleetwarden Team
// Fleetwarden - fleet trust and command orchestration
// This source code is licensed under the MIT license found in the LICENSE file.

package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// manifestName marks a directory as a Fleetwarden repository. The file is
// age-encrypted under the repository passphrase, so a successful probe
// also proves the credential is the one the repository was created with.
const manifestName = "manifest.json"

type manifest struct {
	Version   int    `json:"version"`
	CreatedAt string `json:"created_at"`
}

// SFTPTransport stores encrypted snapshots on a remote host over SFTP.
// The host key is pinned at construction; a mismatch is treated as an
// auth failure, never silently accepted.
type SFTPTransport struct {
	Host          string
	User          string
	PinnedHostKey string // authorized-keys format, e.g. "ssh-ed25519 AAA..."
}

// NewSFTPTransport returns a transport for user@host with the given
// pinned host key.
func NewSFTPTransport(host, user, pinnedHostKey string) *SFTPTransport {
	return &SFTPTransport{Host: host, User: user, PinnedHostKey: pinnedHostKey}
}

type sftpConn struct {
	client *ssh.Client
	sftp   *sftp.Client
}

func (c *sftpConn) Close() {
	if c.sftp != nil {
		c.sftp.Close()
	}
	if c.client != nil {
		c.client.Close()
	}
}

// connect dials the host and opens an SFTP session. The transport key is
// materialized to a restricted temp file for the duration of the dial and
// removed on every path out.
func (t *SFTPTransport) connect(target string, creds Credentials) (*sftpConn, error) {
	hostKeyCallback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		presented := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
		if t.PinnedHostKey == "" {
			return fmt.Errorf("no pinned host key configured for %s", hostname)
		}
		if presented != strings.TrimSpace(t.PinnedHostKey) {
			return fmt.Errorf("host key mismatch for %s: remote presented %s", hostname, presented)
		}
		return nil
	}

	if creds.PrivateKey.IsEmpty() {
		return nil, &ConnectivityError{Kind: KindAuth, Target: target, Err: fmt.Errorf("no transport key configured")}
	}
	keyPath, cleanup, err := materializeKey(creds.PrivateKey)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, &SecretHandlingError{Op: "read key file", Err: err}
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, &ConnectivityError{Kind: KindAuth, Target: target, Err: fmt.Errorf("unable to parse transport key: %w", err)}
	}

	addr := t.Host
	if _, _, err := net.SplitHostPort(t.Host); err != nil {
		addr = net.JoinHostPort(t.Host, "22")
	}
	config := &ssh.ClientConfig{
		User:            t.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}

	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		kind := KindNetwork
		if strings.Contains(err.Error(), "unable to authenticate") || strings.Contains(err.Error(), "host key mismatch") {
			kind = KindAuth
		}
		return nil, &ConnectivityError{Kind: kind, Target: target, Err: err}
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, &ConnectivityError{Kind: KindNetwork, Target: target, Err: fmt.Errorf("open sftp session: %w", err)}
	}
	return &sftpConn{client: client, sftp: sftpClient}, nil
}

// Probe checks for a repository at target and verifies the passphrase by
// decrypting the manifest.
func (t *SFTPTransport) Probe(ctx context.Context, target string, creds Credentials) (ProbeStatus, error) {
	conn, err := t.connect(target, creds)
	if err != nil {
		return StatusNotFound, err
	}
	defer conn.Close()

	manifestPath := path.Join(target, manifestName)
	f, err := conn.sftp.Open(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusNotFound, nil
		}
		return StatusNotFound, &ConnectivityError{Kind: KindNetwork, Target: target, Err: fmt.Errorf("open manifest: %w", err)}
	}
	defer f.Close()

	identity, err := age.NewScryptIdentity(string(creds.Passphrase.Bytes()))
	if err != nil {
		return StatusNotFound, &ConnectivityError{Kind: KindAuth, Target: target, Err: fmt.Errorf("derive identity: %w", err)}
	}
	plain, err := age.Decrypt(f, identity)
	if err != nil {
		// A manifest that exists but will not open under this passphrase
		// is a credential problem, not an absent repository.
		return StatusNotFound, &ConnectivityError{Kind: KindAuth, Target: target, Err: fmt.Errorf("manifest decryption refused")}
	}
	var m manifest
	if err := json.NewDecoder(plain).Decode(&m); err != nil {
		return StatusNotFound, &ConnectivityError{Kind: KindNotRepository, Target: target, Err: fmt.Errorf("manifest is not valid: %w", err)}
	}
	return StatusExists, nil
}

// Initialize bootstraps an empty repository: directory layout plus an
// encrypted manifest, uploaded atomically.
func (t *SFTPTransport) Initialize(ctx context.Context, target string, creds Credentials) error {
	conn, err := t.connect(target, creds)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.sftp.MkdirAll(path.Join(target, "snapshots")); err != nil {
		return &ConnectivityError{Kind: KindNetwork, Target: target, Err: fmt.Errorf("create repository layout: %w", err)}
	}

	recipient, err := age.NewScryptRecipient(string(creds.Passphrase.Bytes()))
	if err != nil {
		return &ConnectivityError{Kind: KindAuth, Target: target, Err: fmt.Errorf("derive recipient: %w", err)}
	}

	body, err := json.Marshal(manifest{Version: 1, CreatedAt: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	// Upload under a temporary name, then rename: a crashed initialize
	// must never leave a half-written manifest a later probe would trust.
	tmpPath := path.Join(target, fmt.Sprintf(".%s.%d", manifestName, time.Now().UnixNano()))
	f, err := conn.sftp.Create(tmpPath)
	if err != nil {
		return &ConnectivityError{Kind: KindNetwork, Target: target, Err: fmt.Errorf("create manifest: %w", err)}
	}
	enc, err := age.Encrypt(f, recipient)
	if err != nil {
		f.Close()
		_ = conn.sftp.Remove(tmpPath)
		return fmt.Errorf("encrypt manifest: %w", err)
	}
	if _, err := enc.Write(body); err != nil {
		f.Close()
		_ = conn.sftp.Remove(tmpPath)
		return &ConnectivityError{Kind: KindNetwork, Target: target, Err: fmt.Errorf("write manifest: %w", err)}
	}
	if err := enc.Close(); err != nil {
		f.Close()
		_ = conn.sftp.Remove(tmpPath)
		return fmt.Errorf("finalize manifest encryption: %w", err)
	}
	f.Close()

	if err := conn.sftp.Chmod(tmpPath, 0o600); err != nil {
		_ = conn.sftp.Remove(tmpPath)
		return &ConnectivityError{Kind: KindNetwork, Target: target, Err: fmt.Errorf("chmod manifest: %w", err)}
	}
	if err := conn.sftp.Rename(tmpPath, path.Join(target, manifestName)); err != nil {
		_ = conn.sftp.Remove(tmpPath)
		return &ConnectivityError{Kind: KindNetwork, Target: target, Err: fmt.Errorf("activate manifest: %w", err)}
	}
	return nil
}

// Run encrypts the payload stream and pushes it as a new snapshot. The
// snapshot becomes visible only after the final rename, so a dropped
// connection mid-transfer never yields a snapshot that looks complete.
func (t *SFTPTransport) Run(ctx context.Context, target string, creds Credentials, payload io.Reader) error {
	conn, err := t.connect(target, creds)
	if err != nil {
		return err
	}
	defer conn.Close()

	recipient, err := age.NewScryptRecipient(string(creds.Passphrase.Bytes()))
	if err != nil {
		return &ConnectivityError{Kind: KindAuth, Target: target, Err: fmt.Errorf("derive recipient: %w", err)}
	}

	name := fmt.Sprintf("%d.tar.zst.age", time.Now().UnixNano())
	finalPath := path.Join(target, "snapshots", name)
	tmpPath := finalPath + ".partial"

	f, err := conn.sftp.Create(tmpPath)
	if err != nil {
		return &ConnectivityError{Kind: KindNetwork, Target: target, Err: fmt.Errorf("create snapshot: %w", err)}
	}
	enc, err := age.Encrypt(f, recipient)
	if err != nil {
		f.Close()
		_ = conn.sftp.Remove(tmpPath)
		return fmt.Errorf("encrypt snapshot: %w", err)
	}
	if _, err := io.Copy(enc, payload); err != nil {
		f.Close()
		_ = conn.sftp.Remove(tmpPath)
		return &ConnectivityError{Kind: KindNetwork, Target: target, Err: fmt.Errorf("upload snapshot: %w", err)}
	}
	if err := enc.Close(); err != nil {
		f.Close()
		_ = conn.sftp.Remove(tmpPath)
		return fmt.Errorf("finalize snapshot encryption: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = conn.sftp.Remove(tmpPath)
		return &ConnectivityError{Kind: KindNetwork, Target: target, Err: fmt.Errorf("flush snapshot: %w", err)}
	}
	if err := conn.sftp.Rename(tmpPath, finalPath); err != nil {
		_ = conn.sftp.Remove(tmpPath)
		return &ConnectivityError{Kind: KindNetwork, Target: target, Err: fmt.Errorf("activate snapshot: %w", err)}
	}
	return nil
}
