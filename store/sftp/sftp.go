// Package sftp implements a remote mirror reached over SSH file transfer.
package sftp

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/coffeebreak/coldbrew/config"
	"github.com/coffeebreak/coldbrew/logging"
	"github.com/coffeebreak/coldbrew/store"
)

var log = logging.Module("store/sftp")

const (
	defaultPort    = 22
	connectTimeout = 30 * time.Second
	packetSize     = 1 << 15
)

// Remote mirrors the local backup tree into a directory on an SFTP server.
type Remote struct {
	conn *ssh.Client
	cli  *sftp.Client

	host     string
	root     string
	required bool
}

// New dials the SFTP server described by the configuration.
func New(cfg config.RemoteConfig) (*Remote, error) {
	sshConfig, err := createSSHConfig(cfg)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = defaultPort
	}

	addr := fmt.Sprintf("%v:%v", cfg.Host, port)

	conn, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to dial %v", addr)
	}

	cli, err := sftp.NewClient(conn, sftp.MaxPacket(packetSize))
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, errors.Wrap(err, "unable to create sftp client")
	}

	return &Remote{
		conn:     conn,
		cli:      cli,
		host:     cfg.Host,
		root:     cfg.Path,
		required: cfg.Required,
	}, nil
}

func createSSHConfig(cfg config.RemoteConfig) (*ssh.ClientConfig, error) {
	signer, err := getSigner(cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := knownhosts.New(cfg.KnownHostsFile)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to load known hosts from %v", cfg.KnownHostsFile)
	}

	return &ssh.ClientConfig{
		User: cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         connectTimeout,
	}, nil
}

func getSigner(keyFile string) (ssh.Signer, error) {
	if keyFile == "" {
		return nil, errors.New("sftp remote requires a keyFile")
	}

	privateKeyData, err := os.ReadFile(keyFile) //nolint:gosec
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read private key %v", keyFile)
	}

	key, err := ssh.ParsePrivateKey(privateKeyData)

	return key, errors.Wrap(err, "unable to parse private key")
}

// DisplayName implements store.Remote.
func (r *Remote) DisplayName() string {
	return "sftp " + r.host
}

// Required implements store.Remote.
func (r *Remote) Required() bool {
	return r.required
}

// Sync implements store.Remote with the same semantics as the S3 mirror:
// upload missing or size-changed objects, remove objects that vanished
// locally, accumulate per-object failures.
func (r *Remote) Sync(ctx context.Context, src store.SyncSource) (*store.SyncResult, error) {
	local, err := src.Objects(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to enumerate local objects")
	}

	remote, err := r.listRemote()
	if err != nil {
		return nil, errors.Wrap(err, "unable to enumerate remote objects")
	}

	res := &store.SyncResult{}

	wanted := map[string]bool{}

	for _, o := range local {
		wanted[o.RelPath] = true

		if sz, ok := remote[o.RelPath]; ok && sz == o.Size {
			continue
		}

		if err := r.upload(ctx, src, o); err != nil {
			log(ctx).Warnf("unable to upload %v to %v: %v", o.RelPath, r.DisplayName(), err)
			res.Failures = append(res.Failures, store.SyncFailure{Object: o.RelPath, Err: err.Error()})

			continue
		}

		res.Uploaded++
	}

	for rel := range remote {
		if wanted[rel] {
			continue
		}

		if err := r.cli.Remove(path.Join(r.root, rel)); err != nil {
			log(ctx).Warnf("unable to remove stale object %v from %v: %v", rel, r.DisplayName(), err)
			res.Failures = append(res.Failures, store.SyncFailure{Object: rel, Err: err.Error()})

			continue
		}

		res.Deleted++
	}

	log(ctx).Debugf("synced to %v: %v uploaded, %v deleted, %v failed", r.DisplayName(), res.Uploaded, res.Deleted, len(res.Failures))

	return res, nil
}

func (r *Remote) listRemote() (map[string]int64, error) {
	result := map[string]int64{}

	w := r.cli.Walk(r.root)
	for w.Step() {
		if err := w.Err(); err != nil {
			if os.IsNotExist(err) {
				// nothing mirrored yet
				return result, nil
			}

			return nil, errors.Wrapf(err, "walking %v", w.Path())
		}

		if !w.Stat().Mode().IsRegular() {
			continue
		}

		rel, err := relPath(r.root, w.Path())
		if err != nil {
			return nil, err
		}

		result[rel] = w.Stat().Size()
	}

	return result, nil
}

func relPath(root, p string) (string, error) {
	root = path.Clean(root)
	p = path.Clean(p)

	if p == root {
		return ".", nil
	}

	if len(p) <= len(root) || p[:len(root)] != root || p[len(root)] != '/' {
		return "", errors.Errorf("path %v is outside %v", p, root)
	}

	return p[len(root)+1:], nil
}

func (r *Remote) upload(ctx context.Context, src store.SyncSource, o store.SyncObject) error {
	rd, err := src.OpenObject(ctx, o.RelPath)
	if err != nil {
		return errors.Wrap(err, "unable to open local object")
	}
	defer rd.Close() //nolint:errcheck

	target := path.Join(r.root, o.RelPath)

	if err := r.cli.MkdirAll(path.Dir(target)); err != nil {
		return errors.Wrapf(err, "unable to create remote directory %v", path.Dir(target))
	}

	// write under a temp name and rename so partial uploads never shadow
	// a complete mirror copy
	temp := path.Join(path.Dir(target), store.TempPrefix+path.Base(target))

	f, err := r.cli.Create(temp)
	if err != nil {
		return errors.Wrapf(err, "unable to create %v", temp)
	}

	if _, err := io.Copy(f, rd); err != nil {
		f.Close()           //nolint:errcheck
		r.cli.Remove(temp)  //nolint:errcheck
		return errors.Wrapf(err, "unable to write %v", temp)
	}

	if err := f.Close(); err != nil {
		r.cli.Remove(temp) //nolint:errcheck
		return errors.Wrapf(err, "unable to close %v", temp)
	}

	if err := r.cli.PosixRename(temp, target); err != nil {
		r.cli.Remove(temp) //nolint:errcheck
		return errors.Wrapf(err, "unable to publish %v", target)
	}

	return nil
}

// Health implements store.Remote by statting the mirror root.
func (r *Remote) Health(ctx context.Context) (store.Health, error) {
	if _, err := r.cli.Stat(r.root); err != nil {
		if os.IsNotExist(err) {
			// first sync will create it
			return store.Health{State: store.HealthOK}, nil
		}

		return store.Health{State: store.HealthUnavailable, Detail: err.Error()}, nil
	}

	return store.Health{State: store.HealthOK}, nil
}

// Close implements store.Remote.
func (r *Remote) Close() error {
	if err := r.cli.Close(); err != nil {
		r.conn.Close() //nolint:errcheck
		return errors.Wrap(err, "unable to close sftp client")
	}

	return errors.Wrap(r.conn.Close(), "unable to close ssh connection")
}

var _ store.Remote = (*Remote)(nil)
