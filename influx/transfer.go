package influx

import (
	"context"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/emfacilities/emfac/am"
	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/logger"
)

// Transport uploads one local file to a path relative to its remote root.
type Transport interface {
	Upload(ctx context.Context, local, remote string) error
	Close() error
}

// SFTPTransport uploads over SFTP with public key authentication. The
// connection is opened lazily and re-established after a failure.
type SFTPTransport struct {
	secrets am.SFTPSecrets
	root    string
	log     *zap.SugaredLogger

	ssh  *ssh.Client
	sftp *sftp.Client
}

// NewSFTPTransport uploads below root/<project>.
func NewSFTPTransport(s am.SFTPSecrets, project string, log *zap.SugaredLogger) (*SFTPTransport, error) {
	if s.Host == "" {
		return nil, errors.NewInvalidParameter("sftp.host", "sftp host is not configured")
	}
	if s.KeyFilePath == "" {
		return nil, errors.NewInvalidParameter("sftp.keyfilepath", "a private key is required")
	}
	return &SFTPTransport{
		secrets: s,
		root:    path.Join(s.RemotePath, project),
		log:     logger.OrNop(log).Named("sftp"),
	}, nil
}

// Root is the remote project directory.
func (t *SFTPTransport) Root() string { return t.root }

func (t *SFTPTransport) connect(ctx context.Context) error {
	if t.sftp != nil {
		return nil
	}
	key, err := os.ReadFile(t.secrets.KeyFilePath)
	if err != nil {
		return errors.Wrap(err, "read sftp key")
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return errors.Wrapf(err, "parse %s key %s", t.secrets.KeyFileType, t.secrets.KeyFilePath)
	}

	addr := t.secrets.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	cfg := &ssh.ClientConfig{
		User:            t.secrets.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: t.hostKeyCallback(),
		Timeout:         30 * time.Second,
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "dial %s", addr)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return errors.Wrapf(err, "ssh handshake with %s", addr)
	}
	t.ssh = ssh.NewClient(c, chans, reqs)
	t.sftp, err = sftp.NewClient(t.ssh)
	if err != nil {
		t.ssh.Close()
		t.ssh = nil
		return errors.Wrap(err, "start sftp session")
	}
	if err := t.sftp.MkdirAll(t.root); err != nil {
		t.Close()
		return errors.Wrapf(err, "create remote dir %s", t.root)
	}
	t.log.Infow("SFTP connected", "host", addr, logger.FieldPath, t.root)
	return nil
}

// hostKeyCallback checks ~/.ssh/known_hosts when present.
func (t *SFTPTransport) hostKeyCallback() ssh.HostKeyCallback {
	if home, err := os.UserHomeDir(); err == nil {
		if cb, err := knownhosts.New(filepath.Join(home, ".ssh", "known_hosts")); err == nil {
			return cb
		}
	}
	t.log.Warnw("No known_hosts file, host key is not verified")
	return ssh.InsecureIgnoreHostKey()
}

// Upload copies local to <root>/<remote> through a temporary name.
func (t *SFTPTransport) Upload(ctx context.Context, local, remote string) error {
	if err := t.connect(ctx); err != nil {
		return err
	}
	err := t.upload(local, path.Join(t.root, remote))
	if err != nil {
		// drop the session so the next upload reconnects
		t.Close()
	}
	return err
}

func (t *SFTPTransport) upload(local, dst string) error {
	src, err := os.Open(local)
	if err != nil {
		return errors.Wrap(err, "open upload source")
	}
	defer src.Close()

	tmp := dst + ".part"
	f, err := t.sftp.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp)
	}
	return errors.Wrapf(t.sftp.PosixRename(tmp, dst), "rename %s", dst)
}

func (t *SFTPTransport) Close() error {
	var err error
	if t.sftp != nil {
		err = t.sftp.Close()
		t.sftp = nil
	}
	if t.ssh != nil {
		if cerr := t.ssh.Close(); err == nil {
			err = cerr
		}
		t.ssh = nil
	}
	return err
}
