package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPConfig addresses a remote directory reachable over SFTP.
type SFTPConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	KeyPath  string
	BaseDir  string
}

// SFTPStore writes each blob as a file under BaseDir with its metadata in
// a "<key>.meta.json" sidecar. A new SSH session is dialled per operation.
type SFTPStore struct {
	addr    string
	user    string
	auths   []ssh.AuthMethod
	baseDir string
}

// NewSFTPStore validates cfg and loads the private key if one is set.
func NewSFTPStore(cfg SFTPConfig) (*SFTPStore, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, fmt.Errorf("blob: SFTP_HOST and SFTP_USER required for the sftp backend")
	}
	if cfg.Port == "" {
		cfg.Port = "22"
	}
	var auths []ssh.AuthMethod
	if cfg.KeyPath != "" {
		key, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("blob: read sftp key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("blob: parse sftp key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auths = append(auths, ssh.Password(cfg.Password))
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("blob: sftp backend requires a password or key")
	}
	return &SFTPStore{
		addr:    net.JoinHostPort(cfg.Host, cfg.Port),
		user:    cfg.User,
		auths:   auths,
		baseDir: strings.TrimSuffix(cfg.BaseDir, "/"),
	}, nil
}

func (s *SFTPStore) Backend() string { return "sftp" }

type sftpSession struct {
	conn   *ssh.Client
	client *sftp.Client
}

func (ss *sftpSession) Close() error {
	err := ss.client.Close()
	if cerr := ss.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *SFTPStore) dial(ctx context.Context) (*sftpSession, error) {
	cfg := &ssh.ClientConfig{
		User:            s.user,
		Auth:            s.auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < cfg.Timeout {
			cfg.Timeout = d
		}
	}
	conn, err := ssh.Dial("tcp", s.addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("blob: ssh dial: %w", err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("blob: sftp session: %w", err)
	}
	return &sftpSession{conn: conn, client: client}, nil
}

func (s *SFTPStore) remotePath(key string) string {
	if s.baseDir == "" {
		return key
	}
	return path.Join(s.baseDir, key)
}

func writeRemote(c *sftp.Client, p string, data []byte) error {
	if err := c.MkdirAll(path.Dir(p)); err != nil {
		return err
	}
	f, err := c.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *SFTPStore) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("blob: encode metadata: %w", err)
	}
	sess, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	p := s.remotePath(key)
	if err := writeRemote(sess.client, p, data); err != nil {
		return fmt.Errorf("blob: sftp put %s: %w", key, err)
	}
	if err := writeRemote(sess.client, p+".meta.json", metaJSON); err != nil {
		return fmt.Errorf("blob: sftp put %s metadata: %w", key, err)
	}
	return nil
}

// Open reads the whole file before returning so the session can be closed.
func (s *SFTPStore) Open(ctx context.Context, key string) (io.ReadCloser, Info, error) {
	sess, err := s.dial(ctx)
	if err != nil {
		return nil, Info{}, err
	}
	defer sess.Close()

	p := s.remotePath(key)
	f, err := sess.client.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Info{}, ErrNotFound
		}
		return nil, Info{}, fmt.Errorf("blob: sftp get %s: %w", key, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, Info{}, fmt.Errorf("blob: sftp read %s: %w", key, err)
	}
	info := Info{Key: key, Size: int64(len(data)), ContentType: ContentTypeBinary, Metadata: map[string]string{}}
	if st, err := f.Stat(); err == nil {
		info.CreatedAt = st.ModTime()
	}
	if mf, err := sess.client.Open(p + ".meta.json"); err == nil {
		_ = json.NewDecoder(mf).Decode(&info.Metadata)
		_ = mf.Close()
	}
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

func (s *SFTPStore) Delete(ctx context.Context, key string) error {
	sess, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	p := s.remotePath(key)
	for _, target := range []string{p, p + ".meta.json"} {
		if err := sess.client.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("blob: sftp delete %s: %w", key, err)
		}
	}
	return nil
}

func (s *SFTPStore) Ping(ctx context.Context) error {
	sess, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	_, err = sess.client.Getwd()
	return err
}

func (s *SFTPStore) Close() error { return nil }
