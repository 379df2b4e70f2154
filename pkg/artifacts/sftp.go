package artifacts

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPConfig describes a host that serves uploaded artifacts over HTTP from Dir.
type SFTPConfig struct {
	Addr     string
	User     string
	Password string
	// PrivateKey is PEM data or a path to a key file.
	PrivateKey    string
	Dir           string
	PublicBaseURL string
}

type SFTPStore struct {
	cfg  SFTPConfig
	dial func(ctx context.Context) (*sftp.Client, io.Closer, error)
}

func NewSFTPStore(cfg SFTPConfig) (*SFTPStore, error) {
	if cfg.Addr == "" || cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("sftp address and public base url are required")
	}
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	s := &SFTPStore{cfg: cfg}
	s.dial = func(ctx context.Context) (*sftp.Client, io.Closer, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
		if err != nil {
			return nil, nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, cfg.Addr, clientConfig)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("ssh handshake failed: %w", err)
		}
		sshClient := ssh.NewClient(c, chans, reqs)
		sftpClient, err := sftp.NewClient(sshClient)
		if err != nil {
			sshClient.Close()
			return nil, nil, fmt.Errorf("start sftp session: %w", err)
		}
		return sftpClient, sshClient, nil
	}
	return s, nil
}

func authMethods(cfg SFTPConfig) ([]ssh.AuthMethod, error) {
	methods := make([]ssh.AuthMethod, 0, 2)
	if key := strings.TrimSpace(cfg.PrivateKey); key != "" {
		data := []byte(key)
		if !strings.Contains(key, "PRIVATE KEY") {
			raw, err := os.ReadFile(key)
			if err != nil {
				return nil, fmt.Errorf("read ssh private key: %w", err)
			}
			data = raw
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("sftp store needs a password or private key")
	}
	return methods, nil
}

func (s *SFTPStore) Copy(ctx context.Context, jobID, sourceURL string) (string, error) {
	body, _, err := download(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	client, closer, err := s.dial(ctx)
	if err != nil {
		return "", err
	}
	defer closer.Close()
	defer client.Close()

	name := objectName("", jobID, sourceURL)
	remotePath := path.Join(s.cfg.Dir, name)
	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return "", fmt.Errorf("create remote dir: %w", err)
	}

	file, err := client.Create(remotePath)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", remotePath, err)
	}
	if _, err := io.Copy(file, body); err != nil {
		file.Close()
		return "", fmt.Errorf("write %s: %w", remotePath, err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", remotePath, err)
	}

	return joinURL(s.cfg.PublicBaseURL, name), nil
}
