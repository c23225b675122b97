package imagestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ogurasousui/face-attendance/internal/core/biometric"
	"github.com/ogurasousui/face-attendance/internal/platform/config"
)

const sshDialTimeout = 20 * time.Second

// Session は確立済みの SFTP セッションです。Close で下位の接続ごと閉じます。
type Session struct {
	Client *sftp.Client
	closer io.Closer
}

// NewSession は任意の接続上の SFTP クライアントから Session を生成します。
func NewSession(client *sftp.Client, conn io.Closer) *Session {
	return &Session{Client: client, closer: conn}
}

// Close はクライアントと接続を閉じます。
func (s *Session) Close() error {
	err := s.Client.Close()
	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
	}
	return err
}

// Dialer は SFTP セッションを確立します。
type Dialer func(ctx context.Context) (*Session, error)

// SFTPStore は SFTP サーバー上に参照画像を保存します。
// セッションは初回利用時に確立し、失敗した場合は次回の呼び出しで張り直します。
type SFTPStore struct {
	URLBuilder
	dir  string
	dial Dialer

	mu      sync.Mutex
	session *Session
}

var _ biometric.ImageStore = (*SFTPStore)(nil)

// NewSFTPStore は設定から SFTPStore を生成します。
func NewSFTPStore(cfg config.SFTPConfig, baseURL string) (*SFTPStore, error) {
	hostKey := ssh.InsecureIgnoreHostKey()
	if !cfg.InsecureIgnoreHostKey {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("imagestore: load known_hosts: %w", err)
		}
		hostKey = cb
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: hostKey,
		Timeout:         sshDialTimeout,
	}
	addr := cfg.Addr()

	dial := func(ctx context.Context) (*Session, error) {
		type dialRes struct {
			client *ssh.Client
			err    error
		}
		ch := make(chan dialRes, 1)
		go func() {
			c, err := ssh.Dial("tcp", addr, sshCfg)
			ch <- dialRes{client: c, err: err}
		}()

		var sshClient *ssh.Client
		select {
		case <-ctx.Done():
			go func() {
				if r := <-ch; r.client != nil {
					r.client.Close()
				}
			}()
			return nil, fmt.Errorf("sftp: dial canceled: %w", ctx.Err())
		case r := <-ch:
			if r.err != nil {
				return nil, fmt.Errorf("sftp: dial error: %w", r.err)
			}
			sshClient = r.client
		}

		client, err := sftp.NewClient(sshClient)
		if err != nil {
			sshClient.Close()
			return nil, fmt.Errorf("sftp: new client: %w", err)
		}
		return NewSession(client, sshClient), nil
	}

	return NewSFTPStoreWithDialer(dial, cfg.RemoteDir, baseURL), nil
}

// NewSFTPStoreWithDialer は任意の Dialer を使う SFTPStore を生成します。
func NewSFTPStoreWithDialer(dial Dialer, remoteDir, baseURL string) *SFTPStore {
	if remoteDir == "" {
		remoteDir = "/"
	}
	return &SFTPStore{
		URLBuilder: URLBuilder{BaseURL: baseURL},
		dir:        remoteDir,
		dial:       dial,
	}
}

// Put は一時ファイルへ書き込んだ後に置き換えます。
func (s *SFTPStore) Put(ctx context.Context, employeeID int64, data []byte) error {
	return s.do(ctx, func(c *sftp.Client) error {
		if err := c.MkdirAll(s.dir); err != nil {
			return fmt.Errorf("sftp: mkdir %s: %w", s.dir, err)
		}

		final := s.path(employeeID)
		tmp := final + ".part"
		dst, err := c.Create(tmp)
		if err != nil {
			return fmt.Errorf("sftp: create remote file: %w", err)
		}
		if _, err := io.Copy(dst, bytes.NewReader(data)); err != nil {
			dst.Close()
			return fmt.Errorf("sftp: upload copy: %w", err)
		}
		if err := dst.Close(); err != nil {
			return fmt.Errorf("sftp: close remote file: %w", err)
		}

		if err := c.PosixRename(tmp, final); err != nil {
			// posix-rename 拡張のないサーバー向け
			if rmErr := c.Remove(final); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				return fmt.Errorf("sftp: replace %s: %w", final, rmErr)
			}
			if err := c.Rename(tmp, final); err != nil {
				return fmt.Errorf("sftp: rename %s: %w", final, err)
			}
		}
		return nil
	})
}

// Get は保存済みの画像を返します。
func (s *SFTPStore) Get(ctx context.Context, employeeID int64) ([]byte, error) {
	var data []byte
	err := s.do(ctx, func(c *sftp.Client) error {
		src, err := c.Open(s.path(employeeID))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return biometric.ErrImageNotFound
			}
			return fmt.Errorf("sftp: open remote file: %w", err)
		}
		defer src.Close()

		data, err = io.ReadAll(src)
		if err != nil {
			return fmt.Errorf("sftp: download: %w", err)
		}
		return nil
	})
	return data, err
}

// Delete は画像を削除します。存在しない場合もエラーにしません。
func (s *SFTPStore) Delete(ctx context.Context, employeeID int64) error {
	return s.do(ctx, func(c *sftp.Client) error {
		p := s.path(employeeID)
		err := c.Remove(p)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if _, statErr := c.Stat(p); errors.Is(statErr, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("sftp: remove %s: %w", p, err)
	})
}

// Close は確立済みのセッションを閉じます。
func (s *SFTPStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	return err
}

func (s *SFTPStore) path(employeeID int64) string {
	return path.Join(s.dir, objectName(employeeID))
}

// do は fn をセッション上で実行します。sftp.Client はコンテキストを受け付けないため、
// ctx が先に終了した場合はセッションを破棄して呼び出しを打ち切ります。
func (s *SFTPStore) do(ctx context.Context, fn func(*sftp.Client) error) error {
	session, err := s.acquire(ctx)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- fn(session.Client) }()

	select {
	case err := <-done:
		if err != nil && isConnectionError(err) {
			s.discard(session)
		}
		return err
	case <-ctx.Done():
		s.discard(session)
		return fmt.Errorf("sftp: %w", ctx.Err())
	}
}

func (s *SFTPStore) acquire(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return s.session, nil
	}
	session, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.session = session
	return session, nil
}

func (s *SFTPStore) discard(session *Session) {
	s.mu.Lock()
	if s.session == session {
		s.session = nil
	}
	s.mu.Unlock()
	_ = session.Close()
}

func isConnectionError(err error) bool {
	return errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe)
}
