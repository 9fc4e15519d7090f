// Package transfer uploads finished reports to the collection server.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/labstack/gommon/log"
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	// Dir is the remote directory reports are stored in. Empty means the
	// login directory.
	Dir     string
	Timeout time.Duration
}

// ftpConn is the part of *ftp.ServerConn an upload uses.
type ftpConn interface {
	Login(user, password string) error
	ChangeDir(path string) error
	Stor(path string, r io.Reader) error
	Quit() error
}

type dialFunc func(ctx context.Context, addr string, timeout time.Duration) (ftpConn, error)

func dialFTP(ctx context.Context, addr string, timeout time.Duration) (ftpConn, error) {
	opts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if timeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(timeout))
	}
	return ftp.Dial(addr, opts...)
}

type FTPUploader struct {
	cfg  Config
	log  *log.Logger
	dial dialFunc
}

func NewFTPUploader(cfg Config, logger *log.Logger) *FTPUploader {
	if cfg.Port == 0 {
		cfg.Port = 21
	}
	if cfg.User == "" {
		cfg.User = "anonymous"
		if cfg.Password == "" {
			cfg.Password = "anonymous"
		}
	}
	return &FTPUploader{cfg: cfg, log: logger, dial: dialFTP}
}

func (u *FTPUploader) addr() string {
	if _, _, err := net.SplitHostPort(u.cfg.Host); err == nil {
		return u.cfg.Host
	}
	return net.JoinHostPort(u.cfg.Host, strconv.Itoa(u.cfg.Port))
}

// Upload stores localPath under its base name over a single connection.
func (u *FTPUploader) Upload(ctx context.Context, localPath string) (err error) {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	addr := u.addr()
	conn, err := u.dial(ctx, addr, u.cfg.Timeout)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer func() {
		if qerr := conn.Quit(); qerr != nil && err == nil {
			u.log.Warnf("ftp quit %s: %v", addr, qerr)
		}
	}()

	if err := conn.Login(u.cfg.User, u.cfg.Password); err != nil {
		return fmt.Errorf("login to %s as %s: %w", addr, u.cfg.User, err)
	}
	if u.cfg.Dir != "" {
		if err := conn.ChangeDir(u.cfg.Dir); err != nil {
			return fmt.Errorf("change dir to %s: %w", u.cfg.Dir, err)
		}
	}

	name := filepath.Base(localPath)
	if err := conn.Stor(name, f); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	u.log.Debugf("stored %s on %s", name, addr)
	return nil
}
