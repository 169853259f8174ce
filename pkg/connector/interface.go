// Package connector provides transport to guests: executing commands and
// moving files over SSH, on the local machine, or inside a container. Guest
// lifecycle lives one level up; a connector only knows how to reach a machine
// that already exists.
package connector

import (
	"context"
	"io/fs"
	"time"

	"golang.org/x/crypto/ssh"
)

// Factory builds connectors. The provision phases pick the implementation;
// everything above them sees only the Connector interface.
type Factory interface {
	NewSSHConnector(pool *ConnectionPool) Connector
	NewLocalConnector() Connector
}

// OS describes the operating system of a connected guest.
type OS struct {
	ID         string // e.g. "fedora", "centos", "ubuntu"
	VersionID  string // e.g. "40", "9", "24.04"
	PrettyName string // e.g. "Fedora Linux 40 (Forty)"
	Codename   string // e.g. "noble"
	Arch       string // e.g. "x86_64", "aarch64"
	Kernel     string // e.g. "6.8.5-301.fc40.x86_64"
}

// BastionCfg defines a jump host between the tool and the guest.
type BastionCfg struct {
	Host           string        `json:"host,omitempty" yaml:"host,omitempty"`
	Port           int           `json:"port,omitempty" yaml:"port,omitempty"`
	User           string        `json:"user,omitempty" yaml:"user,omitempty"`
	Password       string        `json:"password,omitempty" yaml:"password,omitempty"`
	PrivateKey     []byte        `json:"-" yaml:"-"`
	PrivateKeyPath string        `json:"privateKeyPath,omitempty" yaml:"privateKeyPath,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	HostKeyCallback ssh.HostKeyCallback `json:"-" yaml:"-"`
}

// ConnectionCfg holds everything needed to establish a connection.
type ConnectionCfg struct {
	Host           string
	Port           int
	User           string
	Password       string
	PrivateKey     []byte
	PrivateKeyPath string
	Timeout        time.Duration
	BastionCfg     *BastionCfg

	// HostKeyCallback verifies the server key. When nil the connection
	// falls back to accepting any key, which is only acceptable for
	// throwaway test machines; a warning is logged.
	HostKeyCallback ssh.HostKeyCallback `json:"-" yaml:"-"`
}

// FileStat describes basic file metadata on the target.
type FileStat struct {
	Name    string
	Size    int64
	Mode    fs.FileMode
	ModTime time.Time
	IsDir   bool
	IsExist bool
}

// Connector is the transport to one machine. Implementations are not safe
// for concurrent use; the dispatcher serializes work per guest.
type Connector interface {
	Connect(ctx context.Context, cfg ConnectionCfg) error
	Exec(ctx context.Context, cmd string, opts *ExecOptions) (stdout, stderr []byte, err error)

	// Copy pushes a local file or directory tree to the target.
	Copy(ctx context.Context, srcPath, dstPath string, opts *FileTransferOptions) error
	// CopyContent writes in-memory content to a file on the target.
	CopyContent(ctx context.Context, content []byte, dstPath string, opts *FileTransferOptions) error
	// Fetch pulls a file or directory tree from the target to a local path.
	Fetch(ctx context.Context, remotePath, localPath string, opts *FileTransferOptions) error

	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, content []byte, destPath string, opts *FileTransferOptions) error
	Stat(ctx context.Context, path string) (*FileStat, error)
	LookPath(ctx context.Context, file string) (string, error)
	Mkdir(ctx context.Context, path string, perm string) error
	Remove(ctx context.Context, path string, opts RemoveOptions) error
	GetFileChecksum(ctx context.Context, path string, checksumType string) (string, error)

	GetOS(ctx context.Context) (*OS, error)
	IsConnected() bool
	Close() error
}
