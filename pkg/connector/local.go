package connector

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/mensylisir/testxm/pkg/logger"
)

// ShellEscape wraps s in single quotes so it survives /bin/sh word
// splitting on any POSIX shell.
func ShellEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// LocalConnector executes on the machine the tool itself runs on. The local
// provisioner uses it when a plan declares the current host as the guest.
type LocalConnector struct {
	connected bool
	password  string
	cachedOS  *OS
}

func NewLocalConnector() *LocalConnector { return &LocalConnector{} }

func (l *LocalConnector) Connect(ctx context.Context, cfg ConnectionCfg) error {
	l.connected = true
	l.password = cfg.Password
	return nil
}

func (l *LocalConnector) IsConnected() bool { return l.connected }

func (l *LocalConnector) Close() error {
	l.connected = false
	return nil
}

func (l *LocalConnector) Exec(ctx context.Context, cmd string, opts *ExecOptions) ([]byte, []byte, error) {
	effective := ExecOptions{}
	if opts != nil {
		effective = *opts
	}
	if !effective.Hidden {
		logger.Get().Debugf("Executing local command: %s", cmd)
	}

	finalCmd := cmd
	useSudo := effective.Sudo && os.Geteuid() != 0
	if useSudo {
		finalCmd = "sudo -S -p '' -E -- /bin/sh -c " + ShellEscape(cmd)
	}

	var stdout, stderr []byte
	var err error
	for attempt := 0; attempt <= effective.Retries; attempt++ {
		if attempt > 0 {
			logger.Get().Warnf("Retrying local command (%d/%d): %v", attempt, effective.Retries, err)
			select {
			case <-time.After(effective.RetryDelay):
			case <-ctx.Done():
				return stdout, stderr, ctx.Err()
			}
		}
		stdout, stderr, err = l.runOnce(ctx, finalCmd, cmd, &effective, useSudo)
		if err == nil {
			return stdout, stderr, nil
		}
	}
	return stdout, stderr, err
}

func (l *LocalConnector) runOnce(ctx context.Context, finalCmd, origCmd string, opts *ExecOptions, useSudo bool) ([]byte, []byte, error) {
	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	command := exec.CommandContext(runCtx, "/bin/sh", "-c", finalCmd)
	if len(opts.Env) > 0 {
		command.Env = append(os.Environ(), opts.Env...)
	}

	var stdin io.Reader
	if useSudo && l.password != "" {
		stdin = strings.NewReader(l.password + "\n")
		if opts.Stdin != nil {
			stdin = io.MultiReader(stdin, bytes.NewReader(opts.Stdin))
		}
	} else if opts.Stdin != nil {
		stdin = bytes.NewReader(opts.Stdin)
	}
	command.Stdin = stdin

	var stdoutBuf, stderrBuf bytes.Buffer
	if opts.Stream != nil {
		command.Stdout = io.MultiWriter(&stdoutBuf, opts.Stream)
		command.Stderr = io.MultiWriter(&stderrBuf, opts.Stream)
	} else {
		command.Stdout = &stdoutBuf
		command.Stderr = &stderrBuf
	}

	runErr := command.Run()
	stdout := stdoutBuf.Bytes()
	stderr := stderrBuf.Bytes()
	if runErr == nil {
		return stdout, stderr, nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		runErr = fmt.Errorf("command timed out after %s: %w", opts.Timeout, runErr)
	}
	return stdout, stderr, &CommandError{
		Cmd:        origCmd,
		ExitCode:   exitCode,
		Stdout:     string(stdout),
		Stderr:     string(stderr),
		Underlying: runErr,
	}
}

func (l *LocalConnector) Copy(ctx context.Context, srcPath, dstPath string, opts *FileTransferOptions) error {
	effective := FileTransferOptions{}
	if opts != nil {
		effective = *opts
	}
	if _, err := os.Stat(srcPath); err != nil {
		return fmt.Errorf("copy source %s: %w", srcPath, err)
	}

	if effective.Sudo && os.Geteuid() != 0 {
		// Stage into a directory we own, then move into place with sudo.
		staging, err := os.MkdirTemp("", "testxm-copy-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(staging)
		staged := filepath.Join(staging, filepath.Base(dstPath))
		if err := copyLocalPath(srcPath, staged); err != nil {
			return err
		}
		cmd := fmt.Sprintf("mkdir -p %s && rm -rf %s && mv %s %s",
			ShellEscape(filepath.Dir(dstPath)), ShellEscape(dstPath),
			ShellEscape(staged), ShellEscape(dstPath))
		if _, _, err := l.Exec(ctx, cmd, &ExecOptions{Sudo: true}); err != nil {
			return fmt.Errorf("move staged copy into %s: %w", dstPath, err)
		}
		return l.applyFileAttrs(ctx, dstPath, &effective)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}
	if err := copyLocalPath(srcPath, dstPath); err != nil {
		return err
	}
	return l.applyFileAttrs(ctx, dstPath, &effective)
}

func (l *LocalConnector) CopyContent(ctx context.Context, content []byte, dstPath string, opts *FileTransferOptions) error {
	return l.WriteFile(ctx, content, dstPath, opts)
}

func (l *LocalConnector) WriteFile(ctx context.Context, content []byte, destPath string, opts *FileTransferOptions) error {
	effective := FileTransferOptions{}
	if opts != nil {
		effective = *opts
	}
	perm := fs.FileMode(0o644)
	if effective.Permissions != "" {
		parsed, err := strconv.ParseUint(effective.Permissions, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid permissions %q: %w", effective.Permissions, err)
		}
		perm = fs.FileMode(parsed)
	}

	if effective.Sudo && os.Geteuid() != 0 {
		cmd := fmt.Sprintf("mkdir -p %s && tee %s >/dev/null && chmod %o %s",
			ShellEscape(filepath.Dir(destPath)), ShellEscape(destPath),
			perm.Perm(), ShellEscape(destPath))
		if _, _, err := l.Exec(ctx, cmd, &ExecOptions{Sudo: true, Stdin: content}); err != nil {
			return fmt.Errorf("write %s with sudo: %w", destPath, err)
		}
		return l.applyOwner(ctx, destPath, &effective)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(destPath, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", destPath, err)
	}
	return l.applyOwner(ctx, destPath, &effective)
}

func (l *LocalConnector) Fetch(ctx context.Context, remotePath, localPath string, opts *FileTransferOptions) error {
	effective := FileTransferOptions{}
	if opts != nil {
		effective = *opts
	}
	src := remotePath
	if effective.Sudo && os.Geteuid() != 0 {
		staging, err := os.MkdirTemp("", "testxm-fetch-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(staging)
		staged := filepath.Join(staging, filepath.Base(remotePath))
		cmd := fmt.Sprintf("cp -r %s %s && chown -R %d:%d %s",
			ShellEscape(remotePath), ShellEscape(staged),
			os.Getuid(), os.Getgid(), ShellEscape(staged))
		if _, _, err := l.Exec(ctx, cmd, &ExecOptions{Sudo: true}); err != nil {
			return fmt.Errorf("stage %s with sudo: %w", remotePath, err)
		}
		src = staged
	}

	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("fetch source %s: %w", remotePath, err)
	}
	if info.IsDir() {
		return copyLocalPath(src, localPath)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return copyLocalFile(src, localPath, info.Mode())
}

func (l *LocalConnector) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (l *LocalConnector) Stat(ctx context.Context, path string) (*FileStat, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileStat{Name: filepath.Base(path), IsExist: false}, nil
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &FileStat{
		Name:    info.Name(),
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
		IsExist: true,
	}, nil
}

func (l *LocalConnector) LookPath(ctx context.Context, file string) (string, error) {
	return exec.LookPath(file)
}

func (l *LocalConnector) GetOS(ctx context.Context) (*OS, error) {
	if l.cachedOS != nil {
		return l.cachedOS, nil
	}
	osInfo := &OS{ID: runtime.GOOS, Arch: runtime.GOARCH}
	if data, err := os.ReadFile("/etc/os-release"); err == nil {
		values := ParseKeyValues(string(data))
		if values["ID"] != "" {
			osInfo.ID = values["ID"]
		}
		osInfo.VersionID = values["VERSION_ID"]
		osInfo.PrettyName = values["PRETTY_NAME"]
		osInfo.Codename = values["VERSION_CODENAME"]
	}
	if out, _, err := l.Exec(ctx, "uname -r", &ExecOptions{Hidden: true}); err == nil {
		osInfo.Kernel = strings.TrimSpace(string(out))
	}
	if out, _, err := l.Exec(ctx, "uname -m", &ExecOptions{Hidden: true}); err == nil {
		osInfo.Arch = strings.TrimSpace(string(out))
	}
	l.cachedOS = osInfo
	return osInfo, nil
}

func (l *LocalConnector) Mkdir(ctx context.Context, path string, perm string) error {
	if perm == "" {
		perm = "0755"
	}
	mode, err := strconv.ParseUint(perm, 8, 32)
	if err != nil {
		return fmt.Errorf("invalid permissions %q: %w", perm, err)
	}
	return os.MkdirAll(path, fs.FileMode(mode))
}

func (l *LocalConnector) Remove(ctx context.Context, path string, opts RemoveOptions) error {
	if opts.Sudo && os.Geteuid() != 0 {
		flags := "-f"
		if opts.Recursive {
			flags = "-rf"
		}
		_, _, err := l.Exec(ctx, fmt.Sprintf("rm %s %s", flags, ShellEscape(path)), &ExecOptions{Sudo: true})
		return err
	}
	var err error
	if opts.Recursive {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil && opts.IgnoreNotExist && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (l *LocalConnector) GetFileChecksum(ctx context.Context, path string, checksumType string) (string, error) {
	hasher, err := newHasher(checksumType)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s for checksum: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func newHasher(checksumType string) (hash.Hash, error) {
	switch strings.ToLower(checksumType) {
	case "sha256":
		return sha256.New(), nil
	case "md5":
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum type: %s", checksumType)
	}
}

// applyFileAttrs applies permissions and ownership after a transfer.
func (l *LocalConnector) applyFileAttrs(ctx context.Context, path string, opts *FileTransferOptions) error {
	if opts.Permissions != "" {
		cmd := fmt.Sprintf("chmod -R %s %s", ShellEscape(opts.Permissions), ShellEscape(path))
		if _, _, err := l.Exec(ctx, cmd, &ExecOptions{Sudo: opts.Sudo}); err != nil {
			return fmt.Errorf("chmod %s: %w", path, err)
		}
	}
	return l.applyOwner(ctx, path, opts)
}

func (l *LocalConnector) applyOwner(ctx context.Context, path string, opts *FileTransferOptions) error {
	if opts.Owner == "" {
		return nil
	}
	owner := opts.Owner
	if opts.Group != "" {
		owner = owner + ":" + opts.Group
	}
	cmd := fmt.Sprintf("chown -R %s %s", ShellEscape(owner), ShellEscape(path))
	if _, _, err := l.Exec(ctx, cmd, &ExecOptions{Sudo: opts.Sudo}); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	return nil
}

func copyLocalPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyLocalFile(src, dst, info.Mode())
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyLocalFile(path, target, fi.Mode())
	})
}

func copyLocalFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
