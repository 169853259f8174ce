package connector

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/logger"
)

// dialSSHFunc establishes an SSH connection. The second client is the
// bastion hop when one was used, nil otherwise. Tests swap this out.
type dialSSHFunc func(ctx context.Context, cfg ConnectionCfg, timeout time.Duration) (*ssh.Client, *ssh.Client, error)

var currentDialer dialSSHFunc = dialSSH

// SSHConnector reaches a guest over SSH, borrowing connections from a
// shared pool when one is configured.
type SSHConnector struct {
	mu          sync.Mutex
	client      *ssh.Client
	bastion     *ssh.Client
	sftpClient  *sftp.Client
	pool        *ConnectionPool
	managedConn *ManagedConnection
	isFromPool  bool
	connCfg     ConnectionCfg
	cachedOS    *OS
}

func NewSSHConnector(pool *ConnectionPool) *SSHConnector {
	return &SSHConnector{pool: pool}
}

func (s *SSHConnector) Connect(ctx context.Context, cfg ConnectionCfg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connCfg = cfg

	if s.pool != nil {
		mc, err := s.pool.Get(ctx, cfg)
		if err == nil {
			s.managedConn = mc
			s.client = mc.Client()
			s.isFromPool = true
			logger.Get().Debugf("Using pooled SSH connection for %s@%s", cfg.User, cfg.Host)
			return nil
		}
		logger.Get().Warnf("Pool could not supply a connection for %s, dialing directly: %v", cfg.Host, err)
	}

	client, bastion, err := currentDialer(ctx, cfg, cfg.Timeout)
	if err != nil {
		return err
	}
	s.client = client
	s.bastion = bastion
	s.isFromPool = false
	return nil
}

// IsConnected probes the underlying transport with a keepalive request.
func (s *SSHConnector) IsConnected() bool {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return false
	}
	_, _, err := client.SendRequest("keepalive@testxm.dev", true, nil)
	return err == nil
}

func (s *SSHConnector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftpClient != nil {
		s.sftpClient.Close()
		s.sftpClient = nil
	}
	if s.isFromPool && s.managedConn != nil {
		s.pool.Put(s.managedConn, true)
		s.managedConn = nil
		s.client = nil
		s.isFromPool = false
		return nil
	}
	var err error
	if s.client != nil {
		err = s.client.Close()
		s.client = nil
	}
	if s.bastion != nil {
		s.bastion.Close()
		s.bastion = nil
	}
	return err
}

// invalidate drops the current connection after a transport failure so the
// next call dials fresh. Pooled connections are returned as unhealthy.
func (s *SSHConnector) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftpClient != nil {
		s.sftpClient.Close()
		s.sftpClient = nil
	}
	if s.isFromPool && s.managedConn != nil {
		s.pool.Put(s.managedConn, false)
		s.managedConn = nil
	} else if s.client != nil {
		s.client.Close()
	}
	if s.bastion != nil {
		s.bastion.Close()
		s.bastion = nil
	}
	s.client = nil
	s.isFromPool = false
}

func (s *SSHConnector) ensureClient(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	client := s.client
	cfg := s.connCfg
	s.mu.Unlock()
	if client != nil {
		return client, nil
	}
	if cfg.Host == "" {
		return nil, &ConnectionError{Host: "", Err: errors.New("not connected")}
	}
	if err := s.Connect(ctx, cfg); err != nil {
		return nil, err
	}
	s.mu.Lock()
	client = s.client
	s.mu.Unlock()
	if client == nil {
		return nil, &ConnectionError{Host: cfg.Host, Err: errors.New("not connected")}
	}
	return client, nil
}

func (s *SSHConnector) ensureSftp(ctx context.Context) (*sftp.Client, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftpClient != nil {
		return s.sftpClient, nil
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, &ConnectionError{Host: s.connCfg.Host, Err: fmt.Errorf("create sftp client: %w", err)}
	}
	s.sftpClient = sc
	return sc, nil
}

func (s *SSHConnector) Exec(ctx context.Context, cmd string, opts *ExecOptions) ([]byte, []byte, error) {
	effective := ExecOptions{}
	if opts != nil {
		effective = *opts
	}
	if !effective.Hidden {
		logger.Get().Debugf("Executing on %s: %s", s.connCfg.Host, cmd)
	}

	var stdout, stderr []byte
	var err error
	for attempt := 0; attempt <= effective.Retries; attempt++ {
		if attempt > 0 {
			logger.Get().Warnf("Retrying command on %s (%d/%d): %v", s.connCfg.Host, attempt, effective.Retries, err)
			select {
			case <-time.After(effective.RetryDelay):
			case <-ctx.Done():
				return stdout, stderr, ctx.Err()
			}
		}
		stdout, stderr, err = s.runOnce(ctx, cmd, &effective)
		if err == nil {
			return stdout, stderr, nil
		}
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			s.invalidate()
		}
	}
	return stdout, stderr, err
}

func (s *SSHConnector) runOnce(ctx context.Context, cmd string, opts *ExecOptions) ([]byte, []byte, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, nil, &ConnectionError{Host: s.connCfg.Host, Err: fmt.Errorf("create session: %w", err)}
	}
	defer session.Close()

	// Env goes on the command line. Relying on session.Setenv would need
	// AcceptEnv on the server side, which is almost never configured.
	finalCmd := cmd
	if len(opts.Env) > 0 {
		var b strings.Builder
		b.WriteString("env")
		for _, kv := range opts.Env {
			b.WriteByte(' ')
			b.WriteString(ShellEscape(kv))
		}
		b.WriteString(" /bin/sh -c ")
		b.WriteString(ShellEscape(cmd))
		finalCmd = b.String()
	}
	if opts.Sudo {
		finalCmd = "sudo -S -p '' -E -- /bin/sh -c " + ShellEscape(finalCmd)
	}

	var stdin io.Reader
	if opts.Sudo && s.connCfg.Password != "" {
		stdin = strings.NewReader(s.connCfg.Password + "\n")
		if opts.Stdin != nil {
			stdin = io.MultiReader(stdin, bytes.NewReader(opts.Stdin))
		}
	} else if opts.Stdin != nil {
		stdin = bytes.NewReader(opts.Stdin)
	}
	session.Stdin = stdin

	var stdoutBuf, stderrBuf bytes.Buffer
	if opts.Stream != nil {
		session.Stdout = io.MultiWriter(&stdoutBuf, opts.Stream)
		session.Stderr = io.MultiWriter(&stderrBuf, opts.Stream)
	} else {
		session.Stdout = &stdoutBuf
		session.Stderr = &stderrBuf
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if err := session.Start(finalCmd); err != nil {
		return nil, nil, &ConnectionError{Host: s.connCfg.Host, Err: fmt.Errorf("start command: %w", err)}
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-runCtx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		runErr = runCtx.Err()
		if errors.Is(runErr, context.DeadlineExceeded) && opts.Timeout > 0 {
			runErr = fmt.Errorf("command timed out after %s: %w", opts.Timeout, runErr)
		}
	}

	stdout := stdoutBuf.Bytes()
	stderr := stderrBuf.Bytes()
	if runErr == nil {
		return stdout, stderr, nil
	}

	exitCode := -1
	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		exitCode = exitErr.ExitStatus()
	}
	return stdout, stderr, &CommandError{
		Cmd:        cmd,
		ExitCode:   exitCode,
		Stdout:     string(stdout),
		Stderr:     string(stderr),
		Underlying: runErr,
	}
}

func (s *SSHConnector) Copy(ctx context.Context, srcPath, dstPath string, opts *FileTransferOptions) error {
	effective := FileTransferOptions{}
	if opts != nil {
		effective = *opts
	}
	info, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("copy source %s: %w", srcPath, err)
	}
	if info.IsDir() {
		return s.copyDirViaTar(ctx, srcPath, dstPath, &effective)
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if effective.Permissions == "" {
		effective.Permissions = fmt.Sprintf("%04o", info.Mode().Perm())
	}
	if effective.Sudo {
		return s.sudoWrite(ctx, f, dstPath, &effective)
	}
	sc, err := s.ensureSftp(ctx)
	if err != nil {
		return err
	}
	if err := s.writeFileViaSFTP(sc, f, dstPath, effective.Permissions); err != nil {
		return err
	}
	return s.applyRemoteOwner(ctx, dstPath, &effective)
}

// copyDirViaTar ships a directory as one gzipped tarball and unpacks it
// remotely. Far fewer round trips than per-file SFTP for test trees.
func (s *SSHConnector) copyDirViaTar(ctx context.Context, srcDir, dstDir string, opts *FileTransferOptions) error {
	var buf bytes.Buffer
	if err := tarGzDir(srcDir, &buf); err != nil {
		return fmt.Errorf("archive %s: %w", srcDir, err)
	}

	remoteTmp := path.Join("/tmp", fmt.Sprintf("testxm-dir-%d.tar.gz", time.Now().UnixNano()))
	sc, err := s.ensureSftp(ctx)
	if err != nil {
		return err
	}
	if err := s.writeFileViaSFTP(sc, &buf, remoteTmp, ""); err != nil {
		return fmt.Errorf("upload archive for %s: %w", srcDir, err)
	}
	defer s.Exec(ctx, "rm -f "+ShellEscape(remoteTmp), &ExecOptions{Hidden: true})

	cmd := fmt.Sprintf("mkdir -p %s && tar -xzf %s -C %s",
		ShellEscape(dstDir), ShellEscape(remoteTmp), ShellEscape(dstDir))
	if _, stderr, err := s.Exec(ctx, cmd, &ExecOptions{Sudo: opts.Sudo}); err != nil {
		return fmt.Errorf("extract archive into %s: %s: %w", dstDir, strings.TrimSpace(string(stderr)), err)
	}
	return s.applyRemoteOwner(ctx, dstDir, opts)
}

func (s *SSHConnector) CopyContent(ctx context.Context, content []byte, dstPath string, opts *FileTransferOptions) error {
	return s.WriteFile(ctx, content, dstPath, opts)
}

func (s *SSHConnector) WriteFile(ctx context.Context, content []byte, destPath string, opts *FileTransferOptions) error {
	effective := FileTransferOptions{}
	if opts != nil {
		effective = *opts
	}
	if effective.Sudo {
		return s.sudoWrite(ctx, bytes.NewReader(content), destPath, &effective)
	}
	sc, err := s.ensureSftp(ctx)
	if err != nil {
		return err
	}
	if err := s.writeFileViaSFTP(sc, bytes.NewReader(content), destPath, effective.Permissions); err != nil {
		return err
	}
	return s.applyRemoteOwner(ctx, destPath, &effective)
}

// sudoWrite uploads to /tmp with the unprivileged account, then moves the
// file into place with sudo. SFTP sessions do not get root.
func (s *SSHConnector) sudoWrite(ctx context.Context, content io.Reader, destPath string, opts *FileTransferOptions) error {
	sc, err := s.ensureSftp(ctx)
	if err != nil {
		return err
	}
	tmpPath := path.Join("/tmp", fmt.Sprintf("testxm-upload-%d-%s", time.Now().UnixNano(), path.Base(destPath)))
	if err := s.writeFileViaSFTP(sc, content, tmpPath, ""); err != nil {
		return fmt.Errorf("upload to staging path %s: %w", tmpPath, err)
	}
	defer s.Exec(ctx, "rm -f "+ShellEscape(tmpPath), &ExecOptions{Hidden: true})

	perm := opts.Permissions
	if perm == "" {
		perm = "0644"
	}
	cmds := []string{
		"mkdir -p " + ShellEscape(path.Dir(destPath)),
		fmt.Sprintf("mv %s %s", ShellEscape(tmpPath), ShellEscape(destPath)),
		fmt.Sprintf("chmod %s %s", ShellEscape(perm), ShellEscape(destPath)),
	}
	if opts.Owner != "" {
		owner := opts.Owner
		if opts.Group != "" {
			owner += ":" + opts.Group
		}
		cmds = append(cmds, fmt.Sprintf("chown %s %s", ShellEscape(owner), ShellEscape(destPath)))
	}
	if _, stderr, err := s.Exec(ctx, strings.Join(cmds, " && "), &ExecOptions{Sudo: true}); err != nil {
		return fmt.Errorf("move staged file into %s: %s: %w", destPath, strings.TrimSpace(string(stderr)), err)
	}
	return nil
}

func (s *SSHConnector) writeFileViaSFTP(sc *sftp.Client, content io.Reader, destPath, permissions string) error {
	if err := sc.MkdirAll(path.Dir(destPath)); err != nil {
		return fmt.Errorf("create remote dir %s: %w", path.Dir(destPath), err)
	}
	f, err := sc.Create(destPath)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", destPath, err)
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		return fmt.Errorf("write remote file %s: %w", destPath, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if permissions != "" {
		mode, err := strconv.ParseUint(permissions, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid permissions %q: %w", permissions, err)
		}
		if err := sc.Chmod(destPath, fs.FileMode(mode)); err != nil {
			return fmt.Errorf("chmod remote file %s: %w", destPath, err)
		}
	}
	return nil
}

func (s *SSHConnector) applyRemoteOwner(ctx context.Context, destPath string, opts *FileTransferOptions) error {
	if opts.Owner == "" {
		return nil
	}
	owner := opts.Owner
	if opts.Group != "" {
		owner += ":" + opts.Group
	}
	cmd := fmt.Sprintf("chown -R %s %s", ShellEscape(owner), ShellEscape(destPath))
	if _, stderr, err := s.Exec(ctx, cmd, &ExecOptions{Sudo: true}); err != nil {
		return fmt.Errorf("chown %s: %s: %w", destPath, strings.TrimSpace(string(stderr)), err)
	}
	return nil
}

func (s *SSHConnector) Fetch(ctx context.Context, remotePath, localPath string, opts *FileTransferOptions) error {
	effective := FileTransferOptions{}
	if opts != nil {
		effective = *opts
	}

	src := remotePath
	if effective.Sudo {
		// Copy into a path the login user can read before downloading.
		staged := path.Join("/tmp", fmt.Sprintf("testxm-fetch-%d", time.Now().UnixNano()))
		user := s.connCfg.User
		if user == "" {
			user = common.DefaultSSHUser
		}
		cmd := fmt.Sprintf("cp -r %s %s && chown -R %s %s",
			ShellEscape(remotePath), ShellEscape(staged), ShellEscape(user), ShellEscape(staged))
		if _, stderr, err := s.Exec(ctx, cmd, &ExecOptions{Sudo: true}); err != nil {
			return fmt.Errorf("stage %s with sudo: %s: %w", remotePath, strings.TrimSpace(string(stderr)), err)
		}
		defer s.Exec(ctx, "rm -rf "+ShellEscape(staged), &ExecOptions{Sudo: true, Hidden: true})
		src = staged
	}

	st, err := s.Stat(ctx, src)
	if err != nil {
		return err
	}
	if !st.IsExist {
		return fmt.Errorf("remote path %s does not exist", remotePath)
	}
	if st.IsDir {
		return s.DownloadDir(ctx, src, localPath)
	}
	return s.Download(ctx, src, localPath)
}

// Download pulls a single remote file.
func (s *SSHConnector) Download(ctx context.Context, remotePath, localPath string) error {
	sc, err := s.ensureSftp(ctx)
	if err != nil {
		return err
	}
	rf, err := sc.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote file %s: %w", remotePath, err)
	}
	defer rf.Close()
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	lf, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(lf, rf); err != nil {
		lf.Close()
		return fmt.Errorf("download %s: %w", remotePath, err)
	}
	if fi, err := rf.Stat(); err == nil {
		os.Chmod(localPath, fi.Mode().Perm())
	}
	return lf.Close()
}

// DownloadDir mirrors a remote directory tree locally.
func (s *SSHConnector) DownloadDir(ctx context.Context, remoteDir, localDir string) error {
	sc, err := s.ensureSftp(ctx)
	if err != nil {
		return err
	}
	walker := sc.Walk(remoteDir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return fmt.Errorf("walk %s: %w", remoteDir, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(remoteDir, walker.Path())
		if err != nil {
			return err
		}
		target := filepath.Join(localDir, rel)
		if walker.Stat().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := s.Download(ctx, walker.Path(), target); err != nil {
			return err
		}
	}
	return nil
}

func (s *SSHConnector) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	sc, err := s.ensureSftp(ctx)
	if err != nil {
		return nil, err
	}
	f, err := sc.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("open remote file %s: %w", remotePath, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read remote file %s: %w", remotePath, err)
	}
	return data, nil
}

func (s *SSHConnector) Stat(ctx context.Context, remotePath string) (*FileStat, error) {
	sc, err := s.ensureSftp(ctx)
	if err != nil {
		return nil, err
	}
	info, err := sc.Lstat(remotePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &FileStat{Name: path.Base(remotePath), IsExist: false}, nil
		}
		return nil, fmt.Errorf("stat remote path %s: %w", remotePath, err)
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

func (s *SSHConnector) LookPath(ctx context.Context, file string) (string, error) {
	stdout, stderr, err := s.Exec(ctx, "command -v "+ShellEscape(file), &ExecOptions{Hidden: true})
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH on %s: %s: %w",
			file, s.connCfg.Host, strings.TrimSpace(string(stderr)), err)
	}
	p := strings.TrimSpace(string(stdout))
	if p == "" {
		return "", fmt.Errorf("%s not found in PATH on %s", file, s.connCfg.Host)
	}
	return p, nil
}

func (s *SSHConnector) Mkdir(ctx context.Context, dirPath string, perm string) error {
	cmd := "mkdir -p " + ShellEscape(dirPath)
	if perm != "" {
		cmd = fmt.Sprintf("mkdir -p -m %s %s", ShellEscape(perm), ShellEscape(dirPath))
	}
	_, stderr, err := s.Exec(ctx, cmd, &ExecOptions{Hidden: true})
	if err != nil {
		return fmt.Errorf("mkdir %s: %s: %w", dirPath, strings.TrimSpace(string(stderr)), err)
	}
	return nil
}

func (s *SSHConnector) Remove(ctx context.Context, remotePath string, opts RemoveOptions) error {
	// rm -f already ignores missing paths, satisfying IgnoreNotExist.
	flags := "-f"
	if opts.Recursive {
		flags = "-rf"
	}
	cmd := fmt.Sprintf("rm %s %s", flags, ShellEscape(remotePath))
	_, stderr, err := s.Exec(ctx, cmd, &ExecOptions{Sudo: opts.Sudo, Hidden: true})
	if err != nil {
		return fmt.Errorf("remove %s: %s: %w", remotePath, strings.TrimSpace(string(stderr)), err)
	}
	return nil
}

func (s *SSHConnector) GetFileChecksum(ctx context.Context, remotePath string, checksumType string) (string, error) {
	var tool string
	switch strings.ToLower(checksumType) {
	case "sha256":
		tool = "sha256sum"
	case "md5":
		tool = "md5sum"
	default:
		return "", fmt.Errorf("unsupported checksum type: %s", checksumType)
	}
	stdout, stderr, err := s.Exec(ctx, fmt.Sprintf("%s -b %s", tool, ShellEscape(remotePath)), &ExecOptions{Hidden: true})
	if err != nil {
		return "", fmt.Errorf("checksum %s: %s: %w", remotePath, strings.TrimSpace(string(stderr)), err)
	}
	fields := strings.Fields(string(stdout))
	if len(fields) == 0 {
		return "", fmt.Errorf("unexpected %s output: %q", tool, string(stdout))
	}
	return fields[0], nil
}

// GetOS probes the guest, preferring /etc/os-release and falling back to
// lsb_release and uname. The result is cached for the connection.
func (s *SSHConnector) GetOS(ctx context.Context) (*OS, error) {
	s.mu.Lock()
	cached := s.cachedOS
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	osInfo := &OS{}
	if out, _, err := s.Exec(ctx, "cat /etc/os-release", &ExecOptions{Hidden: true}); err == nil {
		values := ParseKeyValues(string(out))
		osInfo.ID = values["ID"]
		osInfo.VersionID = values["VERSION_ID"]
		osInfo.PrettyName = values["PRETTY_NAME"]
		osInfo.Codename = values["VERSION_CODENAME"]
	} else if out, _, err := s.Exec(ctx, "lsb_release -a", &ExecOptions{Hidden: true}); err == nil {
		for _, line := range strings.Split(string(out), "\n") {
			key, value, found := strings.Cut(line, ":")
			if !found {
				continue
			}
			value = strings.TrimSpace(value)
			switch strings.TrimSpace(key) {
			case "Distributor ID":
				osInfo.ID = strings.ToLower(value)
			case "Release":
				osInfo.VersionID = value
			case "Description":
				osInfo.PrettyName = value
			case "Codename":
				osInfo.Codename = value
			}
		}
	}
	if osInfo.ID == "" {
		out, _, err := s.Exec(ctx, "uname -s", &ExecOptions{Hidden: true})
		if err != nil {
			return nil, fmt.Errorf("detect OS on %s: %w", s.connCfg.Host, err)
		}
		osInfo.ID = strings.ToLower(strings.TrimSpace(string(out)))
	}
	if out, _, err := s.Exec(ctx, "uname -r", &ExecOptions{Hidden: true}); err == nil {
		osInfo.Kernel = strings.TrimSpace(string(out))
	}
	if out, _, err := s.Exec(ctx, "uname -m", &ExecOptions{Hidden: true}); err == nil {
		osInfo.Arch = strings.TrimSpace(string(out))
	}

	s.mu.Lock()
	s.cachedOS = osInfo
	s.mu.Unlock()
	return osInfo, nil
}

// ParseKeyValues parses KEY=value lines such as /etc/os-release content,
// stripping surrounding quotes from values.
func ParseKeyValues(content string) map[string]string {
	values := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		values[key] = strings.Trim(value, `"'`)
	}
	return values
}

func tarGzDir(srcDir string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	walkErr := filepath.Walk(srcDir, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, file)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		var link string
		if fi.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(file); err != nil {
				return err
			}
		}
		header, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		tw.Close()
		gz.Close()
		return walkErr
	}
	if err := tw.Close(); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

func dialSSH(ctx context.Context, cfg ConnectionCfg, timeout time.Duration) (*ssh.Client, *ssh.Client, error) {
	if timeout <= 0 {
		timeout = common.DefaultConnectTimeout
	}
	authMethods, err := buildAuthMethods(cfg.Password, cfg.PrivateKey, cfg.PrivateKeyPath)
	if err != nil {
		return nil, nil, &ConnectionError{Host: cfg.Host, Err: err}
	}
	hostKeyCallback := cfg.HostKeyCallback
	if hostKeyCallback == nil {
		logger.Get().Debugf("No host key callback for %s, accepting any host key", cfg.Host)
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	port := cfg.Port
	if port == 0 {
		port = common.DefaultSSHPort
	}
	user := cfg.User
	if user == "" {
		user = common.DefaultSSHUser
	}
	clientCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	if cfg.BastionCfg != nil {
		return dialViaBastion(ctx, addr, clientCfg, cfg.BastionCfg, timeout)
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, &ConnectionError{Host: cfg.Host, Err: err}
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, nil, &ConnectionError{Host: cfg.Host, Err: err}
	}
	return ssh.NewClient(c, chans, reqs), nil, nil
}

func dialViaBastion(ctx context.Context, targetAddr string, targetCfg *ssh.ClientConfig, bastion *BastionCfg, timeout time.Duration) (*ssh.Client, *ssh.Client, error) {
	bastionAuth, err := buildAuthMethods(bastion.Password, bastion.PrivateKey, bastion.PrivateKeyPath)
	if err != nil {
		return nil, nil, &ConnectionError{Host: bastion.Host, Err: err}
	}
	bastionKeyCallback := bastion.HostKeyCallback
	if bastionKeyCallback == nil {
		bastionKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	bastionTimeout := bastion.Timeout
	if bastionTimeout <= 0 {
		bastionTimeout = timeout
	}
	port := bastion.Port
	if port == 0 {
		port = common.DefaultSSHPort
	}
	user := bastion.User
	if user == "" {
		user = common.DefaultSSHUser
	}
	bastionClientCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            bastionAuth,
		HostKeyCallback: bastionKeyCallback,
		Timeout:         bastionTimeout,
	}
	bastionAddr := net.JoinHostPort(bastion.Host, strconv.Itoa(port))
	bastionClient, err := ssh.Dial("tcp", bastionAddr, bastionClientCfg)
	if err != nil {
		return nil, nil, &ConnectionError{Host: bastion.Host, Err: fmt.Errorf("dial bastion: %w", err)}
	}
	conn, err := bastionClient.DialContext(ctx, "tcp", targetAddr)
	if err != nil {
		bastionClient.Close()
		return nil, nil, &ConnectionError{Host: targetAddr, Err: fmt.Errorf("dial target via bastion: %w", err)}
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, targetAddr, targetCfg)
	if err != nil {
		conn.Close()
		bastionClient.Close()
		return nil, nil, &ConnectionError{Host: targetAddr, Err: fmt.Errorf("establish connection via bastion: %w", err)}
	}
	return ssh.NewClient(c, chans, reqs), bastionClient, nil
}

func buildAuthMethods(password string, privateKey []byte, privateKeyPath string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(privateKey) == 0 && privateKeyPath != "" {
		expanded := privateKeyPath
		if strings.HasPrefix(expanded, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				expanded = filepath.Join(home, expanded[2:])
			}
		}
		data, err := os.ReadFile(expanded)
		if err != nil {
			return nil, fmt.Errorf("read private key %s: %w", privateKeyPath, err)
		}
		privateKey = data
	}
	if len(privateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(privateKey)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no authentication method provided (need password or private key)")
	}
	return methods, nil
}
